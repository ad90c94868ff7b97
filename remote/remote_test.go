package remote

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

type recordedRequest struct {
	method  string
	path    string
	args    map[string]string
	headers map[string]string
	body    string
}

type fakeRest struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakeRest) handle(ctx *fasthttp.RequestCtx) {
	rec := recordedRequest{
		method:  string(ctx.Method()),
		path:    string(ctx.Path()),
		args:    map[string]string{},
		headers: map[string]string{},
		body:    string(ctx.PostBody()),
	}
	ctx.QueryArgs().VisitAll(func(k, v []byte) { rec.args[string(k)] = string(v) })
	for _, h := range []string{"apikey", "Authorization", "Prefer"} {
		rec.headers[h] = string(ctx.Request.Header.Peek(h))
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	status, body := f.status, f.body
	f.mu.Unlock()

	if status == 0 {
		status = fasthttp.StatusOK
	}
	ctx.SetStatusCode(status)
	ctx.SetBodyString(body)
}

func (f *fakeRest) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newRestRemote(t *testing.T, fake *fakeRest) *RestRemote {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, fake.handle) }()
	t.Cleanup(func() { _ = ln.Close() })

	r, err := NewRestRemote(context.Background(), logger.NewNopLogger(), &types.RemoteConfig{
		Type: "rest",
		Config: map[string]interface{}{
			"base_url": "http://supabase.local/",
			"api_key":  "anon-key",
		},
	}, &types.ClientConfig{Timeout: time.Second},
		client.WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		client.WithBackoff(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	return r
}

func TestRestUpsertSendsMergeDuplicates(t *testing.T) {
	fake := &fakeRest{status: fasthttp.StatusCreated}
	r := newRestRemote(t, fake)

	err := r.Upsert(context.Background(), []types.Row{
		{OwnerID: "u1", EntityID: 4, Flag: true},
		{OwnerID: "u1", EntityID: 7, Flag: true},
	})
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, fasthttp.MethodPost, req.method)
	assert.Equal(t, "/rest/v1/catches", req.path)
	assert.Equal(t, "user_id,pokemon_id", req.args["on_conflict"])
	assert.Equal(t, "resolution=merge-duplicates,return=minimal", req.headers["Prefer"])
	assert.Equal(t, "anon-key", req.headers["apikey"])
	assert.Equal(t, "Bearer anon-key", req.headers["Authorization"])
	assert.JSONEq(t, `[
		{"user_id":"u1","pokemon_id":4,"caught_shiny":true},
		{"user_id":"u1","pokemon_id":7,"caught_shiny":true}
	]`, req.body)
}

func TestRestDeleteFiltersByOwnerAndIDs(t *testing.T) {
	fake := &fakeRest{status: fasthttp.StatusNoContent}
	r := newRestRemote(t, fake)
	r.BindSession("user-jwt")

	require.NoError(t, r.Delete(context.Background(), "u1", []int64{2, 9}))

	req := fake.last()
	assert.Equal(t, fasthttp.MethodDelete, req.method)
	assert.Equal(t, "eq.u1", req.args["user_id"])
	assert.Equal(t, "in.(2,9)", req.args["pokemon_id"])
	assert.Equal(t, "Bearer user-jwt", req.headers["Authorization"])
}

func TestRestEmptyBatchesSkipNetwork(t *testing.T) {
	fake := &fakeRest{}
	r := newRestRemote(t, fake)

	require.NoError(t, r.Upsert(context.Background(), nil))
	require.NoError(t, r.Delete(context.Background(), "u1", nil))
	assert.Empty(t, fake.requests)
}

func TestRestSelectDecodesRows(t *testing.T) {
	fake := &fakeRest{body: `[
		{"user_id":"u1","pokemon_id":1,"caught_shiny":true},
		{"user_id":"u1","pokemon_id":25,"caught_shiny":true}
	]`}
	r := newRestRemote(t, fake)

	rows, err := r.Select(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []types.Row{
		{OwnerID: "u1", EntityID: 1, Flag: true},
		{OwnerID: "u1", EntityID: 25, Flag: true},
	}, rows)
	assert.Equal(t, "eq.u1", fake.last().args["user_id"])
}

func TestRestFailureIsReported(t *testing.T) {
	fake := &fakeRest{status: fasthttp.StatusUnauthorized, body: `{"message":"JWT expired"}`}
	r := newRestRemote(t, fake)

	err := r.Upsert(context.Background(), []types.Row{{OwnerID: "u1", EntityID: 1, Flag: true}})
	assert.ErrorIs(t, err, types.ErrRemoteRequestFailed)
}

func TestRestRequiresBaseURL(t *testing.T) {
	_, err := NewRestRemote(context.Background(), logger.NewNopLogger(),
		&types.RemoteConfig{Type: "rest", Config: map[string]interface{}{}}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func remotes(t *testing.T) map[string]types.RemoteStore {
	cloverRemote, err := NewCloverRemote(logger.NewNopLogger(), &types.RemoteConfig{
		Type:   "clover",
		Config: map[string]interface{}{"path": t.TempDir()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cloverRemote.Close() })

	return map[string]types.RemoteStore{
		"memory": NewMemoryRemote(),
		"clover": cloverRemote,
	}
}

func TestLocalRemotesUpsertDeleteSelect(t *testing.T) {
	ctx := context.Background()

	for name, r := range remotes(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.Upsert(ctx, []types.Row{
				{OwnerID: "u1", EntityID: 3, Flag: true},
				{OwnerID: "u1", EntityID: 1, Flag: true},
				{OwnerID: "u2", EntityID: 1, Flag: true},
			}))
			require.NoError(t, r.Upsert(ctx, []types.Row{{OwnerID: "u1", EntityID: 3, Flag: true}}))

			rows, err := r.Select(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, []types.Row{
				{OwnerID: "u1", EntityID: 1, Flag: true},
				{OwnerID: "u1", EntityID: 3, Flag: true},
			}, rows)

			require.NoError(t, r.Delete(ctx, "u1", []int64{1, 99}))

			rows, err = r.Select(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, []types.Row{{OwnerID: "u1", EntityID: 3, Flag: true}}, rows)

			rows, err = r.Select(ctx, "u2")
			require.NoError(t, err)
			assert.Len(t, rows, 1)

			assert.ErrorIs(t, r.Delete(ctx, "", []int64{1}), types.ErrOwnerEmpty)
		})
	}
}

func TestNewRemoteStoreInstrumentsCalls(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	manager, err := config.NewStaticManager(cfg)
	require.NoError(t, err)

	mm := metrics.NewMemoryMetrics()
	r, err := NewRemoteStore(context.Background(), manager, logger.NewNopLogger(), mm)
	require.NoError(t, err)

	_, err = r.Select(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, float64(1), mm.Counter("remote_requests_total", map[string]string{
		"backend":   "memory",
		"operation": "select",
		"result":    "ok",
	}).Get())
}
