package service

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/types"
)

type harness struct {
	svc    *Service
	proxy  *fasthttputil.InmemoryListener
	client *fasthttp.Client
	errCh  chan error
}

func startService(t *testing.T, failPath string) *harness {
	t.Helper()

	origin := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(origin, func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == failPath {
				ctx.SetStatusCode(http.StatusInternalServerError)
				return
			}
			ctx.SetBodyString("origin " + string(ctx.Path()))
		})
	}()
	t.Cleanup(func() { _ = origin.Close() })

	cfg := config.NewLoader().Defaults()
	cfg.Logger.Level = "error"
	cfg.Controller.Origin = "http://origin.test"

	proxy := fasthttputil.NewInmemoryListener()

	svc, err := NewServiceWithConfig(context.Background(), cfg,
		WithListener(proxy),
		WithClientOptions(client.WithDial(func(string) (net.Conn, error) { return origin.Dial() })),
	)
	require.NoError(t, err)

	h := &harness{
		svc:    svc,
		proxy:  proxy,
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return proxy.Dial() }},
		errCh:  make(chan error, 1),
	}

	go func() { h.errCh <- svc.Start() }()
	require.Eventually(t, svc.IsRunning, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		if svc.IsRunning() {
			_ = svc.Stop()
		}
		select {
		case <-svc.Done():
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})

	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://proxy.local" + path)
	if body != "" {
		req.SetBodyString(body)
	}

	require.NoError(t, h.client.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), string(resp.Body())
}

func TestServiceInstallsActivatesAndServes(t *testing.T) {
	h := startService(t, "")
	container := h.svc.Container()

	assert.True(t, container.Controller.Load().IsActivated())
	assert.True(t, container.Interceptor.Load().Claimed())

	names, err := (*container.Cache.Load()).Keys(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "static-v3")
	assert.Contains(t, names, "data-v3")

	status, body := h.do(t, fasthttp.MethodGet, "/gen/gen4.jpg", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "origin /gen/gen4.jpg", body)

	status, body = h.do(t, fasthttp.MethodGet, "/__offline/health", "")
	assert.Equal(t, http.StatusOK, status, body)
}

func TestServiceQueuesAndFlushesOnSession(t *testing.T) {
	h := startService(t, "")
	container := h.svc.Container()
	ctx := context.Background()

	status, _ := h.do(t, fasthttp.MethodPost, "/__offline/queue", `{"entity_id":7,"state":true}`)
	require.Equal(t, http.StatusAccepted, status)

	status, _ = h.do(t, fasthttp.MethodPost, "/__offline/session", `{"owner_id":"trainer"}`)
	require.Equal(t, http.StatusOK, status)

	rem := *container.Remote.Load()
	require.Eventually(t, func() bool {
		rows, err := rem.Select(ctx, "trainer")
		return err == nil && len(rows) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(container.Queue.Load().ReadAll(ctx)) == 0
	}, 5*time.Second, 10*time.Millisecond)

	status, _ = h.do(t, fasthttp.MethodPost, "/__offline/queue", `{"entity_id":25,"state":true}`)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		rows, err := rem.Select(ctx, "trainer")
		return err == nil && len(rows) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceStaysUnclaimedWhenInstallFails(t *testing.T) {
	h := startService(t, "/gen/gen9.jpg")
	container := h.svc.Container()

	assert.False(t, container.Controller.Load().IsActivated())
	assert.False(t, container.Interceptor.Load().Claimed())

	status, body := h.do(t, fasthttp.MethodGet, "/data/pokemon.json", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "origin /data/pokemon.json", body)
}

func TestServiceStopReturnsFromStart(t *testing.T) {
	h := startService(t, "")

	require.NoError(t, h.svc.Stop())
	select {
	case err := <-h.errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.False(t, h.svc.IsRunning())
	assert.ErrorIs(t, h.svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestNewServiceRequiresConfigFile(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), t.TempDir()+"/missing.yaml")
	assert.Error(t, err)
}
