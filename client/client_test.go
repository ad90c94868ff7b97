package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func serve(t *testing.T, handler fasthttp.RequestHandler) Option {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, handler) }()
	t.Cleanup(func() { _ = ln.Close() })

	return WithDial(func(string) (net.Conn, error) { return ln.Dial() })
}

func failingDial() Option {
	return WithDial(func(string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: assert.AnError}
	})
}

func TestBreakerRecoveryFiresCallback(t *testing.T) {
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}, logger.NewNopLogger(), "test")

	now := time.Now()
	cb.now = func() time.Time { return now }

	var recovered atomic.Int32
	cb.OnRecover(func() { recovered.Add(1) })

	cb.RecordFailure()
	assert.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.StateString())
	assert.False(t, cb.CanExecute())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.StateString())

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.StateString())
	assert.Equal(t, int32(1), recovered.Load())

	cb.RecordSuccess()
	assert.Equal(t, int32(1), recovered.Load())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenRequests: 1,
	}, logger.NewNopLogger(), "test")

	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	require.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.StateString())
}

func TestDisabledBreakerAlwaysExecutes(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewNopLogger(), "test")
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.StateString())
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "token", string(ctx.Request.Header.Peek("apikey")))
		ctx.SetBodyString(`{"ok":true}`)
	})

	c := NewHTTPClient(context.Background(), logger.NewNopLogger(), "remote",
		&types.ClientConfig{Timeout: time.Second, Retries: 2}, dial, WithBackoff(time.Millisecond))
	defer c.Close()

	body, status, err := c.Call(context.Background(), fasthttp.MethodGet, "http://remote/rest", nil, map[string]string{"apikey": "token"})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusConflict)
		ctx.SetBodyString(`{"message":"conflict"}`)
	})

	c := NewHTTPClient(context.Background(), logger.NewNopLogger(), "remote",
		&types.ClientConfig{Timeout: time.Second, Retries: 3}, dial, WithBackoff(time.Millisecond))
	defer c.Close()

	body, status, err := c.Call(context.Background(), fasthttp.MethodPost, "http://remote/rest", []byte(`[]`), nil)
	require.ErrorIs(t, err, types.ErrClientResponseInvalid)
	assert.Equal(t, 409, status)
	assert.Contains(t, string(body), "conflict")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallAfterCloseFails(t *testing.T) {
	c := NewHTTPClient(context.Background(), logger.NewNopLogger(), "remote", nil)
	c.Close()

	_, _, err := c.Call(context.Background(), fasthttp.MethodGet, "http://remote/", nil, nil)
	assert.ErrorIs(t, err, types.ErrClientNotRunning)
}

func TestFetchCopiesResponse(t *testing.T) {
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "session=1", string(ctx.Request.Header.Peek("Cookie")))
		ctx.Response.Header.Set("Content-Type", "application/json")
		ctx.SetBodyString(`[1,2,3]`)
	})

	f := NewFetcher(logger.NewNopLogger(), &types.ClientConfig{Timeout: time.Second}, dial)
	defer f.Close()

	resp, err := f.Fetch(context.Background(), &types.Request{
		Method: "GET",
		URL:    "http://origin/data/pokemon.json",
		Header: map[string]string{"Cookie": "session=1"},
	}, types.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.False(t, resp.Opaque)
	assert.Equal(t, "application/json", resp.Header["Content-Type"])
	assert.Equal(t, `[1,2,3]`, string(resp.Body))
}

func TestFetchNoCORSStripsCredentials(t *testing.T) {
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		assert.Empty(t, ctx.Request.Header.Peek("Cookie"))
		assert.Empty(t, ctx.Request.Header.Peek("Authorization"))
		ctx.SetBodyString("png")
	})

	f := NewFetcher(logger.NewNopLogger(), nil, dial)

	resp, err := f.Fetch(context.Background(), &types.Request{
		URL: "http://sprites/pokemon/1.png",
		Header: map[string]string{
			"Cookie":        "session=1",
			"Authorization": "Bearer x",
		},
	}, types.FetchOptions{NoCORS: true, OmitCredentials: true})
	require.NoError(t, err)
	assert.True(t, resp.Opaque)
	assert.Equal(t, "png", string(resp.Body))
}

func TestFetchNetworkFailure(t *testing.T) {
	f := NewFetcher(logger.NewNopLogger(), &types.ClientConfig{
		Timeout: time.Second,
		CircuitBreaker: &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 1,
			RecoveryTimeout:  time.Hour,
		},
	}, failingDial())

	_, err := f.Fetch(context.Background(), &types.Request{URL: "http://origin/"}, types.FetchOptions{})
	require.ErrorIs(t, err, types.ErrNetworkUnavailable)
	assert.Equal(t, "open", f.Breaker().StateString())

	_, err = f.Fetch(context.Background(), &types.Request{URL: "http://origin/"}, types.FetchOptions{})
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
}
