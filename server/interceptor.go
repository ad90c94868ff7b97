package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var skipResponseHeaders = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
}

// Interceptor is the local HTTP endpoint pages talk to. Control routes are
// served directly; every other request goes to the claimed handler, or
// straight to the network while nothing has claimed it yet.
type Interceptor struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	httpConfig      *types.HTTPConfig
	origin          string
	fallback        types.Fetcher
	handler         atomic.Pointer[types.InterceptHandler]
	routes          map[string]fasthttp.RequestHandler
	routesMu        sync.RWMutex
	middlewares     []Middleware
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

var _ types.NetworkInterceptor = (*Interceptor)(nil)

func NewInterceptor(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	origin string,
	fallback types.Fetcher,
) *Interceptor {
	serverCtx, cancel := context.WithCancel(ctx)

	httpConfig := config.GetConfig().Server.HTTP

	shutdownTimeout := 5 * time.Second
	if httpConfig.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(httpConfig.ShutdownTimeout) * time.Second
	}

	i := &Interceptor{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		httpConfig:      httpConfig,
		origin:          strings.TrimRight(origin, "/"),
		fallback:        fallback,
		routes:          make(map[string]fasthttp.RequestHandler),
		shutdownTimeout: shutdownTimeout,
	}

	i.middlewares = []Middleware{
		NewRecoveryMiddleware(logger, metrics),
		NewLoggingMiddleware(logger, metrics),
	}

	i.state.Store(StateStopped)

	return i
}

// Claim makes handler the one answering intercepted requests from now on.
func (i *Interceptor) Claim(handler types.InterceptHandler) {
	if handler == nil {
		return
	}
	i.handler.Store(&handler)
	i.logger.Info("Interceptor claimed by new controller")
}

func (i *Interceptor) Claimed() bool {
	return i.handler.Load() != nil
}

// Route registers a control endpoint. Control routes take precedence over
// interception.
func (i *Interceptor) Route(method, path string, handler fasthttp.RequestHandler) {
	i.routesMu.Lock()
	defer i.routesMu.Unlock()
	i.routes[routeKey(method, path)] = handler
}

// Handler returns the complete request handler with middlewares applied.
func (i *Interceptor) Handler() fasthttp.RequestHandler {
	handler := i.dispatch
	for idx := len(i.middlewares) - 1; idx >= 0; idx-- {
		handler = i.middlewares[idx](handler)
	}
	return handler
}

func (i *Interceptor) Start() error {
	addr := fmt.Sprintf("%s:%d", i.httpConfig.Host, i.httpConfig.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	return i.Serve(listener)
}

// Serve starts serving on an existing listener.
func (i *Interceptor) Serve(listener net.Listener) error {
	if !i.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	i.server = &fasthttp.Server{
		Handler:                      i.Handler(),
		Name:                         "sai-offline",
		ReadTimeout:                  time.Duration(i.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(i.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(i.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}
	i.listener = listener

	go func() {
		if err := i.server.Serve(listener); err != nil {
			i.logger.Error("Interceptor server failed", zap.Error(err))
			i.state.Store(StateStopped)
		}
	}()

	i.state.Store(StateRunning)

	i.logger.Info("Interceptor started",
		zap.String("address", listener.Addr().String()),
		zap.String("origin", i.origin))

	return nil
}

func (i *Interceptor) Stop() error {
	if !i.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		i.state.Store(StateStopped)
		i.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), i.shutdownTimeout)
	defer cancel()

	if err := i.server.ShutdownWithContext(ctx); err != nil {
		i.logger.Warn("Interceptor stop timeout, some connections may not have closed gracefully", zap.Error(err))
		return nil
	}

	i.logger.Info("Interceptor stopped gracefully")
	return nil
}

func (i *Interceptor) IsRunning() bool {
	return i.state.Load().(State) == StateRunning
}

func (i *Interceptor) dispatch(ctx *fasthttp.RequestCtx) {
	if !isAbsoluteForm(ctx) {
		i.routesMu.RLock()
		route := i.routes[routeKey(string(ctx.Method()), string(ctx.Path()))]
		i.routesMu.RUnlock()

		if route != nil {
			route(ctx)
			return
		}
	}

	req := i.toRequest(ctx)

	var resp *types.Response
	if handler := i.handler.Load(); handler != nil {
		resp = (*handler)(ctx, req)
	} else {
		resp = i.direct(ctx, req)
	}

	writeResponse(ctx, resp)
}

func (i *Interceptor) direct(ctx context.Context, req *types.Request) *types.Response {
	if i.fallback == nil {
		return types.NewEmptyResponse(fasthttp.StatusBadGateway)
	}

	resp, err := i.fallback.Fetch(ctx, req, types.FetchOptions{})
	if err != nil {
		i.logger.Debug("Unclaimed request failed", zap.String("url", req.URL), zap.Error(err))
		return types.NewEmptyResponse(fasthttp.StatusBadGateway)
	}

	return resp
}

func (i *Interceptor) toRequest(ctx *fasthttp.RequestCtx) *types.Request {
	req := &types.Request{
		Method:      string(ctx.Method()),
		Destination: string(ctx.Request.Header.Peek("Sec-Fetch-Dest")),
		Header:      make(map[string]string),
	}

	if isAbsoluteForm(ctx) {
		req.URL = string(ctx.Request.Header.RequestURI())
	} else {
		req.URL = i.origin + string(ctx.Request.Header.RequestURI())
	}

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		req.Header[string(key)] = string(value)
	})

	if body := ctx.PostBody(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	return req
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.Response) {
	if resp == nil {
		resp = types.NewEmptyResponse(fasthttp.StatusServiceUnavailable)
	}

	for key, value := range resp.Header {
		if _, skip := skipResponseHeaders[strings.ToLower(key)]; skip {
			continue
		}
		ctx.Response.Header.Set(key, value)
	}

	ctx.SetStatusCode(resp.Status)
	ctx.SetBody(resp.Body)
}

func isAbsoluteForm(ctx *fasthttp.RequestCtx) bool {
	uri := ctx.Request.Header.RequestURI()
	return hasPrefixFold(uri, "http://") || hasPrefixFold(uri, "https://")
}

func hasPrefixFold(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && strings.EqualFold(string(b[:len(prefix)]), prefix)
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + ":" + path
}
