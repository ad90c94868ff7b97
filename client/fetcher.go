package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

const maxRedirects = 5

var hopHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"transfer-encoding": {},
	"upgrade":           {},
	"te":                {},
	"trailer":           {},
	"host":              {},
	"content-length":    {},
}

var credentialHeaders = map[string]struct{}{
	"cookie":        {},
	"authorization": {},
}

// Fetcher issues single-attempt network requests on behalf of intercepted
// page requests. Transport failures feed the circuit breaker, which is what
// the connectivity layer listens to for recovery.
type Fetcher struct {
	logger         types.Logger
	client         *fasthttp.Client
	circuitBreaker *CircuitBreaker
	timeout        time.Duration
}

var _ types.Fetcher = (*Fetcher)(nil)

func NewFetcher(logger types.Logger, config *types.ClientConfig, opts ...Option) *Fetcher {
	if config == nil {
		config = &types.ClientConfig{}
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Fetcher{
		logger: logger,
		client: &fasthttp.Client{
			Name:                     "sai-offline",
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			Dial:                     o.dial,
			DisablePathNormalizing:   true,
			NoDefaultUserAgentHeader: true,
		},
		circuitBreaker: NewCircuitBreaker(config.CircuitBreaker, logger, "fetcher"),
		timeout:        timeout,
	}
}

func (f *Fetcher) Breaker() *CircuitBreaker {
	return f.circuitBreaker
}

func (f *Fetcher) Fetch(ctx context.Context, request *types.Request, opts types.FetchOptions) (*types.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(err, "fetch cancelled")
	}

	if !f.circuitBreaker.CanExecute() {
		return nil, fmt.Errorf("%w: %w", types.ErrNetworkUnavailable, types.ErrCircuitBreakerOpen)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(request.URL)
	if request.Method != "" {
		req.Header.SetMethod(request.Method)
	}

	omitCredentials := opts.OmitCredentials || opts.NoCORS
	for key, value := range request.Header {
		name := strings.ToLower(key)
		if _, skip := hopHeaders[name]; skip {
			continue
		}
		if _, cred := credentialHeaders[name]; cred && omitCredentials {
			continue
		}
		req.Header.Set(key, value)
	}

	if len(request.Body) > 0 {
		req.SetBody(request.Body)
	}

	req.SetTimeout(remaining(ctx, f.timeout))

	if err := f.client.DoRedirects(req, resp, maxRedirects); err != nil {
		f.circuitBreaker.RecordFailure()
		f.logger.Debug("Fetch failed",
			zap.String("url", request.URL),
			zap.Error(err))
		return nil, types.Errorf(types.ErrNetworkUnavailable, "%s: %v", request.URL, err)
	}

	f.circuitBreaker.RecordSuccess()

	response := &types.Response{
		Status: resp.StatusCode(),
		Header: make(map[string]string),
		Body:   copyBody(resp.Body()),
		Opaque: opts.NoCORS,
	}

	resp.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if _, skip := hopHeaders[strings.ToLower(name)]; skip {
			return
		}
		response.Header[name] = string(value)
	})

	return response, nil
}

func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}
