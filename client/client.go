package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

const defaultTimeout = 10 * time.Second

type Option func(*options)

type options struct {
	dial    fasthttp.DialFunc
	backoff time.Duration
}

// WithDial replaces the network dialer, mostly for in-memory listeners.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithBackoff sets the base delay between retries. Attempt n waits n*base.
func WithBackoff(base time.Duration) Option {
	return func(o *options) { o.backoff = base }
}

// HTTPClient performs JSON calls against an upstream with retries and a
// circuit breaker.
type HTTPClient struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         types.Logger
	name           string
	client         *fasthttp.Client
	config         *types.ClientConfig
	circuitBreaker *CircuitBreaker
	state          atomic.Value
	requestTimeout time.Duration
	backoff        time.Duration
}

func NewHTTPClient(ctx context.Context, logger types.Logger, serviceName string, config *types.ClientConfig, opts ...Option) *HTTPClient {
	if config == nil {
		config = &types.ClientConfig{}
	}

	o := options{backoff: time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCtx, cancel := context.WithCancel(ctx)

	c := &HTTPClient{
		ctx:    clientCtx,
		cancel: cancel,
		logger: logger,
		name:   serviceName,
		client: &fasthttp.Client{
			Name:         serviceName,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			Dial:         o.dial,
		},
		config:         config,
		circuitBreaker: NewCircuitBreaker(config.CircuitBreaker, logger, serviceName),
		requestTimeout: timeout,
		backoff:        o.backoff,
	}

	c.state.Store(StateRunning)

	return c
}

func (c *HTTPClient) Breaker() *CircuitBreaker {
	return c.circuitBreaker
}

// Call sends one request and retries transport failures, 5xx, 408 and 429.
// A non-2xx final status is returned together with ErrClientResponseInvalid.
func (c *HTTPClient) Call(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, int, error) {
	if !c.IsRunning() {
		return nil, 0, types.ErrClientNotRunning
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if body != nil {
		req.SetBody(body)
		if len(req.Header.ContentType()) == 0 {
			req.Header.SetContentType("application/json")
		}
	}

	return c.executeWithRetries(ctx, req, resp, c.config.Retries)
}

func (c *HTTPClient) Close() {
	if !c.state.CompareAndSwap(StateRunning, StateStopping) {
		return
	}

	c.cancel()
	c.client.CloseIdleConnections()
	c.state.Store(StateStopped)

	c.logger.Debug("HTTP client closed", zap.String("service", c.name))
}

func (c *HTTPClient) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *HTTPClient) executeWithRetries(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, maxRetries int) ([]byte, int, error) {
	var lastErr error
	var statusCode int
	var lastBody []byte

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !c.IsRunning() {
			return nil, 0, types.ErrClientNotRunning
		}

		if !c.circuitBreaker.CanExecute() {
			return nil, 0, types.ErrCircuitBreakerOpen
		}

		err := c.client.DoTimeout(req, resp, remaining(ctx, c.requestTimeout))
		statusCode = resp.StatusCode()

		if err == nil {
			c.circuitBreaker.RecordSuccess()

			lastBody = copyBody(resp.Body())
			if statusCode >= 200 && statusCode < 300 {
				return lastBody, statusCode, nil
			}
			lastErr = types.Errorf(types.ErrClientResponseInvalid, "HTTP %d", statusCode)
		} else {
			c.circuitBreaker.RecordFailure()
			statusCode = 0
			lastBody = nil
			lastErr = err
		}

		if attempt == maxRetries || !isRetryable(statusCode, err) {
			break
		}

		backoff := time.Duration(attempt+1) * c.backoff

		c.logger.Debug("Retrying request",
			zap.String("service", c.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, 0, types.WrapError(ctx.Err(), "request cancelled during retry")
		case <-c.ctx.Done():
			return nil, 0, types.NewErrorf("client shutting down during retry for service: %s", c.name)
		}
	}

	if statusCode != 0 {
		return lastBody, statusCode, lastErr
	}

	return nil, 0, types.Errorf(types.ErrClientRequestFailed, "service %s: %v", c.name, lastErr)
}

func isRetryable(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500 || statusCode == 408 || statusCode == 429
}

func remaining(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}

	left := time.Until(deadline)
	if left <= 0 {
		return time.Millisecond
	}

	return min(left, limit)
}

func copyBody(body []byte) []byte {
	out := make([]byte, len(body))
	copy(out, body)
	return out
}
