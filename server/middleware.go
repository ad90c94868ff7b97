package server

import (
	"runtime"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type Middleware func(next fasthttp.RequestHandler) fasthttp.RequestHandler

// NewRecoveryMiddleware answers 500 when a handler panics and logs the panic
// with its stack.
func NewRecoveryMiddleware(logger types.Logger, metrics types.MetricsManager) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := []zap.Field{
						zap.Any("panic", rec),
						zap.ByteString("method", ctx.Method()),
						zap.ByteString("path", ctx.Path()),
						zap.String("stack", stackTrace()),
					}

					if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
						fields = append(fields, zap.ByteString("request_id", requestID))
					}

					logger.Error("Recovered from panic", fields...)

					if metrics != nil {
						metrics.Counter("http_panics_total", nil).Inc()
					}

					ctx.ResetBody()
					writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
				}
			}()

			next(ctx)
		}
	}
}

// NewLoggingMiddleware logs every request at debug level and records
// request counts and latencies.
func NewLoggingMiddleware(logger types.Logger, metrics types.MetricsManager) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()

			next(ctx)

			duration := time.Since(start)
			status := ctx.Response.StatusCode()

			logger.Debug("Request completed",
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("uri", ctx.Request.Header.RequestURI()),
				zap.Int("status", status),
				zap.Duration("duration", duration))

			if metrics != nil {
				metrics.Counter("http_requests_total", map[string]string{
					"method": string(ctx.Method()),
					"status": strconv.Itoa(status),
				}).Inc()
				metrics.Histogram("http_request_duration_seconds", nil, map[string]string{
					"method": string(ctx.Method()),
				}).Observe(duration.Seconds())
			}
		}
	}
}

func stackTrace() string {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) || len(buf) >= 65536 {
			return utils.BytesToString(buf[:n])
		}
		buf = make([]byte, len(buf)*4)
	}
}
