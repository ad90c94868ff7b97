package server

import (
	"slices"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

var (
	trueBytes        = []byte("true")
	asteriskBytes    = []byte("*")
	varyOriginBytes  = []byte("Origin")
	varyPreflight    = []byte("Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	corsDeniedBody   = []byte(`{"error":"origin not allowed"}`)
	defaultCORSHeads = []string{"Content-Type", "Authorization", "X-Request-ID"}
)

// controlCORS lets the page, which lives on the app origin, call control
// routes served from the interceptor's own address.
type controlCORS struct {
	logger           types.Logger
	allowsAll        bool
	origins          map[string]bool
	wildcardDomains  []string
	allowedHeaders   []byte
	maxAge           []byte
	allowCredentials bool
}

func newControlCORS(logger types.Logger, config *types.CORSConfig, appOrigin string) *controlCORS {
	cfg := types.CORSConfig{MaxAge: 86400}
	if config != nil {
		cfg = *config
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{strings.TrimRight(appOrigin, "/")}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = defaultCORSHeads
	}

	c := &controlCORS{
		logger:           logger,
		allowsAll:        len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*",
		origins:          make(map[string]bool, len(cfg.AllowedOrigins)),
		allowedHeaders:   []byte(strings.Join(cfg.AllowedHeaders, ", ")),
		maxAge:           []byte(strconv.Itoa(cfg.MaxAge)),
		allowCredentials: cfg.AllowCredentials,
	}

	for _, origin := range cfg.AllowedOrigins {
		if domain, ok := strings.CutPrefix(origin, "*."); ok {
			c.wildcardDomains = append(c.wildcardDomains, domain)
			continue
		}
		c.origins[origin] = true
	}

	return c
}

// wrap adds CORS headers to a control route and rejects foreign origins.
// Requests without an Origin header are not cross-origin and pass untouched.
func (c *controlCORS) wrap(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		origin := ctx.Request.Header.Peek("Origin")
		if len(origin) == 0 {
			next(ctx)
			return
		}

		if !c.allowed(origin) {
			c.deny(ctx, origin)
			return
		}

		c.setOrigin(ctx, origin)
		ctx.Response.Header.AddBytesV("Vary", varyOriginBytes)
		next(ctx)
	}
}

// preflight answers OPTIONS for a control path that accepts methods.
func (c *controlCORS) preflight(methods []string) fasthttp.RequestHandler {
	allowedMethods := []byte(strings.Join(append(slices.Clone(methods), fasthttp.MethodOptions), ", "))

	return func(ctx *fasthttp.RequestCtx) {
		origin := ctx.Request.Header.Peek("Origin")
		if len(origin) == 0 || !c.allowed(origin) {
			c.deny(ctx, origin)
			return
		}

		c.setOrigin(ctx, origin)
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Methods", allowedMethods)
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Headers", c.allowedHeaders)
		ctx.Response.Header.SetBytesV("Access-Control-Max-Age", c.maxAge)
		ctx.Response.Header.SetBytesV("Vary", varyPreflight)
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func (c *controlCORS) allowed(origin []byte) bool {
	if c.allowsAll || c.origins[string(origin)] {
		return true
	}

	host := string(origin)
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}

	for _, domain := range c.wildcardDomains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

func (c *controlCORS) setOrigin(ctx *fasthttp.RequestCtx, origin []byte) {
	if c.allowsAll && !c.allowCredentials {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", asteriskBytes)
	} else {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Origin", origin)
	}

	if c.allowCredentials {
		ctx.Response.Header.SetBytesV("Access-Control-Allow-Credentials", trueBytes)
	}
}

func (c *controlCORS) deny(ctx *fasthttp.RequestCtx, origin []byte) {
	c.logger.Warn("Control request from foreign origin blocked",
		zap.ByteString("origin", origin),
		zap.ByteString("path", ctx.Path()))

	ctx.SetStatusCode(fasthttp.StatusForbidden)
	ctx.SetContentType("application/json")
	ctx.SetBody(corsDeniedBody)
}
