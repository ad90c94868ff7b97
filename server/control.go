package server

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/connectivity"
	"github.com/saiset-co/sai-offline/queue"
	"github.com/saiset-co/sai-offline/reconciler"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const ControlPrefix = "/__offline"

type EnqueueRequest struct {
	EntityID int64 `json:"entity_id" validate:"required,gt=0"`
	State    *bool `json:"state" validate:"required"`
}

type SessionRequest struct {
	OwnerID     string `json:"owner_id" validate:"required"`
	AccessToken string `json:"access_token"`
}

// ControlAPI exposes the queue, reconciler and connectivity signals to the
// page over the interceptor.
type ControlAPI struct {
	logger         types.Logger
	queue          *queue.Queue
	reconciler     *reconciler.Reconciler
	session        *connectivity.Session
	bus            types.SignalPublisher
	health         types.HealthManager
	metrics        types.MetricsManager
	metricsHandler fasthttp.RequestHandler
	cors           *controlCORS
	online         func() bool
	validate       *validator.Validate
}

type ControlDeps struct {
	Queue          *queue.Queue
	Reconciler     *reconciler.Reconciler
	Session        *connectivity.Session
	Bus            types.SignalPublisher
	Health         types.HealthManager
	Metrics        types.MetricsManager
	MetricsHandler fasthttp.RequestHandler
	CORS           *types.CORSConfig
	Origin         string
	// Online reports whether the network is reachable. Nil means always.
	Online func() bool
}

func NewControlAPI(logger types.Logger, deps ControlDeps) *ControlAPI {
	return &ControlAPI{
		logger:         logger,
		queue:          deps.Queue,
		reconciler:     deps.Reconciler,
		session:        deps.Session,
		bus:            deps.Bus,
		health:         deps.Health,
		metrics:        deps.Metrics,
		metricsHandler: deps.MetricsHandler,
		cors:           newControlCORS(logger, deps.CORS, deps.Origin),
		online:         deps.Online,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

type controlRoute struct {
	method  string
	path    string
	handler fasthttp.RequestHandler
}

// Register mounts the control routes on the interceptor. Every path also
// answers CORS preflight requests from the page.
func (c *ControlAPI) Register(i *Interceptor, metricsPath string) {
	routes := []controlRoute{
		{fasthttp.MethodPost, ControlPrefix + "/queue", c.handleEnqueue},
		{fasthttp.MethodGet, ControlPrefix + "/queue", c.handleQueue},
		{fasthttp.MethodPost, ControlPrefix + "/flush", c.handleFlush},
		{fasthttp.MethodPost, ControlPrefix + "/online", c.signal(types.SignalOnline)},
		{fasthttp.MethodPost, ControlPrefix + "/offline", c.signal(types.SignalOffline)},
		{fasthttp.MethodPost, ControlPrefix + "/session", c.handleSessionBegin},
		{fasthttp.MethodDelete, ControlPrefix + "/session", c.handleSessionEnd},
		{fasthttp.MethodGet, ControlPrefix + "/state", c.handleState},
	}

	if c.health != nil {
		routes = append(routes, controlRoute{fasthttp.MethodGet, ControlPrefix + "/health", c.handleHealth})
	}

	if metricsPath != "" && c.metrics != nil {
		routes = append(routes, controlRoute{fasthttp.MethodGet, metricsPath, c.handleMetrics})
	}

	methods := make(map[string][]string)
	for _, route := range routes {
		i.Route(route.method, route.path, c.cors.wrap(route.handler))
		methods[route.path] = append(methods[route.path], route.method)
	}

	for path, allowed := range methods {
		i.Route(fasthttp.MethodOptions, path, c.cors.preflight(allowed))
	}
}

func (c *ControlAPI) handleEnqueue(ctx *fasthttp.RequestCtx) {
	var req EnqueueRequest
	if !decode(c, ctx, &req) {
		return
	}

	c.queue.Enqueue(ctx, req.EntityID, *req.State)

	ownerID := c.session.OwnerID()
	if ownerID != "" && (c.online == nil || c.online()) {
		c.reconciler.Trigger(c.session.Remote(), ownerID)
	}

	writeJSON(ctx, fasthttp.StatusAccepted, map[string]interface{}{"queued": true})
}

func (c *ControlAPI) handleQueue(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"items": c.queue.ReadAll(ctx),
	})
}

func (c *ControlAPI) handleFlush(ctx *fasthttp.RequestCtx) {
	report := c.reconciler.Flush(context.WithoutCancel(ctx), c.session.Remote(), c.session.OwnerID())
	writeJSON(ctx, fasthttp.StatusOK, report)
}

func (c *ControlAPI) signal(name string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if err := c.bus.Publish(name, "page"); err != nil {
			c.logger.Warn("Failed to publish signal", zap.String("signal", name), zap.Error(err))
			writeError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(ctx, fasthttp.StatusAccepted, map[string]interface{}{"signal": name})
	}
}

func (c *ControlAPI) handleSessionBegin(ctx *fasthttp.RequestCtx) {
	var req SessionRequest
	if !decode(c, ctx, &req) {
		return
	}

	if err := c.session.Begin(req.OwnerID, req.AccessToken); err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"owner_id": req.OwnerID})
}

func (c *ControlAPI) handleSessionEnd(ctx *fasthttp.RequestCtx) {
	c.session.End()
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (c *ControlAPI) handleState(ctx *fasthttp.RequestCtx) {
	state := c.reconciler.Effective(ctx, c.session.Remote(), c.session.OwnerID())
	writeJSON(ctx, fasthttp.StatusOK, state)
}

func (c *ControlAPI) handleHealth(ctx *fasthttp.RequestCtx) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := c.health.Check(checkCtx)

	status := fasthttp.StatusOK
	if report.Status != types.StatusHealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	writeJSON(ctx, status, report)
}

func (c *ControlAPI) handleMetrics(ctx *fasthttp.RequestCtx) {
	if c.metricsHandler != nil {
		c.metricsHandler(ctx)
		return
	}

	data, err := c.metrics.GetMetrics()
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func decode[T any](c *ControlAPI, ctx *fasthttp.RequestCtx, target *T) bool {
	if err := utils.Unmarshal(ctx.PostBody(), target); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}

	if err := c.validate.Struct(target); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return false
	}

	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, payload interface{}) {
	data, err := utils.Marshal(payload)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	data, _ := utils.Marshal(map[string]string{"error": message})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}
