package controller

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

const (
	strategySprite      = "cache_first"
	strategyStale       = "stale_while_revalidate"
	strategyPassthrough = "passthrough"
)

// Controller decides, per intercepted request, whether to answer from a
// cache tier, the network, or both.
type Controller struct {
	manifest    *Manifest
	storage     types.CacheStorage
	fetcher     types.Fetcher
	scheduler   types.Scheduler
	interceptor types.NetworkInterceptor
	logger      types.Logger
	metrics     types.MetricsManager
	activated   atomic.Bool
}

func New(
	logger types.Logger,
	manifest *Manifest,
	storage types.CacheStorage,
	fetcher types.Fetcher,
	scheduler types.Scheduler,
	interceptor types.NetworkInterceptor,
	metrics types.MetricsManager,
) *Controller {
	return &Controller{
		manifest:    manifest,
		storage:     storage,
		fetcher:     fetcher,
		scheduler:   scheduler,
		interceptor: interceptor,
		logger:      logger,
		metrics:     metrics,
	}
}

func (c *Controller) Manifest() *Manifest {
	return c.manifest
}

func (c *Controller) IsActivated() bool {
	return c.activated.Load()
}

// Install stores the whole app shell in the static tier or nothing at all,
// then prewarms the data tier on a best-effort basis.
func (c *Controller) Install(ctx context.Context) error {
	start := time.Now()
	shell := c.manifest.AppShell()
	responses := make([]*types.Response, len(shell))

	g, gCtx := errgroup.WithContext(ctx)
	for i, target := range shell {
		i, target := i, target
		g.Go(func() error {
			resp, err := c.fetch(gCtx, &types.Request{Method: http.MethodGet, URL: target}, types.FetchOptions{})
			if err != nil {
				return types.Errorf(types.ErrInstallFailed, "%s: %v", target, err)
			}
			if !resp.OK() {
				return types.Errorf(types.ErrInstallFailed, "%s: status %d", target, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Error("App shell install failed", zap.Error(err))
		return err
	}

	static, err := c.storage.Open(ctx, c.manifest.TierName(types.TierStatic))
	if err != nil {
		return types.Errorf(types.ErrInstallFailed, "open static tier: %v", err)
	}

	for i, target := range shell {
		if err = static.Put(ctx, target, responses[i]); err != nil {
			return types.Errorf(types.ErrInstallFailed, "%s: %v", target, err)
		}
	}

	warmed := c.prewarm(ctx)

	c.logger.Info("Controller installed",
		zap.Int("app_shell", len(shell)),
		zap.Int("prewarmed", warmed),
		zap.Duration("duration", time.Since(start)))

	return nil
}

// Activate deletes every cache store that does not belong to the current
// generation and then takes over request routing.
func (c *Controller) Activate(ctx context.Context) error {
	names, err := c.storage.Keys(ctx)
	if err != nil {
		return types.WrapError(err, "failed to enumerate cache stores")
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		if c.manifest.IsCurrentTier(name) {
			continue
		}

		g.Go(func() error {
			if _, err := c.storage.Delete(gCtx, name); err != nil {
				return types.WrapError(err, "failed to delete cache store "+name)
			}
			c.logger.Info("Deleted stale cache store", zap.String("name", name))
			c.count("controller_tiers_deleted_total", nil)
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		return err
	}

	if c.interceptor != nil {
		c.interceptor.Claim(c.Handle)
	}
	c.activated.Store(true)

	c.logger.Info("Controller activated", zap.Strings("tiers", c.manifest.TierNames()))
	return nil
}

// Handle answers one intercepted request. It never returns nil.
func (c *Controller) Handle(ctx context.Context, req *types.Request) *types.Response {
	start := time.Now()

	var strategy, outcome string
	var resp *types.Response

	switch {
	case !req.IsGet():
		strategy = strategyPassthrough
		resp, outcome = c.passthrough(ctx, req)
	case c.manifest.IsSprite(req.URL):
		strategy = strategySprite
		resp, outcome = c.cacheFirst(ctx, req)
	case c.manifest.IsSameOrigin(req.URL):
		strategy = strategyStale
		resp, outcome = c.staleWhileRevalidate(ctx, req)
	default:
		strategy = strategyPassthrough
		resp, outcome = c.passthrough(ctx, req)
	}

	c.count("controller_requests_total", map[string]string{"strategy": strategy, "outcome": outcome})
	if c.metrics != nil {
		c.metrics.Histogram("controller_request_duration_seconds", nil, map[string]string{"strategy": strategy}).ObserveDuration(start)
	}

	return resp
}

func (c *Controller) cacheFirst(ctx context.Context, req *types.Request) (*types.Response, string) {
	tier := c.openTier(ctx, types.TierSprite)
	cached := c.match(ctx, tier, req.URL)
	if cached != nil {
		return cached, "hit"
	}

	resp, err := c.fetch(ctx, req, types.FetchOptions{NoCORS: true, OmitCredentials: true})
	if err != nil {
		c.logger.Debug("Sprite fetch failed", zap.String("url", req.URL), zap.Error(err))
		if cached = c.match(ctx, tier, req.URL); cached != nil {
			return cached, "hit"
		}
		return types.NewEmptyResponse(http.StatusServiceUnavailable), "offline"
	}

	c.put(ctx, tier, req.URL, resp)
	return resp, "miss"
}

func (c *Controller) staleWhileRevalidate(ctx context.Context, req *types.Request) (*types.Response, string) {
	kind := types.TierData
	if req.Destination == types.DestinationDocument {
		kind = types.TierStatic
	}

	tier := c.openTier(ctx, kind)
	cached := c.match(ctx, tier, req.URL)

	if cached != nil {
		c.revalidate(kind, req)
		return cached, "stale"
	}

	resp, err := c.fetch(ctx, req, types.FetchOptions{})
	if err != nil {
		c.logger.Debug("Fetch failed with nothing cached", zap.String("url", req.URL), zap.Error(err))
		return types.NewEmptyResponse(http.StatusServiceUnavailable), "offline"
	}

	if resp.Status == http.StatusOK {
		c.put(ctx, tier, req.URL, resp)
	}

	return resp, "miss"
}

// revalidate refreshes one entry in the background. Only a 200 replaces the
// cached copy.
func (c *Controller) revalidate(kind types.Tier, req *types.Request) {
	detached := cloneRequest(req)

	c.scheduler.Go("revalidate", func(ctx context.Context) {
		resp, err := c.fetch(ctx, detached, types.FetchOptions{})
		if err != nil {
			c.logger.Debug("Revalidation failed, keeping cached copy",
				zap.String("url", detached.URL),
				zap.Error(err))
			return
		}

		if resp.Status != http.StatusOK {
			return
		}

		c.put(ctx, c.openTier(ctx, kind), detached.URL, resp)
	})
}

func (c *Controller) passthrough(ctx context.Context, req *types.Request) (*types.Response, string) {
	resp, err := c.fetch(ctx, req, types.FetchOptions{})
	if err != nil {
		c.logger.Debug("Passthrough failed", zap.String("url", req.URL), zap.Error(err))
		return types.NewEmptyResponse(http.StatusBadGateway), "offline"
	}
	return resp, "network"
}

func (c *Controller) prewarm(ctx context.Context) int {
	data, err := c.storage.Open(ctx, c.manifest.TierName(types.TierData))
	if err != nil {
		c.logger.Debug("Prewarm skipped", zap.Error(err))
		return 0
	}

	var warmed atomic.Int32
	var wg sync.WaitGroup

	for _, target := range c.manifest.Prewarm() {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()

			resp, err := c.fetch(ctx, &types.Request{Method: http.MethodGet, URL: target}, types.FetchOptions{})
			if err != nil || !resp.OK() {
				c.logger.Debug("Prewarm skipped resource", zap.String("url", target), zap.Error(err))
				return
			}

			if c.put(ctx, data, target, resp) {
				warmed.Add(1)
			}
		}()
	}

	wg.Wait()
	return int(warmed.Load())
}

func (c *Controller) fetch(ctx context.Context, req *types.Request, opts types.FetchOptions) (*types.Response, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.manifest.FetchTimeout())
	defer cancel()

	return c.fetcher.Fetch(fetchCtx, req, opts)
}

// openTier returns nil when the tier cannot be opened; lookups and writes
// against a nil tier are no-ops.
func (c *Controller) openTier(ctx context.Context, kind types.Tier) types.TierStore {
	tier, err := c.storage.Open(ctx, c.manifest.TierName(kind))
	if err != nil {
		c.logger.Warn("Failed to open cache tier", zap.Stringer("tier", kind), zap.Error(err))
		return nil
	}
	return tier
}

func (c *Controller) match(ctx context.Context, tier types.TierStore, key string) *types.Response {
	if tier == nil {
		return nil
	}

	resp, found, err := tier.Match(ctx, key)
	if err != nil {
		c.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}

	return resp
}

func (c *Controller) put(ctx context.Context, tier types.TierStore, key string, resp *types.Response) bool {
	if tier == nil {
		return false
	}

	if err := tier.Put(ctx, key, resp.Clone()); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		return false
	}

	return true
}

func (c *Controller) count(name string, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.Counter(name, labels).Inc()
	}
}

func cloneRequest(req *types.Request) *types.Request {
	clone := *req
	clone.Header = make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		clone.Header[k] = v
	}
	clone.Body = append([]byte(nil), req.Body...)
	return &clone
}
