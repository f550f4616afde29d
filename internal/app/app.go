// Package app wires the aggregator's components and serves them over HTTP.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"price-aggregator/internal/aggregate"
	"price-aggregator/internal/circuit"
	"price-aggregator/internal/config"
	"price-aggregator/internal/handlers"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/scrapers"
	"price-aggregator/internal/services"
	"price-aggregator/pkg/browser"
	"price-aggregator/pkg/cache"
)

const meterName = "price-aggregator"

// Components is the assembled application. Close releases everything Build
// acquired.
type Components struct {
	Registry    *scrapers.Registry
	Limiter     *ratelimit.Limiter
	Breaker     *circuit.Breaker
	Cache       *cache.Tiered
	Quota       *quota.Governor
	Coordinator *services.Coordinator
	Ingress     *handlers.IngressLimiter
	Handler     *handlers.Handler

	allocator *browser.Allocator
	// redis is closed directly only when no cache tier owns it.
	redis *redis.Client
}

// Build constructs every component from cfg. Nothing is started.
func Build(ctx context.Context, cfg *config.Config, meter metric.Meter, clock clockwork.Clock, lg *zap.Logger) (_ *Components, rerr error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	c := &Components{}
	defer func() {
		if rerr != nil {
			rerr = multierr.Append(rerr, c.Close())
		}
	}()

	defs, err := scrapers.LoadDefinitions(cfg.BackendsFile)
	if err != nil {
		return nil, errors.Wrap(err, "load backends")
	}
	c.Registry, err = c.buildRegistry(defs, cfg.Browser, lg)
	if err != nil {
		return nil, err
	}

	perService := make(map[string]ratelimit.ServiceConfig)
	for _, def := range defs {
		if def.RateLimit != nil {
			perService[def.Name] = *def.RateLimit
		}
	}
	c.Limiter = ratelimit.New(cfg.RateLimit.Limiter(perService), clock, lg)
	c.Breaker = circuit.New(cfg.Circuit.Breaker(), clock, lg)

	var rdb *redis.Client
	if cfg.Cache.Durable == config.StoreRedis || cfg.Quota.Store == config.StoreRedis {
		rdb, err = cache.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.DB)
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		c.redis = rdb
	}

	var durable cache.Durable
	switch cfg.Cache.Durable {
	case config.StoreFile:
		fs, err := cache.NewFileStore(cfg.Cache.File(), clock, lg)
		if err != nil {
			return nil, errors.Wrap(err, "open file cache")
		}
		durable = fs
	case config.StoreRedis:
		durable = cache.NewRedisStore(rdb, cfg.Cache.Redis(cfg.Redis), clock, lg)
	}
	c.Cache = cache.New(cfg.Cache.Tiered(), durable, clock, lg)
	if cfg.Cache.Durable == config.StoreRedis {
		// The redis tier closes the client.
		c.redis = nil
	}

	govCfg, err := cfg.Quota.Governor()
	if err != nil {
		return nil, err
	}
	var store quota.Store
	switch cfg.Quota.Store {
	case config.StoreFile:
		store = &quota.FileStore{Path: cfg.Quota.Path}
	case config.StoreRedis:
		store = &quota.RedisStore{Client: rdb, Key: cfg.Quota.RedisKey}
	}
	c.Quota, err = quota.New(ctx, govCfg, store, nil, clock, lg)
	if err != nil {
		return nil, errors.Wrap(err, "quota governor")
	}

	c.Coordinator, err = services.New(cfg.Search.Coordinator(), services.Deps{
		Registry:   c.Registry,
		Limiter:    c.Limiter,
		Breaker:    c.Breaker,
		Cache:      c.Cache,
		Quota:      c.Quota,
		Aggregator: aggregate.New(aggregate.DefaultConfig()),
		Dedup:      cfg.Dedup.Deduplicator(),
		Meter:      meter,
		Clock:      clock,
		Logger:     lg,
	})
	if err != nil {
		return nil, errors.Wrap(err, "coordinator")
	}

	c.Ingress = handlers.NewIngressLimiter(cfg.Ingress.RequestsPerSecond, cfg.Ingress.Burst, cfg.Ingress.IdleTTL, clock)
	c.Handler = handlers.New(handlers.Deps{
		Coordinator: c.Coordinator,
		Quota:       c.Quota,
		Limiter:     c.Limiter,
		Breaker:     c.Breaker,
		Cache:       c.Cache,
		Ingress:     c.Ingress,
		Clock:       clock,
		Logger:      lg,
	})
	return c, nil
}

func (c *Components) buildRegistry(defs []scrapers.Definition, bcfg config.BrowserConfig, lg *zap.Logger) (*scrapers.Registry, error) {
	reg := scrapers.NewRegistry()
	for _, def := range defs {
		var (
			b   scrapers.Backend
			err error
		)
		if def.Mode == scrapers.ModeLive && def.Engine == scrapers.EngineChrome {
			if c.allocator == nil {
				c.allocator = browser.NewAllocator(bcfg.Allocator())
			}
			b, err = browser.New(def, c.allocator, lg)
		} else {
			b, err = scrapers.New(def, scrapers.Deps{
				Credentials: scrapers.EnvCredentials{},
				Logger:      lg,
			})
		}
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q", def.Name)
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Start launches background maintenance. Workers stop when ctx is done or
// on Close.
func (c *Components) Start(ctx context.Context) {
	c.Limiter.Start(ctx)
	c.Cache.Start(ctx)
	c.Coordinator.Start(ctx)
	c.Ingress.Start(ctx)
}

// Close stops workers and releases connections. It is safe on a partially
// built value.
func (c *Components) Close() error {
	var err error
	if c.Coordinator != nil {
		err = multierr.Append(err, c.Coordinator.Close())
	}
	if c.Limiter != nil {
		err = multierr.Append(err, c.Limiter.Close())
	}
	if c.Ingress != nil {
		err = multierr.Append(err, c.Ingress.Close())
	}
	if c.Cache != nil {
		err = multierr.Append(err, c.Cache.Close())
	}
	if c.redis != nil {
		err = multierr.Append(err, c.redis.Close())
	}
	if c.allocator != nil {
		err = multierr.Append(err, c.allocator.Close())
	}
	return err
}

// Run builds the components, serves HTTP on cfg.Addr and shuts down
// gracefully when ctx is cancelled.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *config.Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("cache", cfg.Cache.Durable),
		zap.String("quota_store", cfg.Quota.Store),
	)

	c, err := Build(ctx, cfg, m.MeterProvider().Meter(meterName), clockwork.NewRealClock(), lg)
	if err != nil {
		return errors.Wrap(err, "build")
	}
	defer func() {
		if err := c.Close(); err != nil {
			lg.Error("Close components", zap.Error(err))
		}
	}()
	c.Start(ctx)
	lg.Info("Backends registered", zap.Strings("backends", c.Registry.Names()))

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Searches fan out to slow storefronts.
		WriteTimeout:   cfg.Search.RequestTimeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        c.Handler.Router(cfg.CORS.Origins),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
