// Package services orchestrates searches and product lookups across the
// registered backends.
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"price-aggregator/internal/aggregate"
	"price-aggregator/internal/circuit"
	"price-aggregator/internal/dedup"
	"price-aggregator/internal/models"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/scrapers"
	"price-aggregator/pkg/cache"
)

var (
	// ErrInvalidQuery is returned for malformed queries and options.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrNoBackends is returned when no backend is registered.
	ErrNoBackends = errors.New("no backends registered")
)

// SearchError is returned when every backend of a search failed.
type SearchError struct {
	// Errors maps backend name to its failure.
	Errors map[string]string
}

func (e *SearchError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Errors[name]))
	}
	return fmt.Sprintf("all %d backends failed: %s", len(names), strings.Join(parts, "; "))
}

type Config struct {
	// RequestTimeout bounds one backend call.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// DefaultTTL applies to search results, PopularTTL to PopularQueries.
	DefaultTTL     time.Duration `yaml:"defaultTTL"`
	PopularTTL     time.Duration `yaml:"popularTTL"`
	PopularQueries []string      `yaml:"popularQueries"`
	DetailsTTL     time.Duration `yaml:"detailsTTL"`
	MaxQueryLength int           `yaml:"maxQueryLength"`
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		DefaultTTL:     5 * time.Minute,
		PopularTTL:     time.Hour,
		DetailsTTL:     15 * time.Minute,
		MaxQueryLength: 200,
	}
}

// Deps are the shared components a Coordinator orchestrates. Meter, Clock
// and Logger are optional.
type Deps struct {
	Registry   *scrapers.Registry
	Limiter    *ratelimit.Limiter
	Breaker    *circuit.Breaker
	Cache      *cache.Tiered
	Quota      *quota.Governor
	Aggregator *aggregate.Aggregator
	Dedup      dedup.Config
	Meter      metric.Meter
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// Coordinator runs searches and details lookups: cache check, quota gate,
// deduplication, gated fan-out, aggregation and cache store.
type Coordinator struct {
	cfg     Config
	popular map[string]struct{}

	registry *scrapers.Registry
	limiter  *ratelimit.Limiter
	breaker  *circuit.Breaker
	cache    *cache.Tiered
	quota    *quota.Governor
	agg      *aggregate.Aggregator

	searches *dedup.Deduplicator[*models.AggregatedResult]
	details  *dedup.Deduplicator[*models.EnrichedDetails]

	metrics *metrics
	clock   clockwork.Clock
	lg      *zap.Logger
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Breaker == nil:
		return nil, errors.New("circuit breaker is required")
	case deps.Cache == nil:
		return nil, errors.New("cache is required")
	case deps.Quota == nil:
		return nil, errors.New("quota governor is required")
	}
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.PopularTTL <= 0 {
		cfg.PopularTTL = def.PopularTTL
	}
	if cfg.DetailsTTL <= 0 {
		cfg.DetailsTTL = def.DetailsTTL
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = def.MaxQueryLength
	}
	if deps.Aggregator == nil {
		deps.Aggregator = aggregate.New(aggregate.DefaultConfig())
	}
	if deps.Meter == nil {
		deps.Meter = noop.NewMeterProvider().Meter("price-aggregator")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	m, err := newMetrics(deps.Meter)
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	popular := make(map[string]struct{}, len(cfg.PopularQueries))
	for _, q := range cfg.PopularQueries {
		popular[dedup.NormalizeQuery(q)] = struct{}{}
	}
	return &Coordinator{
		cfg:      cfg,
		popular:  popular,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		breaker:  deps.Breaker,
		cache:    deps.Cache,
		quota:    deps.Quota,
		agg:      deps.Aggregator,
		searches: dedup.New[*models.AggregatedResult](deps.Dedup, deps.Clock, deps.Logger.Named("search")),
		details:  dedup.New[*models.EnrichedDetails](deps.Dedup, deps.Clock, deps.Logger.Named("details")),
		metrics:  m,
		clock:    deps.Clock,
		lg:       deps.Logger.Named("coordinator"),
	}, nil
}

// Start runs the deduplicators' reapers until ctx is done or Close.
func (c *Coordinator) Start(ctx context.Context) {
	c.searches.Start(ctx)
	c.details.Start(ctx)
}

func (c *Coordinator) Close() error {
	return multierr.Combine(c.searches.Close(), c.details.Close())
}

// Backends returns the registered backend names.
func (c *Coordinator) Backends() []string {
	return c.registry.Names()
}

func (c *Coordinator) ttlFor(query string) time.Duration {
	if _, ok := c.popular[dedup.NormalizeQuery(query)]; ok {
		return c.cfg.PopularTTL
	}
	return c.cfg.DefaultTTL
}

func backendNames(bs []scrapers.Backend) []string {
	names := make([]string, 0, len(bs))
	for _, b := range bs {
		names = append(names, b.Name())
	}
	return names
}
