package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"price-aggregator/internal/dedup"
	"price-aggregator/internal/models"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/scrapers"
	"price-aggregator/pkg/cache"
)

// Search queries the named backends (all of them when names is empty),
// merges their results and shapes them with opts.
//
// Per-backend failures are reported in the result's Errors; the search only
// fails when every backend failed (*SearchError, or the quota error when the
// budget refused every call), when the quota governor refuses live calls and
// nothing is cached, or on invalid input. Each backend call reserves its own
// unit of budget, so a search may come back partial once the budget runs out.
//
// The returned result may be shared with concurrent identical searches and
// must not be modified.
func (c *Coordinator) Search(ctx context.Context, query string, names []string, opts models.SearchOptions) (*models.AggregatedResult, error) {
	start := c.clock.Now()
	query = strings.TrimSpace(query)
	if err := c.validateSearch(query, opts); err != nil {
		return nil, err
	}
	backends, err := c.registry.Resolve(names)
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	active := backendNames(backends)
	c.metrics.request(ctx, "search", c.metrics.searches)

	// One cache entry serves every shaping of the same gather.
	cacheKey := "search:" + dedup.Signature{Kind: "search", Query: query, Backends: active}.Key()
	var cached models.AggregatedResult
	if cache.GetJSON(ctx, c.cache, cacheKey, &cached) {
		c.metrics.request(ctx, "search", c.metrics.cacheHits)
		c.lg.Debug("Cache hit", zap.String("query", query), zap.Strings("backends", active))
		return c.shape(&cached, opts, true), nil
	}

	if err := c.quota.Check(ctx, quota.PurposeSearch); err != nil {
		c.metrics.request(ctx, "search", c.metrics.quotaDenied)
		return nil, err
	}

	sig := dedup.Signature{Kind: "search", Query: query, Backends: active, Shaping: shapingOf(opts)}
	res, shared, err := c.searches.Do(ctx, sig.Key(), func(ctx context.Context) (*models.AggregatedResult, error) {
		gathered, err := c.gather(ctx, query, backends)
		if err != nil {
			return nil, err
		}
		if err := cache.SetJSON(ctx, c.cache, cacheKey, gathered, c.ttlFor(query)); err != nil {
			c.lg.Warn("Cache store failed", zap.String("query", query), zap.Error(err))
		}
		return c.shape(gathered, opts, false), nil
	})
	if shared {
		c.metrics.request(ctx, "search", c.metrics.dedupJoins)
	}
	if err != nil {
		return nil, err
	}

	c.lg.Info("Search completed",
		zap.String("query", query),
		zap.Strings("backends", active),
		zap.Int("products", res.TotalBeforePagination),
		zap.Int("failed", len(res.Errors)),
		zap.Bool("shared", shared),
		zap.Duration("duration", c.clock.Since(start)),
	)
	return res, nil
}

func (c *Coordinator) validateSearch(query string, opts models.SearchOptions) error {
	if query == "" {
		return errors.Wrap(ErrInvalidQuery, "search query cannot be empty")
	}
	if n := len([]rune(query)); n > c.cfg.MaxQueryLength {
		return errors.Wrapf(ErrInvalidQuery, "search query too long: %d > %d", n, c.cfg.MaxQueryLength)
	}
	if err := opts.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidQuery, "%s", err.Error())
	}
	return nil
}

type branch struct {
	products []models.Product
	err      error
}

// gather fans the query out to every backend and merges what came back.
// A failing branch never cancels its siblings.
func (c *Coordinator) gather(ctx context.Context, query string, backends []scrapers.Backend) (*models.AggregatedResult, error) {
	results := make([]branch, len(backends))
	var g errgroup.Group
	for i, b := range backends {
		g.Go(func() error {
			err := c.gated(ctx, b.Name(), quota.PurposeSearch, ratelimit.PriorityNormal, func(ctx context.Context) error {
				products, err := b.Search(ctx, query)
				results[i].products = products
				return err
			})
			results[i].err = err
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &models.AggregatedResult{
		Query:      query,
		RawResults: make(map[string][]models.Product, len(backends)),
		Errors:     make(map[string]string),
		Backends:   backendNames(backends),
	}
	var all []models.Product
	for i, b := range backends {
		r := results[i]
		if r.err != nil {
			res.Errors[b.Name()] = r.err.Error()
			continue
		}
		products := r.products
		if products == nil {
			products = make([]models.Product, 0)
		}
		res.RawResults[b.Name()] = products
		all = append(all, products...)
	}
	if len(res.RawResults) == 0 {
		if err := budgetError(results); err != nil {
			return nil, err
		}
		return nil, &SearchError{Errors: res.Errors}
	}

	res.Products = c.agg.DeduplicateAndMerge(all)
	if res.Products == nil {
		res.Products = make([]models.Product, 0)
	}
	res.TotalBeforePagination = len(res.Products)
	res.ProcessedAt = c.clock.Now().UTC()
	return res, nil
}

// budgetError returns the quota refusal when it is why every branch failed.
func budgetError(results []branch) error {
	for _, r := range results {
		if !errors.Is(r.err, quota.ErrQuotaExceeded) && !errors.Is(r.err, quota.ErrFallbackMode) {
			return nil
		}
	}
	if len(results) == 0 {
		return nil
	}
	return results[0].err
}

// shape returns a copy of res with its products filtered, sorted and
// paginated per opts. Per-source offers are only kept when the cross-source
// comparison was requested.
func (c *Coordinator) shape(res *models.AggregatedResult, opts models.SearchOptions, cacheHit bool) *models.AggregatedResult {
	out := *res
	products, total := c.agg.Shape(res.Products, opts)
	out.Products = make([]models.Product, len(products))
	copy(out.Products, products)
	if !opts.IncludeCrossSourceComparison {
		for i := range out.Products {
			out.Products[i].Offers = nil
		}
	}
	out.TotalBeforePagination = total
	out.CacheHit = cacheHit
	return &out
}

// shapingOf lists the options that change a search's shaped output.
func shapingOf(opts models.SearchOptions) [][2]string {
	order := opts.SortOrder
	if order == "" {
		order = models.SortRelevance
	}
	pairs := [][2]string{
		{"max", fmt.Sprint(opts.MaxResults)},
		{"sort", string(order)},
		{"compare", fmt.Sprint(opts.IncludeCrossSourceComparison)},
	}
	for _, f := range opts.Filters {
		pairs = append(pairs, [2]string{"filter", string(f.Type) + ":" + f.Value})
	}
	return pairs
}
