package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"price-aggregator/internal/aggregate"
	"price-aggregator/internal/dedup"
	"price-aggregator/internal/models"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/scrapers"
	"price-aggregator/pkg/cache"
)

// Details fetches one product from backend and optionally enriches it with
// related products and a cross-source price comparison. Enrichment failures
// are reported in the result rather than failing the lookup.
func (c *Coordinator) Details(ctx context.Context, id, backend string, opts models.DetailsOptions) (*models.EnrichedDetails, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.Wrap(ErrInvalidQuery, "product id cannot be empty")
	}
	b, err := c.registry.Get(strings.ToLower(strings.TrimSpace(backend)))
	if err != nil {
		return nil, err
	}
	c.metrics.request(ctx, "details", c.metrics.searches)

	sig := dedup.Signature{
		Kind:     "details",
		Backends: []string{b.Name()},
		Shaping: [][2]string{
			{"id", id},
			{"compare", fmt.Sprint(opts.IncludeCrossSourceComparison)},
			{"related", fmt.Sprint(opts.IncludeRelated)},
		},
	}
	key := sig.Key()
	cacheKey := "details:" + key

	var cached models.EnrichedDetails
	if cache.GetJSON(ctx, c.cache, cacheKey, &cached) {
		c.metrics.request(ctx, "details", c.metrics.cacheHits)
		cached.CacheHit = true
		return &cached, nil
	}
	if err := c.quota.Check(ctx, quota.PurposeDetails); err != nil {
		c.metrics.request(ctx, "details", c.metrics.quotaDenied)
		return nil, err
	}

	res, shared, err := c.details.Do(ctx, key, func(ctx context.Context) (*models.EnrichedDetails, error) {
		out, err := c.enrich(ctx, b, id, opts)
		if err != nil {
			return nil, err
		}
		if err := cache.SetJSON(ctx, c.cache, cacheKey, out, c.cfg.DetailsTTL); err != nil {
			c.lg.Warn("Cache store failed", zap.String("id", id), zap.Error(err))
		}
		return out, nil
	})
	if shared {
		c.metrics.request(ctx, "details", c.metrics.dedupJoins)
	}
	return res, err
}

func (c *Coordinator) enrich(ctx context.Context, b scrapers.Backend, id string, opts models.DetailsOptions) (*models.EnrichedDetails, error) {
	var product models.Product
	err := c.gated(ctx, b.Name(), quota.PurposeDetails, ratelimit.PriorityHigh, func(ctx context.Context) error {
		var err error
		product, err = b.Details(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := &models.EnrichedDetails{Product: product}

	if opts.IncludeRelated {
		var related []models.Product
		err := c.gated(ctx, b.Name(), quota.PurposeDetails, ratelimit.PriorityNormal, func(ctx context.Context) error {
			var err error
			related, err = b.RelatedProducts(ctx, id)
			return err
		})
		switch {
		case err == nil:
			out.Related = related
		case scrapers.KindOf(err) == scrapers.KindNoData:
		default:
			out.RelatedError = err.Error()
		}
	}

	if opts.IncludeCrossSourceComparison {
		if err := c.compare(ctx, b.Name(), out); err != nil {
			out.ComparisonError = err.Error()
		}
	}
	return out, nil
}

// compare searches every backend for the product's name and collects the
// offers whose names are similar enough, cheapest first.
func (c *Coordinator) compare(ctx context.Context, backend string, out *models.EnrichedDetails) error {
	p := out.Product
	res, err := c.Search(ctx, p.Name, nil, models.SearchOptions{})
	if err != nil {
		return err
	}

	quotes := []models.PriceQuote{{
		Source:     backend,
		ProductID:  p.ID,
		Name:       p.Name,
		Price:      p.Price,
		InStock:    p.InStock,
		URL:        p.URL,
		Similarity: 1,
	}}
	names := make([]string, 0, len(res.RawResults))
	for name := range res.RawResults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, q := range res.RawResults[name] {
			if name == backend && q.ID == p.ID {
				continue
			}
			if !c.agg.Similar(p.Name, q.Name) {
				continue
			}
			quotes = append(quotes, models.PriceQuote{
				Source:     name,
				ProductID:  q.ID,
				Name:       q.Name,
				Price:      q.Price,
				InStock:    q.InStock,
				URL:        q.URL,
				Similarity: aggregate.Similarity(p.Name, q.Name),
			})
		}
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i].Price, quotes[j].Price
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.LessThan(*b)
	})
	out.Comparisons = quotes
	if lowest := quotes[0].Price; lowest != nil {
		v := *lowest
		out.LowestPrice = &v
	}
	return nil
}
