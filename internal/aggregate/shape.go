package aggregate

import (
	"sort"
	"strings"

	"price-aggregator/internal/models"
)

// Filter applies brand, category, price-range and in-stock predicates in that
// order. Predicates not present in filters do nothing.
func (a *Aggregator) Filter(products []models.Product, filters []models.Filter) []models.Product {
	out := products
	for _, t := range []models.FilterType{
		models.FilterBrand,
		models.FilterCategory,
		models.FilterPriceRange,
		models.FilterInStockOnly,
	} {
		for _, f := range filters {
			if f.Type != t {
				continue
			}
			out = keep(out, predicate(f))
		}
	}
	return out
}

func predicate(f models.Filter) func(models.Product) bool {
	switch f.Type {
	case models.FilterBrand:
		needle := strings.ToLower(strings.TrimSpace(f.Value))
		return func(p models.Product) bool {
			return strings.Contains(strings.ToLower(p.Brand), needle)
		}
	case models.FilterCategory:
		needle := strings.ToLower(strings.TrimSpace(f.Value))
		return func(p models.Product) bool {
			return strings.Contains(strings.ToLower(p.Category), needle)
		}
	case models.FilterPriceRange:
		lo, hi, err := f.PriceRange()
		if err != nil || (lo == nil && hi == nil) {
			return nil
		}
		return func(p models.Product) bool {
			if p.Price == nil {
				return false
			}
			if lo != nil && p.Price.LessThan(*lo) {
				return false
			}
			if hi != nil && p.Price.GreaterThan(*hi) {
				return false
			}
			return true
		}
	case models.FilterInStockOnly:
		if !f.Enabled() {
			return nil
		}
		return func(p models.Product) bool { return p.InStock }
	}
	return nil
}

func keep(products []models.Product, pred func(models.Product) bool) []models.Product {
	if pred == nil {
		return products
	}
	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if pred(p) {
			out = append(out, p)
		}
	}
	return out
}

// RelevanceScore weighs rating, review volume, availability and listing
// completeness.
func RelevanceScore(p models.Product) float64 {
	var score float64
	if p.Rating != nil {
		score += *p.Rating * 10
	}
	if p.ReviewCount != nil {
		score += min(20, float64(*p.ReviewCount)/100)
	}
	if p.InStock {
		score += 15
	}
	if p.HasPrice() {
		score += 10
	}
	if p.HasImage() {
		score += 5
	}
	return score
}

// Sort returns a sorted copy of products. Products missing the sort field
// go last; equal products keep their input order.
func Sort(products []models.Product, order models.SortOrder) []models.Product {
	out := make([]models.Product, len(products))
	copy(out, products)

	var less func(a, b models.Product) bool
	switch order {
	case models.SortPriceLowToHigh:
		less = func(a, b models.Product) bool {
			if a.Price == nil || b.Price == nil {
				return a.Price != nil && b.Price == nil
			}
			return a.Price.LessThan(*b.Price)
		}
	case models.SortPriceHighToLow:
		less = func(a, b models.Product) bool {
			if a.Price == nil || b.Price == nil {
				return a.Price != nil && b.Price == nil
			}
			return a.Price.GreaterThan(*b.Price)
		}
	case models.SortRating:
		less = func(a, b models.Product) bool {
			return ratingOf(a) > ratingOf(b)
		}
	case models.SortNewest:
		less = func(a, b models.Product) bool {
			switch {
			case a.ListedAt != nil && b.ListedAt != nil:
				if !a.ListedAt.Equal(*b.ListedAt) {
					return a.ListedAt.After(*b.ListedAt)
				}
			case a.ListedAt != nil:
				return true
			case b.ListedAt != nil:
				return false
			}
			return a.SourceName < b.SourceName
		}
	default:
		less = func(a, b models.Product) bool {
			return RelevanceScore(a) > RelevanceScore(b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func ratingOf(p models.Product) float64 {
	if p.Rating == nil {
		return 0
	}
	return *p.Rating
}

// Paginate takes the first limit products; limit <= 0 means all. total is
// the count before pagination.
func Paginate(products []models.Product, limit int) (page []models.Product, total int) {
	total = len(products)
	if limit <= 0 || limit >= total {
		return products, total
	}
	return products[:limit], total
}

// Shape filters, sorts and paginates merged products.
func (a *Aggregator) Shape(products []models.Product, opts models.SearchOptions) ([]models.Product, int) {
	order := opts.SortOrder
	if order == "" {
		order = models.SortRelevance
	}
	return Paginate(Sort(a.Filter(products, opts.Filters), order), opts.MaxResults)
}
