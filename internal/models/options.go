package models

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// SortOrder selects how search results are ordered.
type SortOrder string

const (
	SortRelevance      SortOrder = "relevance"
	SortPriceLowToHigh SortOrder = "priceLowToHigh"
	SortPriceHighToLow SortOrder = "priceHighToLow"
	SortRating         SortOrder = "rating"
	SortNewest         SortOrder = "newest"
)

// ParseSortOrder accepts the canonical names plus a few snake_case aliases.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "relevance":
		return SortRelevance, nil
	case "pricelowtohigh", "price_asc", "price":
		return SortPriceLowToHigh, nil
	case "pricehightolow", "price_desc":
		return SortPriceHighToLow, nil
	case "rating":
		return SortRating, nil
	case "newest":
		return SortNewest, nil
	}
	return "", errors.Errorf("invalid sort order %q", s)
}

// FilterType names a result filter predicate.
type FilterType string

const (
	FilterBrand       FilterType = "brand"
	FilterCategory    FilterType = "category"
	FilterPriceRange  FilterType = "priceRange"
	FilterInStockOnly FilterType = "inStockOnly"
)

// Filter is a single predicate applied to merged results. For FilterPriceRange
// the value is "min-max" where either bound may be omitted ("10-", "-50").
type Filter struct {
	Type  FilterType `json:"type"`
	Value string     `json:"value"`
}

// PriceRange parses a FilterPriceRange value. A nil bound is open.
func (f Filter) PriceRange() (lo, hi *decimal.Decimal, err error) {
	raw := strings.TrimSpace(f.Value)
	minStr, maxStr, found := strings.Cut(raw, "-")
	if !found {
		return nil, nil, errors.Errorf("invalid price range %q", f.Value)
	}
	if s := strings.TrimSpace(minStr); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse min price %q", s)
		}
		lo = &d
	}
	if s := strings.TrimSpace(maxStr); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse max price %q", s)
		}
		hi = &d
	}
	if lo != nil && hi != nil && hi.LessThan(*lo) {
		return nil, nil, errors.New("maximum price cannot be less than minimum price")
	}
	return lo, hi, nil
}

// Enabled reports whether a FilterInStockOnly value turns the predicate on.
func (f Filter) Enabled() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(f.Value))
	return err == nil && v
}

// Validate checks the filter type and value.
func (f Filter) Validate() error {
	switch f.Type {
	case FilterBrand, FilterCategory, FilterInStockOnly:
		return nil
	case FilterPriceRange:
		_, _, err := f.PriceRange()
		return err
	}
	return errors.Errorf("invalid filter type %q", f.Type)
}

// SearchOptions shapes the merged results of a search.
type SearchOptions struct {
	MaxResults                   int       `json:"max_results"`
	SortOrder                    SortOrder `json:"sort_order"`
	Filters                      []Filter  `json:"filters,omitempty"`
	IncludeCrossSourceComparison bool      `json:"include_cross_source_comparison"`
}

// Validate checks sort order and filters.
func (o SearchOptions) Validate() error {
	if o.MaxResults < 0 {
		return errors.New("max results cannot be negative")
	}
	if o.SortOrder != "" {
		if _, err := ParseSortOrder(string(o.SortOrder)); err != nil {
			return err
		}
	}
	for _, f := range o.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DetailsOptions controls product details enrichment.
type DetailsOptions struct {
	IncludeCrossSourceComparison bool `json:"include_cross_source_comparison"`
	IncludeRelated               bool `json:"include_related"`
}
