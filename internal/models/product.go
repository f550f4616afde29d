package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a single search result as reported by one backend, or the merged
// view of several backends' reports of the same physical item.
//
// Values are treated as immutable once built: merging produces a new Product.
type Product struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	Currency      string           `json:"currency"`
	ImageURLs     []string         `json:"image_urls,omitempty"`
	URL           string           `json:"url,omitempty"`
	Brand         string           `json:"brand"`
	SourceName    string           `json:"source"`
	Category      string           `json:"category,omitempty"`
	InStock       bool             `json:"in_stock"`
	Rating        *float64         `json:"rating,omitempty"`
	ReviewCount   *int             `json:"review_count,omitempty"`
	ListedAt      *time.Time       `json:"listed_at,omitempty"`

	// Sources and Offers are only populated on merged products.
	Sources []string `json:"sources,omitempty"`
	Offers  []Offer  `json:"offers,omitempty"`
}

// Offer is one backend's price and availability for a merged product.
type Offer struct {
	Source    string           `json:"source"`
	ProductID string           `json:"product_id"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	InStock   bool             `json:"in_stock"`
	URL       string           `json:"url,omitempty"`
}

// HasPrice reports whether the product carries a usable price.
func (p Product) HasPrice() bool {
	return p.Price != nil
}

// HasImage reports whether the product has at least one non-empty image URL.
func (p Product) HasImage() bool {
	for _, u := range p.ImageURLs {
		if u != "" {
			return true
		}
	}
	return false
}

// AggregatedResult is the outcome of one search across several backends.
// It is built once and never modified afterwards.
type AggregatedResult struct {
	Query                 string               `json:"query"`
	Products              []Product            `json:"products"`
	RawResults            map[string][]Product `json:"raw_results,omitempty"`
	Errors                map[string]string    `json:"errors,omitempty"`
	Backends              []string             `json:"backends"`
	TotalBeforePagination int                  `json:"total"`
	ProcessedAt           time.Time            `json:"processed_at"`
	CacheHit              bool                 `json:"cache_hit"`
}

// Succeeded returns the number of backends that returned a product list.
func (r *AggregatedResult) Succeeded() int {
	return len(r.RawResults)
}

// PriceQuote is a cross-source price observation for a product.
type PriceQuote struct {
	Source     string           `json:"source"`
	ProductID  string           `json:"product_id"`
	Name       string           `json:"name"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	InStock    bool             `json:"in_stock"`
	URL        string           `json:"url,omitempty"`
	Similarity float64          `json:"similarity"`
}

// EnrichedDetails is a single product's details plus optional cross-source
// comparison and related products.
type EnrichedDetails struct {
	Product         Product          `json:"product"`
	Comparisons     []PriceQuote     `json:"comparisons,omitempty"`
	LowestPrice     *decimal.Decimal `json:"lowest_price,omitempty"`
	Related         []Product        `json:"related,omitempty"`
	ComparisonError string           `json:"comparison_error,omitempty"`
	RelatedError    string           `json:"related_error,omitempty"`
	CacheHit        bool             `json:"cache_hit"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}
