// Package aggregate merges, filters, sorts and paginates products gathered
// from several backends.
package aggregate

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"price-aggregator/internal/models"
)

type Config struct {
	// PriceBandRatio is the width of a price band: prices p and q share a band
	// when floor(log_r p) == floor(log_r q).
	PriceBandRatio float64
	// SimilarityThreshold is the minimum Jaccard similarity of two names for
	// a cross-source match.
	SimilarityThreshold float64
	// MultiSourceName replaces SourceName on merged products.
	MultiSourceName string
}

func DefaultConfig() Config {
	return Config{
		PriceBandRatio:      2,
		SimilarityThreshold: 0.8,
		MultiSourceName:     "Multiple Sources",
	}
}

type Aggregator struct {
	cfg Config
}

func New(cfg Config) *Aggregator {
	def := DefaultConfig()
	if cfg.PriceBandRatio <= 1 {
		cfg.PriceBandRatio = def.PriceBandRatio
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MultiSourceName == "" {
		cfg.MultiSourceName = def.MultiSourceName
	}
	return &Aggregator{cfg: cfg}
}

func (a *Aggregator) Config() Config { return a.cfg }

// GroupKey identifies the physical item a product describes.
func (a *Aggregator) GroupKey(p models.Product) string {
	return Normalize(p.Brand) + "|" + Normalize(p.Name) + "|" + a.priceBand(p.Price)
}

func (a *Aggregator) priceBand(price *decimal.Decimal) string {
	if price == nil {
		return "none"
	}
	f := price.InexactFloat64()
	if f <= 0 {
		return "zero"
	}
	band := math.Floor(math.Log(f) / math.Log(a.cfg.PriceBandRatio))
	return strconv.FormatFloat(band, 'f', 0, 64)
}

// DeduplicateAndMerge collapses products describing the same item into one
// merged product. Groups keep the order of their first member; single-member
// groups are returned unchanged, so applying it twice is the same as once.
func (a *Aggregator) DeduplicateAndMerge(products []models.Product) []models.Product {
	var (
		order  []string
		groups = make(map[string][]models.Product)
	)
	for _, p := range products {
		k := a.GroupKey(p)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], p)
	}

	out := make([]models.Product, 0, len(order))
	for _, k := range order {
		members := groups[k]
		if len(members) == 1 {
			out = append(out, members[0])
			continue
		}
		out = append(out, a.merge(members))
	}
	return out
}

func (a *Aggregator) merge(members []models.Product) models.Product {
	base := 0
	best := completeness(members[0])
	for i := 1; i < len(members); i++ {
		if s := completeness(members[i]); s > best {
			base, best = i, s
		}
	}

	merged := members[base]
	merged.SourceName = a.cfg.MultiSourceName
	merged.ImageURLs = nil
	merged.Sources = nil
	merged.Offers = nil
	merged.Price = nil
	merged.OriginalPrice = nil
	merged.InStock = false

	seenImage := make(map[string]struct{})
	addImages := func(urls []string) {
		for _, u := range urls {
			if u == "" {
				continue
			}
			if _, ok := seenImage[u]; ok {
				continue
			}
			seenImage[u] = struct{}{}
			merged.ImageURLs = append(merged.ImageURLs, u)
		}
	}
	addImages(members[base].ImageURLs)

	seenSource := make(map[string]struct{})
	for _, m := range members {
		addImages(m.ImageURLs)
		if m.InStock {
			merged.InStock = true
		}
		if m.Price != nil && (merged.Price == nil || m.Price.LessThan(*merged.Price)) {
			merged.Price = m.Price
		}
		if m.OriginalPrice != nil && (merged.OriginalPrice == nil || m.OriginalPrice.GreaterThan(*merged.OriginalPrice)) {
			merged.OriginalPrice = m.OriginalPrice
		}
		for _, o := range offersOf(m) {
			if _, ok := seenSource[o.Source+"\x00"+o.ProductID]; ok {
				continue
			}
			seenSource[o.Source+"\x00"+o.ProductID] = struct{}{}
			merged.Offers = append(merged.Offers, o)
		}
	}

	sources := make(map[string]struct{})
	for _, o := range merged.Offers {
		if _, ok := sources[o.Source]; ok {
			continue
		}
		sources[o.Source] = struct{}{}
		merged.Sources = append(merged.Sources, o.Source)
	}
	sort.Strings(merged.Sources)
	return merged
}

// offersOf returns the per-source offers a product stands for: its own offers
// if it was already merged, otherwise itself.
func offersOf(p models.Product) []models.Offer {
	if len(p.Offers) > 0 {
		return p.Offers
	}
	return []models.Offer{{
		Source:    p.SourceName,
		ProductID: p.ID,
		Price:     p.Price,
		InStock:   p.InStock,
		URL:       p.URL,
	}}
}

// completeness counts informative fields.
func completeness(p models.Product) int {
	n := 0
	for _, ok := range []bool{
		p.Name != "",
		p.Description != "",
		p.Price != nil,
		p.HasImage(),
		p.Brand != "",
		p.Category != "",
		p.Rating != nil,
		p.ReviewCount != nil,
	} {
		if ok {
			n++
		}
	}
	return n
}

// Normalize lower-cases s, turns non-alphanumeric runes into spaces and
// collapses whitespace.
func Normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
