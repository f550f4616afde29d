package scrapers

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"price-aggregator/internal/models"
	"price-aggregator/pkg/utils"
)

type fixtureProduct struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Brand         string   `yaml:"brand"`
	Description   string   `yaml:"description"`
	Price         string   `yaml:"price"`
	OriginalPrice string   `yaml:"original_price"`
	Currency      string   `yaml:"currency"`
	Category      string   `yaml:"category"`
	InStock       bool     `yaml:"in_stock"`
	Rating        *float64 `yaml:"rating"`
	ReviewCount   *int     `yaml:"review_count"`
	ImageURLs     []string `yaml:"image_urls"`
	URL           string   `yaml:"url"`
	ListedAt      string   `yaml:"listed_at"`
	Related       []string `yaml:"related"`
}

type fixtureCatalog struct {
	Products []fixtureProduct `yaml:"products"`
}

// FixtureBackend serves products from a YAML catalog. It never touches the
// network and spends no upstream quota beyond what the coordinator records.
type FixtureBackend struct {
	name     string
	products []models.Product
	byID     map[string]int
	related  map[string][]string
}

var _ Backend = (*FixtureBackend)(nil)

// NewFixtureBackend loads def.Fixture, or the bundled catalog for def.Name.
func NewFixtureBackend(def Definition) (*FixtureBackend, error) {
	var (
		data []byte
		err  error
	)
	if def.Fixture == "" {
		data, err = fs.ReadFile(fixturesFS, "fixtures/"+def.Name+".yaml")
	} else {
		data, err = os.ReadFile(def.Fixture)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "backend %q: read fixture", def.Name)
	}
	return ParseFixture(def.Name, data)
}

// ParseFixture builds a fixture backend from catalog YAML.
func ParseFixture(name string, data []byte) (*FixtureBackend, error) {
	var cat fixtureCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, errors.Wrapf(err, "backend %q: decode fixture", name)
	}
	b := &FixtureBackend{
		name:    name,
		byID:    make(map[string]int, len(cat.Products)),
		related: make(map[string][]string),
	}
	for _, fp := range cat.Products {
		if fp.ID == "" || fp.Name == "" {
			return nil, errors.Errorf("backend %q: fixture product needs id and name", name)
		}
		if _, dup := b.byID[fp.ID]; dup {
			return nil, errors.Errorf("backend %q: duplicate fixture id %q", name, fp.ID)
		}
		p, err := fp.product(name)
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q: product %q", name, fp.ID)
		}
		b.byID[fp.ID] = len(b.products)
		b.products = append(b.products, p)
		if len(fp.Related) > 0 {
			b.related[fp.ID] = fp.Related
		}
	}
	return b, nil
}

func (fp fixtureProduct) product(source string) (models.Product, error) {
	p := models.Product{
		ID:          fp.ID,
		Name:        fp.Name,
		Brand:       fp.Brand,
		Description: fp.Description,
		Currency:    fp.Currency,
		Category:    fp.Category,
		InStock:     fp.InStock,
		Rating:      fp.Rating,
		ReviewCount: fp.ReviewCount,
		ImageURLs:   fp.ImageURLs,
		URL:         fp.URL,
		SourceName:  source,
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if fp.Price != "" {
		v, ok := utils.ParsePrice(fp.Price)
		if !ok {
			return models.Product{}, errors.Errorf("invalid price %q", fp.Price)
		}
		p.Price = &v
	}
	if fp.OriginalPrice != "" {
		v, ok := utils.ParsePrice(fp.OriginalPrice)
		if !ok {
			return models.Product{}, errors.Errorf("invalid original price %q", fp.OriginalPrice)
		}
		p.OriginalPrice = &v
	}
	if fp.ListedAt != "" {
		t, err := parseListedAt(fp.ListedAt)
		if err != nil {
			return models.Product{}, err
		}
		p.ListedAt = &t
	}
	return p, nil
}

func parseListedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid listed_at %q", s)
	}
	return t, nil
}

func (b *FixtureBackend) Name() string { return b.name }

// Search returns catalog products whose name, brand or category contain
// every word of the query.
func (b *FixtureBackend) Search(ctx context.Context, query string) ([]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(normalizeText(query))
	if len(words) == 0 {
		return nil, NewError(b.name, KindInvalidInput, errors.New("empty query"))
	}
	out := make([]models.Product, 0)
	for _, p := range b.products {
		haystack := " " + normalizeText(p.Name+" "+p.Brand+" "+p.Category) + " "
		match := true
		for _, w := range words {
			if !strings.Contains(haystack, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *FixtureBackend) Details(ctx context.Context, id string) (models.Product, error) {
	if err := ctx.Err(); err != nil {
		return models.Product{}, err
	}
	if strings.TrimSpace(id) == "" {
		return models.Product{}, NewError(b.name, KindInvalidInput, errors.New("empty product id"))
	}
	i, ok := b.byID[id]
	if !ok {
		return models.Product{}, NewError(b.name, KindNoData, errors.Errorf("product %q not found", id))
	}
	return b.products[i], nil
}

// RelatedProducts returns the catalog's explicit related list, or other
// products in the same category.
func (b *FixtureBackend) RelatedProducts(ctx context.Context, id string) ([]models.Product, error) {
	p, err := b.Details(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]models.Product, 0)
	if ids, ok := b.related[id]; ok {
		for _, rid := range ids {
			if i, ok := b.byID[rid]; ok {
				out = append(out, b.products[i])
			}
		}
		return out, nil
	}
	for _, q := range b.products {
		if q.ID != p.ID && p.Category != "" && strings.EqualFold(q.Category, p.Category) {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, NewError(b.name, KindNoData, errors.Errorf("no related products for %q", id))
	}
	return out, nil
}

func normalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}), " ")
}
