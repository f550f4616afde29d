package scrapers

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"price-aggregator/internal/models"
	"price-aggregator/pkg/utils"
)

// ProfileFor returns the scraping profile of a retailer.
func ProfileFor(retailer string) (Profile, bool) {
	p, ok := profiles[retailer]
	return p, ok
}

// Origin returns the storefront origin for country, falling back to "US".
func (p Profile) Origin(country string) string {
	if o, ok := p.BaseURLs[strings.ToUpper(country)]; ok {
		return o
	}
	return p.BaseURLs["US"]
}

// Currency returns the listing currency for country, "USD" when unknown.
func (p Profile) Currency(country string) string {
	if c, ok := p.Currencies[strings.ToUpper(country)]; ok {
		return c
	}
	return "USD"
}

// Source identifies where a parsed page came from.
type Source struct {
	Backend  string
	Origin   string
	Currency string
}

// Listing extracts product cards from a search results page. The first item
// selector that yields any named product wins.
func (p Profile) Listing(doc *goquery.Selection, src Source) []models.Product {
	return p.cards(doc, p.Items, src)
}

// RelatedListing extracts the related product cards of a details page.
func (p Profile) RelatedListing(doc *goquery.Selection, src Source) []models.Product {
	return p.cards(doc, p.Related, src)
}

func (p Profile) cards(doc *goquery.Selection, selectors []string, src Source) []models.Product {
	out := make([]models.Product, 0)
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, card *goquery.Selection) {
			if prod, ok := p.parse(card, "", src); ok {
				out = append(out, prod)
			}
		})
		if len(out) > 0 {
			break
		}
	}
	return out
}

// Product parses the details page found at pageURL. It reports false when
// the page carries no product name.
func (p Profile) Product(doc *goquery.Selection, id, pageURL string, src Source) (models.Product, bool) {
	prod, ok := p.parse(doc, id, src)
	if ok && pageURL != "" {
		prod.URL = pageURL
	}
	return prod, ok
}

func (p Profile) parse(s *goquery.Selection, id string, src Source) (models.Product, bool) {
	name := firstText(s, p.Names)
	if name == "" {
		return models.Product{}, false
	}
	prod := models.Product{
		Name:       name,
		Currency:   src.Currency,
		SourceName: src.Backend,
		InStock:    true,
		URL:        resolve(src.Origin, firstAttr(s, p.Links, "href")),
	}
	if v, ok := utils.ParsePrice(firstText(s, p.Prices)); ok {
		prod.Price = &v
	}
	if img := firstAttr(s, p.Images, "src", "data-src"); img != "" {
		prod.ImageURLs = []string{resolve(src.Origin, img)}
	}
	if r, ok := utils.ParseRating(firstText(s, p.Ratings)); ok {
		prod.Rating = &r
	}
	if n, ok := utils.ParseCount(firstText(s, p.Reviews)); ok {
		prod.ReviewCount = &n
	}
	for _, sel := range p.OutOfStock {
		if s.Find(sel).Length() > 0 {
			prod.InStock = false
			break
		}
	}

	prod.ID = id
	if prod.ID == "" {
		for _, attr := range p.IDAttrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				prod.ID = strings.TrimSpace(v)
				break
			}
		}
	}
	if prod.ID == "" {
		seed := prod.URL
		if seed == "" {
			seed = src.Backend + "/" + name
		}
		prod.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
	}
	return prod, true
}

func firstText(s *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if t := strings.Join(strings.Fields(s.Find(sel).First().Text()), " "); t != "" {
			return t
		}
	}
	return ""
}

func firstAttr(s *goquery.Selection, selectors []string, attrs ...string) string {
	for _, sel := range selectors {
		node := s.Find(sel).First()
		for _, attr := range attrs {
			if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func resolve(origin, ref string) string {
	if ref == "" || origin == "" {
		return ref
	}
	base, err := url.Parse(origin)
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
