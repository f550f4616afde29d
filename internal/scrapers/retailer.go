package scrapers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-faster/errors"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"price-aggregator/internal/models"
)

// RetailerScraper is a live backend that scrapes a retailer storefront
// with colly using the retailer's Profile.
type RetailerScraper struct {
	def     Definition
	profile Profile
	src     Source
	creds   CredentialSource
	lg      *zap.Logger
}

var _ Backend = (*RetailerScraper)(nil)

// NewRetailerScraper builds a scraper for a live colly definition.
// def.BaseURL, when set, replaces the storefront origin.
func NewRetailerScraper(def Definition, deps Deps) (*RetailerScraper, error) {
	profile, ok := profiles[def.Retailer]
	if !ok {
		return nil, errors.Errorf("backend %q: unknown retailer %q", def.Name, def.Retailer)
	}
	origin := strings.TrimRight(def.BaseURL, "/")
	if origin == "" {
		origin = profile.Origin(def.Country)
	}
	if _, err := url.Parse(origin); err != nil {
		return nil, errors.Wrapf(err, "backend %q: base url", def.Name)
	}
	lg := deps.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &RetailerScraper{
		def:     def,
		profile: profile,
		src: Source{
			Backend:  def.Name,
			Origin:   origin,
			Currency: profile.Currency(def.Country),
		},
		creds: deps.Credentials,
		lg:    lg.Named(def.Name),
	}, nil
}

func (s *RetailerScraper) Name() string { return s.def.Name }

func (s *RetailerScraper) Search(ctx context.Context, query string) ([]models.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewError(s.def.Name, KindInvalidInput, errors.New("empty query"))
	}
	target := s.src.Origin + fmt.Sprintf(s.profile.SearchPath, url.QueryEscape(query))

	products := make([]models.Product, 0)
	err := s.visit(ctx, target, func(doc *goquery.Selection) {
		products = append(products, s.profile.Listing(doc, s.src)...)
	})
	if err != nil {
		return nil, err
	}
	s.lg.Debug("Search",
		zap.String("query", query),
		zap.Int("products", len(products)),
	)
	return products, nil
}

func (s *RetailerScraper) Details(ctx context.Context, id string) (models.Product, error) {
	doc, target, err := s.detailsPage(ctx, id)
	if err != nil {
		return models.Product{}, err
	}
	p, ok := s.profile.Product(doc, strings.TrimSpace(id), target, s.src)
	if !ok {
		return models.Product{}, NewError(s.def.Name, KindNoData, errors.Errorf("product %q not found", id))
	}
	return p, nil
}

func (s *RetailerScraper) RelatedProducts(ctx context.Context, id string) ([]models.Product, error) {
	if len(s.profile.Related) == 0 {
		return nil, NewError(s.def.Name, KindNoData, errors.New("retailer has no related listing"))
	}
	doc, _, err := s.detailsPage(ctx, id)
	if err != nil {
		return nil, err
	}
	related := s.profile.RelatedListing(doc, s.src)
	if len(related) == 0 {
		return nil, NewError(s.def.Name, KindNoData, errors.Errorf("no related products for %q", id))
	}
	return related, nil
}

func (s *RetailerScraper) detailsPage(ctx context.Context, id string) (*goquery.Selection, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, "", NewError(s.def.Name, KindInvalidInput, errors.New("empty product id"))
	}
	target := s.src.Origin + fmt.Sprintf(s.profile.DetailsPath, url.PathEscape(id))
	var page *goquery.Selection
	if err := s.visit(ctx, target, func(doc *goquery.Selection) { page = doc }); err != nil {
		return nil, "", err
	}
	if page == nil {
		return nil, "", NewError(s.def.Name, KindNoData, errors.Errorf("empty page for %q", id))
	}
	return page, target, nil
}

// visit fetches target with a fresh collector and hands the parsed document
// to onPage. Upstream HTTP failures are classified by status code.
func (s *RetailerScraper) visit(ctx context.Context, target string, onPage func(doc *goquery.Selection)) error {
	var credential string
	if s.def.Credential != "" {
		if s.creds == nil {
			return NewError(s.def.Name, KindAuthentication, errors.New("no credential source configured"))
		}
		v, err := s.creds.Credential(ctx, s.def.Credential)
		if err != nil {
			return NewError(s.def.Name, KindAuthentication, err)
		}
		credential = v
	}

	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.UserAgent(defaultUserAgent),
		colly.AllowURLRevisit(),
	}
	if s.def.BaseURL == "" {
		if u, err := url.Parse(s.src.Origin); err == nil {
			opts = append(opts, colly.AllowedDomains(u.Hostname()))
		}
	}
	c := colly.NewCollector(opts...)
	if s.def.Timeout > 0 {
		c.SetRequestTimeout(s.def.Timeout)
	}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
		for k, v := range s.profile.Headers {
			r.Headers.Set(k, v)
		}
		if credential != "" {
			header := s.profile.AuthHeader
			if header == "" {
				header = "Authorization"
			}
			r.Headers.Set(header, credential)
		}
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		onPage(e.DOM)
	})

	var status int
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	s.lg.Debug("Visit", zap.String("url", target))
	err := c.Visit(target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if status >= 300 || (err != nil && status != 0) {
		e := NewError(s.def.Name, ClassifyStatus(status), err)
		e.StatusCode = status
		return e
	}
	if err != nil {
		return NewError(s.def.Name, KindOther, err)
	}
	return nil
}
