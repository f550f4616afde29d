// Package browser renders retailer pages in headless Chrome for storefronts
// that build their listings client-side.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"price-aggregator/internal/models"
	"price-aggregator/internal/scrapers"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Config controls the shared Chrome process.
type Config struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string `yaml:"execPath"`
	// Settle is how long to let client-side rendering run after load.
	Settle time.Duration `yaml:"settle"`
	// Timeout bounds one page render.
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Settle:  2 * time.Second,
		Timeout: 45 * time.Second,
	}
}

// Allocator owns one headless Chrome process shared by every chrome
// backend. Each render opens its own tab.
type Allocator struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
}

func NewAllocator(cfg Config) *Allocator {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Allocator{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Close stops the Chrome process.
func (a *Allocator) Close() error {
	a.cancel()
	return nil
}

// render loads target in a fresh tab and returns the document after
// client-side rendering has settled, plus the main document's HTTP status.
func (a *Allocator) render(ctx context.Context, target string) (*goquery.Document, int, error) {
	tabCtx, cancel := chromedp.NewContext(a.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if a.cfg.Timeout > 0 {
		var tcancel context.CancelFunc
		tabCtx, tcancel = context.WithTimeout(tabCtx, a.cfg.Timeout)
		defer tcancel()
	}

	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(target))
	if err != nil {
		return nil, 0, err
	}
	status := 0
	if resp != nil {
		status = int(resp.Status)
	}
	if status >= 300 {
		return nil, status, nil
	}

	var html string
	if err := chromedp.Run(tabCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(a.cfg.Settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, status, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, status, errors.Wrap(err, "parse rendered page")
	}
	return doc, status, nil
}

// Backend is a live backend that renders a retailer's pages in Chrome and
// parses them with the retailer's scraping profile.
type Backend struct {
	name    string
	profile scrapers.Profile
	src     scrapers.Source
	alloc   *Allocator
	lg      *zap.Logger
}

var _ scrapers.Backend = (*Backend)(nil)

// New builds a chrome backend for def.
func New(def scrapers.Definition, alloc *Allocator, lg *zap.Logger) (*Backend, error) {
	profile, ok := scrapers.ProfileFor(def.Retailer)
	if !ok {
		return nil, errors.Errorf("backend %q: unknown retailer %q", def.Name, def.Retailer)
	}
	if alloc == nil {
		return nil, errors.Errorf("backend %q: no browser allocator", def.Name)
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	origin := strings.TrimRight(def.BaseURL, "/")
	if origin == "" {
		origin = profile.Origin(def.Country)
	}
	return &Backend{
		name:    def.Name,
		profile: profile,
		src: scrapers.Source{
			Backend:  def.Name,
			Origin:   origin,
			Currency: profile.Currency(def.Country),
		},
		alloc: alloc,
		lg:    lg.Named(def.Name),
	}, nil
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Search(ctx context.Context, query string) ([]models.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, scrapers.NewError(b.name, scrapers.KindInvalidInput, errors.New("empty query"))
	}
	doc, err := b.page(ctx, b.src.Origin+fmt.Sprintf(b.profile.SearchPath, url.QueryEscape(query)))
	if err != nil {
		return nil, err
	}

	// Rendered listings mix in sponsored and unrelated tiles.
	products := make([]models.Product, 0)
	for _, p := range b.profile.Listing(doc.Selection, b.src) {
		if relevant(p.Name, query) {
			products = append(products, p)
		}
	}
	b.lg.Debug("Search", zap.String("query", query), zap.Int("products", len(products)))
	return products, nil
}

func (b *Backend) Details(ctx context.Context, id string) (models.Product, error) {
	target, err := b.detailsURL(id)
	if err != nil {
		return models.Product{}, err
	}
	doc, err := b.page(ctx, target)
	if err != nil {
		return models.Product{}, err
	}
	p, ok := b.profile.Product(doc.Selection, strings.TrimSpace(id), target, b.src)
	if !ok {
		return models.Product{}, scrapers.NewError(b.name, scrapers.KindNoData, errors.Errorf("product %q not found", id))
	}
	return p, nil
}

func (b *Backend) RelatedProducts(ctx context.Context, id string) ([]models.Product, error) {
	if len(b.profile.Related) == 0 {
		return nil, scrapers.NewError(b.name, scrapers.KindNoData, errors.New("retailer has no related listing"))
	}
	target, err := b.detailsURL(id)
	if err != nil {
		return nil, err
	}
	doc, err := b.page(ctx, target)
	if err != nil {
		return nil, err
	}
	related := b.profile.RelatedListing(doc.Selection, b.src)
	if len(related) == 0 {
		return nil, scrapers.NewError(b.name, scrapers.KindNoData, errors.Errorf("no related products for %q", id))
	}
	return related, nil
}

func (b *Backend) detailsURL(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", scrapers.NewError(b.name, scrapers.KindInvalidInput, errors.New("empty product id"))
	}
	return b.src.Origin + fmt.Sprintf(b.profile.DetailsPath, url.PathEscape(id)), nil
}

func (b *Backend) page(ctx context.Context, target string) (*goquery.Document, error) {
	b.lg.Debug("Render", zap.String("url", target))
	doc, status, err := b.alloc.render(ctx, target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if status >= 300 {
		e := scrapers.NewError(b.name, scrapers.ClassifyStatus(status), errors.Errorf("render %s", target))
		e.StatusCode = status
		return nil, e
	}
	if err != nil {
		return nil, scrapers.NewError(b.name, scrapers.KindOther, err)
	}
	return doc, nil
}

// relevant reports whether any query word appears in title.
func relevant(title, query string) bool {
	title = strings.ToLower(title)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(title, w) {
			return true
		}
	}
	return false
}
