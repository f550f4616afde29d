package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"price-aggregator/internal/scrapers"
)

func TestRelevant(t *testing.T) {
	assert.True(t, relevant("Acme Widget 100", "widget"))
	assert.True(t, relevant("Acme Widget 100", "gadget 100"))
	assert.False(t, relevant("Garden Hose", "widget 100"))
	assert.False(t, relevant("Garden Hose", ""))
}

func TestNew(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())
	t.Cleanup(func() { _ = alloc.Close() })

	b, err := New(scrapers.Definition{Name: "render", Mode: scrapers.ModeLive, Engine: scrapers.EngineChrome, Retailer: "walmart"}, alloc, nil)
	require.NoError(t, err)
	assert.Equal(t, "render", b.Name())
	assert.Equal(t, "https://www.walmart.com", b.src.Origin)

	_, err = New(scrapers.Definition{Name: "render", Retailer: "hooli"}, alloc, nil)
	assert.Error(t, err)

	_, err = New(scrapers.Definition{Name: "render", Retailer: "walmart"}, nil, nil)
	assert.Error(t, err)
}

func TestBackend_InputErrors(t *testing.T) {
	alloc := NewAllocator(DefaultConfig())
	t.Cleanup(func() { _ = alloc.Close() })
	b, err := New(scrapers.Definition{Name: "render", Retailer: "ebay"}, alloc, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Search(ctx, "  ")
	assert.Equal(t, scrapers.KindInvalidInput, scrapers.KindOf(err))

	_, err = b.Details(ctx, "")
	assert.Equal(t, scrapers.KindInvalidInput, scrapers.KindOf(err))

	// eBay pages carry no related listing, so no render happens.
	_, err = b.RelatedProducts(ctx, "1")
	assert.Equal(t, scrapers.KindNoData, scrapers.KindOf(err))
}

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("chrome not installed")
	return ""
}

func TestBackend_RenderSearch(t *testing.T) {
	path := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body><div id="grid"></div><script>
document.getElementById('grid').innerHTML =
  '<div data-item-id="W1"><span data-automation-id="product-title">Acme Widget 100</span>' +
  '<div itemprop="price">$47.50</div></div>' +
  '<div data-item-id="W2"><span data-automation-id="product-title">Garden Hose</span></div>';
</script></body></html>`))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.ExecPath = path
	cfg.Settle = 100 * time.Millisecond
	cfg.Timeout = 30 * time.Second
	alloc := NewAllocator(cfg)
	t.Cleanup(func() { _ = alloc.Close() })

	b, err := New(scrapers.Definition{Name: "render", Retailer: "walmart", BaseURL: srv.URL}, alloc, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := b.Search(context.Background(), "widget")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "W1", got[0].ID)
	require.NotNil(t, got[0].Price)
	assert.Equal(t, "47.5", got[0].Price.String())

	_, err = b.Details(context.Background(), "missing")
	assert.Equal(t, scrapers.KindNoData, scrapers.KindOf(err))
}
