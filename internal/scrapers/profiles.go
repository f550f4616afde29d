package scrapers

// Profile describes how to scrape one retailer's search and product pages.
// Selector lists are tried in order; the first one that yields a value wins,
// so details-page selectors come before the card ones.
type Profile struct {
	// BaseURLs maps an upper-case country code to the storefront origin.
	// "US" is the fallback.
	BaseURLs map[string]string
	// Currencies maps country codes to ISO currency codes, default "USD".
	Currencies map[string]string

	// SearchPath and DetailsPath are appended to the origin; %s receives the
	// escaped query or product id.
	SearchPath  string
	DetailsPath string

	Items   []string
	IDAttrs []string
	Names   []string
	Prices  []string
	Links   []string
	Images  []string
	Ratings []string
	Reviews []string
	// Related selects product cards on a details page, if the site has them.
	Related []string
	// OutOfStock marks a card as unavailable when any selector matches.
	OutOfStock []string

	// AuthHeader carries the backend credential when one is configured.
	AuthHeader string
	Headers    map[string]string
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var profiles = map[string]Profile{
	"amazon": {
		BaseURLs: map[string]string{
			"US": "https://www.amazon.com",
			"IN": "https://www.amazon.in",
			"UK": "https://www.amazon.co.uk",
			"DE": "https://www.amazon.de",
			"CA": "https://www.amazon.ca",
			"AU": "https://www.amazon.com.au",
			"FR": "https://www.amazon.fr",
			"IT": "https://www.amazon.it",
			"ES": "https://www.amazon.es",
			"JP": "https://www.amazon.co.jp",
		},
		Currencies: map[string]string{
			"US": "USD", "CA": "CAD", "IN": "INR", "UK": "GBP",
			"DE": "EUR", "FR": "EUR", "IT": "EUR", "ES": "EUR",
			"AU": "AUD", "JP": "JPY",
		},
		SearchPath:  "/s?k=%s",
		DetailsPath: "/dp/%s",
		Items: []string{
			"div[data-component-type='s-search-result']",
			"div.s-result-item[data-asin]",
		},
		IDAttrs: []string{"data-asin"},
		Names:   []string{"#productTitle", "h2 a span", "h2 span"},
		Prices:  []string{"#corePrice_feature_div .a-offscreen", ".a-price .a-offscreen", ".a-price-whole"},
		Links:   []string{"h2 a", "a.a-link-normal"},
		Images:  []string{"#landingImage", "img.s-image", "img"},
		Ratings: []string{".a-icon-alt"},
		Reviews: []string{"span.a-size-base.s-underline-text", "#acrCustomerReviewText"},
		Related: []string{"#sp_detail [data-asin]", ".a-carousel-card [data-asin]"},
		OutOfStock: []string{
			"#outOfStock",
		},
	},
	"ebay": {
		BaseURLs: map[string]string{
			"US": "https://www.ebay.com",
			"UK": "https://www.ebay.co.uk",
			"DE": "https://www.ebay.de",
			"CA": "https://www.ebay.ca",
			"AU": "https://www.ebay.com.au",
			"FR": "https://www.ebay.fr",
			"IT": "https://www.ebay.it",
		},
		Currencies: map[string]string{
			"US": "USD", "UK": "GBP", "DE": "EUR", "FR": "EUR",
			"IT": "EUR", "CA": "CAD", "AU": "AUD",
		},
		SearchPath:  "/sch/i.html?_nkw=%s&_sacat=0",
		DetailsPath: "/itm/%s",
		Items:       []string{"li.s-item", ".s-item"},
		IDAttrs:     []string{"data-listingid", "data-viewport"},
		Names:       []string{"h1.x-item-title__mainTitle", "h3.s-item__title", ".s-item__title"},
		Prices:      []string{".x-price-primary", ".s-item__price .notranslate", ".s-item__price"},
		Links:       []string{"a.s-item__link", ".s-item__title a"},
		Images:      []string{".s-item__image img", "img"},
		Ratings:     []string{".x-star-rating .clipped", ".ebay-review-stars"},
		Reviews:     []string{".s-item__reviews-count"},
		OutOfStock:  []string{".s-item__sold-out"},
	},
	"walmart": {
		BaseURLs:    map[string]string{"US": "https://www.walmart.com"},
		SearchPath:  "/search?q=%s",
		DetailsPath: "/ip/%s",
		Items: []string{
			"[data-testid='item']",
			"[data-item-id]",
			".search-result-gridview-item",
		},
		IDAttrs: []string{"data-item-id"},
		Names: []string{
			"h1[itemprop='name']",
			"[data-automation-id='product-title']",
			"a[data-testid='product-title']",
			"h3 a span",
		},
		Prices: []string{
			"[itemprop='price']",
			"[data-automation-id='product-price'] .w_iUH7",
			"[data-automation-id='product-price']",
			".price-current",
		},
		Links:      []string{"a[link-identifier]", "a[data-testid='product-title']", "h3 a"},
		Images:     []string{"img[data-testid='productTileImage']", "img[src*='i5.walmartimages.com']", "img"},
		Ratings:    []string{"[data-testid='reviews-rating']", ".average-rating"},
		Reviews:    []string{"[data-testid='reviews-count']", ".reviews-count"},
		OutOfStock: []string{"[data-automation-id='out-of-stock']"},
	},
	"target": {
		BaseURLs:    map[string]string{"US": "https://www.target.com"},
		SearchPath:  "/s?searchTerm=%s",
		DetailsPath: "/p/-/A-%s",
		Items: []string{
			"[data-test='@web/site-top-of-funnel/ProductCardWrapper']",
			"[data-test='product-card']",
		},
		IDAttrs: []string{"data-tcin"},
		Names: []string{
			"h1[data-test='product-title']",
			"a[data-test='product-title']",
			"[data-test='product-title']",
		},
		Prices:     []string{"[data-test='current-price']", "[data-test='product-price']"},
		Links:      []string{"a[data-test='product-title']", "h3 a"},
		Images:     []string{"img[src*='target.scene7.com']", "img"},
		Ratings:    []string{"[data-test='ratings']", "[data-test='rating']"},
		Reviews:    []string{"[data-test='rating-count']", "[data-test='review-count']"},
		OutOfStock: []string{"[data-test='outOfStockMessage']"},
	},
	"bestbuy": {
		BaseURLs:    map[string]string{"US": "https://www.bestbuy.com"},
		SearchPath:  "/site/searchpage.jsp?st=%s",
		DetailsPath: "/site/%s.p",
		Items:       []string{"li.sku-item", "[data-sku-id]"},
		IDAttrs:     []string{"data-sku-id"},
		Names:       []string{"h1.heading-5", ".sku-title a", ".sku-header a"},
		Prices: []string{
			".priceView-customer-price span[aria-hidden='true']",
			".priceView-hero-price span",
			".sku-price",
		},
		Links:      []string{".sku-title a", ".sku-header a"},
		Images:     []string{"img.product-image", "img[src*='bbystatic.com']", "img"},
		Ratings:    []string{".c-ratings-reviews .visually-hidden", ".c-stars"},
		Reviews:    []string{".c-reviews", ".c-ratings-reviews .c-reviews"},
		OutOfStock: []string{".fulfillment-add-to-cart-button button[disabled]"},
	},
	"flipkart": {
		BaseURLs:    map[string]string{"IN": "https://www.flipkart.com", "US": "https://www.flipkart.com"},
		Currencies:  map[string]string{"IN": "INR", "US": "INR"},
		SearchPath:  "/search?q=%s",
		DetailsPath: "/p/%s",
		Items:       []string{"[data-id]", "._1AtVbE", "._13oc-S"},
		IDAttrs:     []string{"data-id"},
		Names:       []string{"._4rR01T", ".s1Q9rs", "._2WkVRV", ".KzDlHZ", ".B_NuCI"},
		Prices:      []string{"._30jeq3", ".Nx9bqj", "._1_WHN1"},
		Links:       []string{"a._1fQZEK", "a.s1Q9rs", "a.CGtC98", "a"},
		Images:      []string{"img._396cs4", "img._2r_T1I", "img.DByuf4", "img"},
		Ratings:     []string{"._3LWZlK", ".XQDdHH"},
		Reviews:     []string{"._2_R_DZ", ".Wphh3N"},
		OutOfStock:  []string{"._16FRp0"},
		Headers:     map[string]string{"Referer": "https://www.flipkart.com/"},
	},
}

// Retailers lists the supported retailer profile names.
func Retailers() []string {
	return []string{"amazon", "bestbuy", "ebay", "flipkart", "target", "walmart"}
}
