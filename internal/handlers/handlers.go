// Package handlers is the HTTP surface of the aggregator.
package handlers

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"price-aggregator/internal/circuit"
	"price-aggregator/internal/models"
	"price-aggregator/internal/quota"
	"price-aggregator/internal/ratelimit"
	"price-aggregator/internal/scrapers"
	"price-aggregator/internal/services"
	"price-aggregator/pkg/cache"
)

const (
	serviceName = "price-aggregator"
	version     = "1.0.0"
)

type Deps struct {
	Coordinator *services.Coordinator
	Quota       *quota.Governor
	Limiter     *ratelimit.Limiter
	Breaker     *circuit.Breaker
	Cache       *cache.Tiered
	Ingress     *IngressLimiter
	Clock       clockwork.Clock
	Logger      *zap.Logger
}

type Handler struct {
	coord   *services.Coordinator
	quota   *quota.Governor
	limiter *ratelimit.Limiter
	breaker *circuit.Breaker
	cache   *cache.Tiered
	ingress *IngressLimiter
	clock   clockwork.Clock
	lg      *zap.Logger
}

func New(deps Deps) *Handler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Handler{
		coord:   deps.Coordinator,
		quota:   deps.Quota,
		limiter: deps.Limiter,
		breaker: deps.Breaker,
		cache:   deps.Cache,
		ingress: deps.Ingress,
		clock:   deps.Clock,
		lg:      deps.Logger.Named("http"),
	}
}

// Router builds the gin engine with middleware and every route.
func (h *Handler) Router(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(
		RequestID(),
		Recovery(h.lg),
		Logger(h.lg),
		CORS(origins),
	)
	if h.ingress != nil {
		r.Use(h.ingress.Middleware())
	}

	r.GET("/health", h.health)
	r.GET("/api/info", h.info)
	r.GET("/search", h.search)
	r.GET("/products/:backend/:id", h.details)
	r.GET("/quota", h.quotaStatus)
	r.PUT("/quota/fallback", h.setFallback)
	r.GET("/rate-limit/status", h.rateLimitStatus)
	r.GET("/circuits", h.circuits)
	r.GET("/cache/stats", h.cacheStats)
	r.DELETE("/cache/flush", h.cacheFlush)
	r.POST("/cache/maintenance", h.cacheMaintenance)
	return r
}

func (h *Handler) health(c *gin.Context) {
	st := h.quota.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"service":       serviceName,
		"version":       version,
		"backends":      h.coord.Backends(),
		"cache":         h.cache.Stats().Durable,
		"fallback_mode": st.FallbackModeEnabled,
		"timestamp":     h.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Price Aggregator API",
		"version":     version,
		"description": "Searches several retail backends concurrently and merges their offers",
		"endpoints": map[string]string{
			"GET /search":                "Search products with filtering, sorting and cross-source offers",
			"GET /products/:backend/:id": "Product details with related products and price comparison",
			"GET /health":                "Health check",
			"GET /quota":                 "Upstream quota status",
			"PUT /quota/fallback":        "Toggle cache-only fallback mode",
			"GET /rate-limit/status":     "Client and backend rate limit status",
			"GET /circuits":              "Backend circuit breaker states",
			"GET /cache/stats":           "Cache statistics",
			"DELETE /cache/flush":        "Clear both cache tiers",
			"POST /cache/maintenance":    "Sweep expired cache entries",
		},
		"backends": h.coord.Backends(),
	})
}

func (h *Handler) search(c *gin.Context) {
	query, backends, opts, err := parseSearch(c)
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	res, err := h.coord.Search(c.Request.Context(), query, backends, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) details(c *gin.Context) {
	opts := models.DetailsOptions{}
	var err error
	if opts.IncludeCrossSourceComparison, err = boolParam(c, "compare"); err != nil {
		abort(c, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	if opts.IncludeRelated, err = boolParam(c, "related"); err != nil {
		abort(c, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	res, err := h.coord.Details(c.Request.Context(), c.Param("id"), c.Param("backend"), opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) quotaStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.quota.Status(c.Request.Context()))
}

type fallbackRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) setFallback(c *gin.Context) {
	var req fallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		abort(c, http.StatusBadRequest, "invalid_request", `body must be {"enabled": true|false}`, nil)
		return
	}
	ctx := c.Request.Context()
	if err := h.quota.SetFallbackMode(ctx, *req.Enabled); err != nil {
		// The in-memory flag changed; only persistence failed.
		h.lg.Warn("Persist fallback mode", zap.Error(err))
	}
	c.JSON(http.StatusOK, h.quota.Status(ctx))
}

func (h *Handler) rateLimitStatus(c *gin.Context) {
	backends := make([]ratelimit.Status, 0)
	for _, name := range h.coord.Backends() {
		st, err := h.limiter.Status(name)
		if err != nil {
			continue
		}
		backends = append(backends, st)
	}
	out := gin.H{"backends": backends}
	if h.ingress != nil {
		out["client"] = h.ingress.Status(c.ClientIP())
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) circuits(c *gin.Context) {
	c.JSON(http.StatusOK, h.breaker.Snapshot())
}

func (h *Handler) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

func (h *Handler) cacheFlush(c *gin.Context) {
	if err := h.cache.Clear(c.Request.Context()); err != nil {
		abort(c, http.StatusInternalServerError, "cache_flush_failed", "failed to flush cache", map[string]string{"details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   "cache flushed successfully",
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) cacheMaintenance(c *gin.Context) {
	removed, err := h.cache.Maintain(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, "cache_maintenance_failed", "cache maintenance failed", map[string]string{"details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "stats": h.cache.Stats()})
}

// fail maps coordinator errors to responses.
func (h *Handler) fail(c *gin.Context, err error) {
	var (
		exceeded *quota.ExceededError
		all      *services.SearchError
		backend  *scrapers.Error
	)
	switch {
	case errors.Is(err, services.ErrInvalidQuery):
		abort(c, http.StatusBadRequest, "invalid_query", err.Error(), nil)
	case errors.Is(err, scrapers.ErrUnknownBackend):
		abort(c, http.StatusBadRequest, "unknown_backend", err.Error(), nil)
	case errors.Is(err, services.ErrNoBackends):
		abort(c, http.StatusServiceUnavailable, "no_backends", err.Error(), nil)
	case errors.As(err, &exceeded):
		secs := int(math.Ceil(exceeded.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		abort(c, http.StatusTooManyRequests, "quota_exceeded", err.Error(), map[string]string{
			"scope":       exceeded.Scope,
			"retry_after": strconv.Itoa(secs),
		})
	case errors.Is(err, quota.ErrFallbackMode):
		abort(c, http.StatusServiceUnavailable, "fallback_mode", err.Error(), nil)
	case errors.As(err, &all):
		abort(c, http.StatusBadGateway, "all_backends_failed", err.Error(), all.Errors)
	case errors.Is(err, circuit.ErrOpen):
		abort(c, http.StatusServiceUnavailable, "backend_unavailable", err.Error(), nil)
	case errors.Is(err, ratelimit.ErrQueueFull), errors.Is(err, ratelimit.ErrRequestTimeout):
		abort(c, http.StatusServiceUnavailable, "backend_busy", err.Error(), nil)
	case errors.As(err, &backend):
		switch backend.Kind {
		case scrapers.KindNoData:
			abort(c, http.StatusNotFound, "not_found", err.Error(), nil)
		case scrapers.KindInvalidInput:
			abort(c, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		default:
			abort(c, http.StatusBadGateway, "backend_error", err.Error(), map[string]string{"kind": backend.Kind.String()})
		}
	case errors.Is(err, context.DeadlineExceeded):
		abort(c, http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		c.AbortWithStatus(499)
	default:
		h.lg.Error("Request failed", zap.String("request_id", requestID(c)), zap.Error(err))
		abort(c, http.StatusInternalServerError, "internal_error", "internal server error", nil)
	}
}

func abort(c *gin.Context, status int, code, msg string, details map[string]string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error:   code,
		Code:    status,
		Message: msg,
		Details: details,
	})
}

// parseSearch reads the /search query string.
func parseSearch(c *gin.Context) (query string, backends []string, opts models.SearchOptions, err error) {
	query = c.Query("q")
	for _, raw := range strings.Split(c.Query("backends"), ",") {
		if name := strings.TrimSpace(raw); name != "" {
			backends = append(backends, name)
		}
	}

	limit := c.Query("max")
	if limit == "" {
		limit = c.Query("limit")
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return "", nil, opts, errors.Errorf("invalid max %q", limit)
		}
		opts.MaxResults = n
	}

	if s := c.Query("sort"); s != "" {
		order, err := models.ParseSortOrder(s)
		if err != nil {
			return "", nil, opts, err
		}
		opts.SortOrder = order
	}

	if v := strings.TrimSpace(c.Query("brand")); v != "" {
		opts.Filters = append(opts.Filters, models.Filter{Type: models.FilterBrand, Value: v})
	}
	if v := strings.TrimSpace(c.Query("category")); v != "" {
		opts.Filters = append(opts.Filters, models.Filter{Type: models.FilterCategory, Value: v})
	}
	lo, hi := strings.TrimSpace(c.Query("min_price")), strings.TrimSpace(c.Query("max_price"))
	if lo != "" || hi != "" {
		opts.Filters = append(opts.Filters, models.Filter{Type: models.FilterPriceRange, Value: lo + "-" + hi})
	}
	inStock, err := boolParam(c, "in_stock")
	if err != nil {
		return "", nil, opts, err
	}
	if inStock {
		opts.Filters = append(opts.Filters, models.Filter{Type: models.FilterInStockOnly, Value: "true"})
	}
	if opts.IncludeCrossSourceComparison, err = boolParam(c, "compare"); err != nil {
		return "", nil, opts, err
	}
	return query, backends, opts, nil
}

func boolParam(c *gin.Context, name string) (bool, error) {
	v := c.Query(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Errorf("invalid %s %q", name, v)
	}
	return b, nil
}
