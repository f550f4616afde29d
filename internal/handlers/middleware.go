package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	maxRequestIDLen = 128
)

// CORS allows the configured origins; "*" allows any.
func CORS(origins []string) gin.HandlerFunc {
	wildcard := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestID reuses a well-formed incoming X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// Logger logs one line per request.
func Logger(lg *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		lg.Info("Request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Recovery turns handler panics into 500 responses.
func Recovery(lg *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				lg.Error("Handler panic recovered",
					zap.String("request_id", c.GetString(requestIDKey)),
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
				)
				abort(c, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		c.Next()
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IngressLimiter is a token bucket per client IP.
type IngressLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clock   clockwork.Clock

	mu      sync.Mutex
	clients map[string]*client

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewIngressLimiter(perSecond float64, burst int, idleTTL time.Duration, clock clockwork.Clock) *IngressLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &IngressLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		clock:   clock,
		clients: make(map[string]*client),
	}
}

func (l *IngressLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.clients[ip]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = cl
	}
	cl.lastSeen = l.clock.Now()
	return cl.limiter
}

// Evict forgets clients idle for longer than the idle TTL.
func (l *IngressLimiter) Evict() int {
	cutoff := l.clock.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, cl := range l.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}

// Start evicts idle clients every idle TTL until ctx is done or Close.
func (l *IngressLimiter) Start(ctx context.Context) {
	ctx, l.stop = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := l.clock.NewTicker(l.idleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				l.Evict()
			}
		}
	}()
}

func (l *IngressLimiter) Close() error {
	if l.stop != nil {
		l.stop()
	}
	l.wg.Wait()
	return nil
}

// ClientStatus describes one client's bucket.
type ClientStatus struct {
	IP              string  `json:"ip"`
	LimitPerSecond  float64 `json:"limit_per_second"`
	BurstCapacity   int     `json:"burst_capacity"`
	TokensAvailable float64 `json:"tokens_available"`
}

func (l *IngressLimiter) Status(ip string) ClientStatus {
	lim := l.get(ip)
	return ClientStatus{
		IP:              ip,
		LimitPerSecond:  float64(lim.Limit()),
		BurstCapacity:   lim.Burst(),
		TokensAvailable: lim.TokensAt(l.clock.Now()),
	}
}

// Middleware rejects clients over their budget with 429.
func (l *IngressLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.get(ip).AllowN(l.clock.Now(), 1) {
			c.Header("Retry-After", "1")
			abort(c, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests from your IP", map[string]string{
				"retry_after": "1 second",
				"ip":          ip,
			})
			return
		}
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
