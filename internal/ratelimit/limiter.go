// Package ratelimit implements per-service admission control over three
// sliding windows (second, minute, hour) with a bounded priority queue for
// requests that arrive while a service is at capacity.
//
// A request is admitted only if every window of its service has room, and the
// admission is recorded in all three windows inside one critical section, so
// two concurrent callers can never both take the last slot. Services never
// block each other.
//
// Queued requests are released by a pump running every PumpInterval, in
// priority order and FIFO within a priority. A reaper fails requests that have
// waited longer than QueueTimeout.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when a service is at capacity and its wait
	// queue holds MaxQueueSize requests already.
	ErrQueueFull = errors.New("rate limit queue full")
	// ErrRequestTimeout resolves a queued request that waited longer than
	// QueueTimeout.
	ErrRequestTimeout = errors.New("request timed out in rate limit queue")
	// ErrClosed is returned once the limiter has been shut down.
	ErrClosed = errors.New("rate limiter closed")
)

// Priority orders queued requests. Lower values are released first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ServiceConfig caps one service. A cap <= 0 disables that window.
type ServiceConfig struct {
	RequestsPerSecond int `yaml:"requestsPerSecond" json:"requests_per_second"`
	RequestsPerMinute int `yaml:"requestsPerMinute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requestsPerHour" json:"requests_per_hour"`
	// BurstLimit caps how many queued requests one pump tick may release.
	// Zero releases as many as the windows allow.
	BurstLimit int `yaml:"burstLimit" json:"burst_limit"`
}

// Config configures a Limiter.
type Config struct {
	// Default applies to services without an entry in Services.
	Default  ServiceConfig
	Services map[string]ServiceConfig

	MaxQueueSize    int
	QueueTimeout    time.Duration
	PumpInterval    time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns conservative limits suitable for third-party APIs.
func DefaultConfig() Config {
	return Config{
		Default: ServiceConfig{
			RequestsPerSecond: 5,
			RequestsPerMinute: 100,
			RequestsPerHour:   1000,
		},
		MaxQueueSize:    100,
		QueueTimeout:    60 * time.Second,
		PumpInterval:    100 * time.Millisecond,
		CleanupInterval: 10 * time.Second,
	}
}

// Status is a point-in-time view of one service's limiter state.
type Status struct {
	Service        string        `json:"service"`
	Config         ServiceConfig `json:"config"`
	LastSecond     int           `json:"last_second"`
	LastMinute     int           `json:"last_minute"`
	LastHour       int           `json:"last_hour"`
	Queued         int           `json:"queued"`
	NextCapacityAt time.Time     `json:"next_capacity_at"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg   Config
	clock clockwork.Clock
	lg    *zap.Logger

	mu       sync.RWMutex
	services map[string]*serviceState
	closed   bool

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a Limiter. Background workers are not started until Start.
func New(cfg Config, clock clockwork.Clock, lg *zap.Logger) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = def.PumpInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = 0
	}
	return &Limiter{
		cfg:      cfg,
		clock:    clock,
		lg:       lg.Named("ratelimit"),
		services: make(map[string]*serviceState),
	}
}

// state returns the state for service, creating it with the configured (or
// default) limits on first use.
func (l *Limiter) state(service string) (*serviceState, error) {
	l.mu.RLock()
	s, ok := l.services[service]
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return s, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if s, ok := l.services[service]; ok {
		return s, nil
	}
	cfg, known := l.cfg.Services[service]
	if !known {
		cfg = l.cfg.Default
		l.lg.Debug("Using default limits for service", zap.String("service", service))
	}
	s = newServiceState(cfg)
	l.services[service] = s
	return s, nil
}

// TryAdmit admits the request immediately if every window of service has
// room, otherwise queues it. It never blocks. A full queue yields ErrQueueFull.
func (l *Limiter) TryAdmit(service string, p Priority) (*Ticket, error) {
	if p < PriorityHigh || p > PriorityLow {
		p = PriorityNormal
	}
	s, err := l.state(service)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Waiters already in line go first, within this tick's burst allowance.
	s.releaseLocked(now, s.cfg.BurstLimit)
	if s.queued == 0 && s.admitLocked(now) {
		return &Ticket{}, nil
	}
	if s.queued >= l.cfg.MaxQueueSize {
		return nil, ErrQueueFull
	}
	w := &waiter{
		priority:   p,
		enqueuedAt: now,
		result:     make(chan error, 1),
	}
	s.queue[p] = append(s.queue[p], w)
	s.queued++
	return &Ticket{state: s, w: w}, nil
}

// Acquire admits or queues the request and waits for the outcome.
func (l *Limiter) Acquire(ctx context.Context, service string, p Priority) error {
	t, err := l.TryAdmit(service, p)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// pump releases queued waiters that fit into the current windows.
func (l *Limiter) pump() {
	now := l.clock.Now()
	for _, s := range l.snapshot() {
		s.mu.Lock()
		s.tickReleases = 0
		s.releaseLocked(now, s.cfg.BurstLimit)
		s.mu.Unlock()
	}
}

// reap fails waiters that have been queued for QueueTimeout or longer.
func (l *Limiter) reap() {
	now := l.clock.Now()
	for name, s := range l.snapshotNamed() {
		s.mu.Lock()
		n := s.expireLocked(now, l.cfg.QueueTimeout)
		s.mu.Unlock()
		if n > 0 {
			l.lg.Warn("Queued requests timed out",
				zap.String("service", name),
				zap.Int("count", n),
			)
		}
	}
}

func (l *Limiter) snapshot() []*serviceState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*serviceState, 0, len(l.services))
	for _, s := range l.services {
		out = append(out, s)
	}
	return out
}

func (l *Limiter) snapshotNamed() map[string]*serviceState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]*serviceState, len(l.services))
	for name, s := range l.services {
		out[name] = s
	}
	return out
}

// Start launches the pump and reaper. They stop when ctx is cancelled or
// Close is called.
func (l *Limiter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.stop = cancel
	l.mu.Unlock()

	l.wg.Add(2)
	go l.loop(ctx, l.cfg.PumpInterval, l.pump)
	go l.loop(ctx, l.cfg.CleanupInterval, l.reap)
}

func (l *Limiter) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer l.wg.Done()
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn()
		}
	}
}

// Close stops background workers and fails every queued request with
// ErrClosed.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	stop := l.stop
	services := l.services
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
	l.wg.Wait()

	for _, s := range services {
		s.mu.Lock()
		s.failAllLocked(ErrClosed)
		s.mu.Unlock()
	}
	return nil
}

// Status reports window counts and queue depth for service.
func (l *Limiter) Status(service string) (Status, error) {
	s, err := l.state(service)
	if err != nil {
		return Status{}, err
	}
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	next := now
	for _, w := range s.windows() {
		w.purge(now)
		if !w.hasCapacity() {
			if r := w.resetAt(now); r.After(next) {
				next = r
			}
		}
	}
	return Status{
		Service:        service,
		Config:         s.cfg,
		LastSecond:     s.second.count(),
		LastMinute:     s.minute.count(),
		LastHour:       s.hour.count(),
		Queued:         s.queued,
		NextCapacityAt: next,
	}, nil
}

// Services lists the services the limiter has seen, sorted.
func (l *Limiter) Services() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
