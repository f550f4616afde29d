// Package dedup coalesces concurrent identical requests into one execution.
//
// Unlike golang.org/x/sync/singleflight, a pending computation is only
// joinable for a bounded window, outlives any single caller, and is cancelled
// once every caller waiting on it has gone away.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrJoinWindowExpired resolves waiters of a computation the reaper gave up on.
var ErrJoinWindowExpired = errors.New("pending request exceeded join window")

// ErrCancelled resolves waiters of a computation cancelled through Cancel.
var ErrCancelled = errors.New("pending request cancelled")

type Config struct {
	// MaxJoinWindow bounds how long a pending computation accepts new waiters.
	MaxJoinWindow time.Duration
	// ReapInterval is how often expired computations are purged.
	ReapInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxJoinWindow: 300 * time.Second,
		ReapInterval:  30 * time.Second,
	}
}

type call[T any] struct {
	created time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	val     T
	err     error
	waiters int
}

func (c *call[T]) finish(v T, err error) {
	c.once.Do(func() {
		c.val, c.err = v, err
		close(c.done)
	})
}

// Deduplicator runs at most one computation per key at a time.
type Deduplicator[T any] struct {
	cfg   Config
	clock clockwork.Clock
	lg    *zap.Logger

	mu      sync.Mutex
	pending map[string]*call[T]

	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New[T any](cfg Config, clock clockwork.Clock, lg *zap.Logger) *Deduplicator[T] {
	def := DefaultConfig()
	if cfg.MaxJoinWindow <= 0 {
		cfg.MaxJoinWindow = def.MaxJoinWindow
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Deduplicator[T]{
		cfg:     cfg,
		clock:   clock,
		lg:      lg.Named("dedup"),
		pending: make(map[string]*call[T]),
	}
}

// Do joins the pending computation for key, or starts fn if there is none or
// the existing one is older than the join window. shared reports whether the
// result came from a computation started by another caller. Every caller of
// one computation observes the same value and error.
//
// fn runs with a context detached from the caller's cancellation; it is
// cancelled when all waiters have left, through Cancel, or by the reaper.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	now := d.clock.Now()

	d.mu.Lock()
	c, ok := d.pending[key]
	if ok && now.Sub(c.created) >= d.cfg.MaxJoinWindow {
		d.expireLocked(key, c)
		ok = false
	}
	if ok {
		c.waiters++
		shared = true
	} else {
		c = d.startLocked(ctx, key, now, fn)
	}
	d.mu.Unlock()

	select {
	case <-c.done:
		d.leave(key, c)
		return c.val, shared, c.err
	case <-ctx.Done():
		d.leave(key, c)
		var zero T
		return zero, shared, ctx.Err()
	}
}

func (d *Deduplicator[T]) startLocked(ctx context.Context, key string, now time.Time, fn func(ctx context.Context) (T, error)) *call[T] {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{
		created: now,
		cancel:  cancel,
		done:    make(chan struct{}),
		waiters: 1,
	}
	d.pending[key] = c

	go func() {
		defer cancel()
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("pending request panicked: %v", r)
				}
			}()
			v, err = fn(runCtx)
		}()
		c.finish(v, err)

		d.mu.Lock()
		if d.pending[key] == c {
			delete(d.pending, key)
		}
		d.mu.Unlock()
	}()
	return c
}

// leave drops one waiter; the last waiter to leave an unfinished computation
// cancels it.
func (d *Deduplicator[T]) leave(key string, c *call[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.cancel()
	c.finish(*new(T), context.Canceled)
	if d.pending[key] == c {
		delete(d.pending, key)
	}
}

func (d *Deduplicator[T]) expireLocked(key string, c *call[T]) {
	delete(d.pending, key)
	c.cancel()
	c.finish(*new(T), ErrJoinWindowExpired)
}

// Cancel aborts the pending computation for key; all its waiters observe
// ErrCancelled. It reports whether a computation was pending.
func (d *Deduplicator[T]) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[key]
	if !ok {
		return false
	}
	delete(d.pending, key)
	c.cancel()
	c.finish(*new(T), ErrCancelled)
	return true
}

// Pending returns the number of in-flight computations.
func (d *Deduplicator[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// reap purges computations older than the join window.
func (d *Deduplicator[T]) reap() int {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, c := range d.pending {
		if now.Sub(c.created) >= d.cfg.MaxJoinWindow {
			d.expireLocked(key, c)
			n++
		}
	}
	if n > 0 {
		d.lg.Warn("Reaped expired pending requests", zap.Int("count", n))
	}
	return n
}

// Start launches the reaper; it stops when ctx is done or on Close.
func (d *Deduplicator[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stop = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := d.clock.NewTicker(d.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				d.reap()
			}
		}
	}()
}

// Close stops the reaper and cancels every pending computation.
func (d *Deduplicator[T]) Close() error {
	d.mu.Lock()
	stop := d.stop
	for key, c := range d.pending {
		delete(d.pending, key)
		c.cancel()
		c.finish(*new(T), ErrCancelled)
	}
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	d.wg.Wait()
	return nil
}
