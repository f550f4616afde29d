// Package quota enforces the daily and monthly upstream call budget,
// independently of the short-term rate limiter.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Purpose tags why a live call is wanted.
type Purpose string

const (
	PurposeSearch      Purpose = "search"
	PurposeDetails     Purpose = "details"
	PurposeHealthCheck Purpose = "health_check"
)

var (
	// ErrQuotaExceeded matches every *ExceededError.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrFallbackMode is returned while fallback mode forces cache-only operation.
	ErrFallbackMode = errors.New("fallback mode active: serving cached results only")
	// ErrPurposeDenied is returned for purposes that never spend budget.
	ErrPurposeDenied = errors.New("purpose not allowed to consume quota")
)

// ExceededError reports which budget ran out and when it frees up.
type ExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// State is the persisted governor state.
type State struct {
	DailyCount                int     `json:"daily_count"`
	DailyLimit                int     `json:"daily_limit"`
	LastResetDate             string  `json:"last_reset_date"`
	MonthlyCount              int     `json:"monthly_count"`
	MonthlyLimit              int     `json:"monthly_limit"`
	LastResetMonth            string  `json:"last_reset_month"`
	MonthlyUtilizationPercent float64 `json:"monthly_utilization_percent"`
	ProtectionEnabled         bool    `json:"protection_enabled"`
	FallbackModeEnabled       bool    `json:"fallback_mode_enabled"`
}

// Store persists State across restarts.
type Store interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, s State) error
}

// UsageSource reports cumulative monthly utilization tracked elsewhere.
type UsageSource interface {
	MonthlyUtilizationPercent(ctx context.Context) (float64, error)
}

type Config struct {
	DailyLimit   int
	MonthlyLimit int
	// HardStopPercent of monthly utilization at which all live calls stop.
	HardStopPercent   float64
	ProtectionEnabled bool
	FallbackMode      bool
	// Location decides where the calendar day rolls over.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		DailyLimit:        100,
		MonthlyLimit:      3000,
		HardStopPercent:   90,
		ProtectionEnabled: true,
		Location:          time.UTC,
	}
}

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

type Governor struct {
	cfg   Config
	store Store
	usage UsageSource
	clock clockwork.Clock
	lg    *zap.Logger

	mu    sync.Mutex
	state State
}

// New loads persisted state from store. store may be nil for an in-memory
// governor; usage may be nil to derive utilization from the governor's own
// monthly counter.
func New(ctx context.Context, cfg Config, store Store, usage UsageSource, clock clockwork.Clock, lg *zap.Logger) (*Governor, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.HardStopPercent <= 0 {
		cfg.HardStopPercent = DefaultConfig().HardStopPercent
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	g := &Governor{
		cfg:   cfg,
		store: store,
		usage: usage,
		clock: clock,
		lg:    lg.Named("quota"),
	}

	now := clock.Now().In(cfg.Location)
	g.state = State{
		LastResetDate:       now.Format(dateLayout),
		LastResetMonth:      now.Format(monthLayout),
		FallbackModeEnabled: cfg.FallbackMode,
	}
	if store != nil {
		st, ok, err := store.Load(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load quota state")
		}
		if ok {
			g.state = st
			if cfg.FallbackMode {
				g.state.FallbackModeEnabled = true
			}
		}
	}
	// Limits always come from configuration.
	g.state.DailyLimit = cfg.DailyLimit
	g.state.MonthlyLimit = cfg.MonthlyLimit
	g.state.ProtectionEnabled = cfg.ProtectionEnabled

	g.mu.Lock()
	g.rolloverLocked(ctx)
	g.mu.Unlock()

	g.lg.Info("Quota governor ready",
		zap.Int("daily_count", g.state.DailyCount),
		zap.Int("daily_limit", g.state.DailyLimit),
		zap.Int("monthly_count", g.state.MonthlyCount),
		zap.Bool("fallback_mode", g.state.FallbackModeEnabled),
	)
	return g, nil
}

// rolloverLocked resets counters when the calendar day or month has changed
// since the last reset.
func (g *Governor) rolloverLocked(ctx context.Context) {
	now := g.clock.Now().In(g.cfg.Location)
	today, month := now.Format(dateLayout), now.Format(monthLayout)
	changed := false
	if g.state.LastResetDate != today {
		g.state.DailyCount = 0
		g.state.LastResetDate = today
		changed = true
	}
	if g.state.LastResetMonth != month {
		g.state.MonthlyCount = 0
		g.state.LastResetMonth = month
		changed = true
	}
	if changed {
		g.lg.Info("Quota counters reset", zap.String("date", today))
		g.saveLocked(ctx)
	}
}

func (g *Governor) saveLocked(ctx context.Context) {
	if g.store == nil {
		return
	}
	if err := g.store.Save(ctx, g.state); err != nil {
		g.lg.Warn("Persist quota state failed", zap.Error(err))
	}
}

// Check returns nil when a live call for purpose may proceed, or the reason
// it may not. It reserves nothing; use Reserve before each upstream call.
func (g *Governor) Check(ctx context.Context, purpose Purpose) error {
	if purpose == PurposeHealthCheck {
		return ErrPurposeDenied
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	return g.checkLocked(ctx)
}

func (g *Governor) checkLocked(ctx context.Context) error {
	st := g.state
	if st.FallbackModeEnabled {
		return ErrFallbackMode
	}
	if !st.ProtectionEnabled {
		return nil
	}

	now := g.clock.Now().In(g.cfg.Location)
	if st.DailyLimit > 0 && st.DailyCount >= st.DailyLimit {
		return &ExceededError{Scope: "daily", RetryAfter: untilNextDay(now)}
	}
	util, err := g.utilization(ctx, st)
	if err != nil {
		// Without a utilization figure only the daily budget applies.
		g.lg.Warn("Monthly utilization unavailable", zap.Error(err))
		return nil
	}
	if util >= g.cfg.HardStopPercent {
		return &ExceededError{Scope: "monthly", RetryAfter: untilNextMonth(now)}
	}
	return nil
}

// CanMakeRequest reports whether Check would allow purpose.
func (g *Governor) CanMakeRequest(ctx context.Context, purpose Purpose) bool {
	return g.Check(ctx, purpose) == nil
}

// Reserve checks the budget and, when a call for purpose may proceed, counts
// it in the same critical section. Concurrent callers can never overrun the
// daily limit. A reservation whose call never reaches upstream is returned
// with Release.
func (g *Governor) Reserve(ctx context.Context, purpose Purpose) error {
	if purpose == PurposeHealthCheck {
		return ErrPurposeDenied
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	if err := g.checkLocked(ctx); err != nil {
		return err
	}
	g.state.DailyCount++
	g.state.MonthlyCount++
	g.saveLocked(ctx)
	return nil
}

// Release returns one reservation made earlier today. Reservations from a
// period that has since rolled over are already gone.
func (g *Governor) Release(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	if g.state.DailyCount > 0 {
		g.state.DailyCount--
	}
	if g.state.MonthlyCount > 0 {
		g.state.MonthlyCount--
	}
	g.saveLocked(ctx)
}

// RecordRequest counts one live upstream call made without a reservation.
func (g *Governor) RecordRequest(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)
	g.state.DailyCount++
	g.state.MonthlyCount++
	if g.store == nil {
		return nil
	}
	if err := g.store.Save(ctx, g.state); err != nil {
		return errors.Wrap(err, "save quota state")
	}
	return nil
}

// Status returns the current state with utilization filled in.
func (g *Governor) Status(ctx context.Context) State {
	g.mu.Lock()
	g.rolloverLocked(ctx)
	st := g.state
	g.mu.Unlock()

	util, err := g.utilization(ctx, st)
	if err != nil {
		g.lg.Warn("Monthly utilization unavailable", zap.Error(err))
	}
	st.MonthlyUtilizationPercent = util
	return st
}

// SetFallbackMode toggles cache-only operation and persists the flag.
func (g *Governor) SetFallbackMode(ctx context.Context, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.FallbackModeEnabled = enabled
	g.lg.Info("Fallback mode changed", zap.Bool("enabled", enabled))
	if g.store == nil {
		return nil
	}
	if err := g.store.Save(ctx, g.state); err != nil {
		return errors.Wrap(err, "save quota state")
	}
	return nil
}

func (g *Governor) utilization(ctx context.Context, st State) (float64, error) {
	if g.usage != nil {
		return g.usage.MonthlyUtilizationPercent(ctx)
	}
	if st.MonthlyLimit <= 0 {
		return 0, nil
	}
	return float64(st.MonthlyCount) / float64(st.MonthlyLimit) * 100, nil
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Sub(now)
}

func untilNextMonth(now time.Time) time.Duration {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location()).Sub(now)
}
