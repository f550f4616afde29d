package quota

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeUsage struct {
	percent float64
	err     error
}

func (f *fakeUsage) MonthlyUtilizationPercent(context.Context) (float64, error) {
	return f.percent, f.err
}

func newTestGovernor(t *testing.T, cfg Config, store Store, usage UsageSource) (*Governor, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	g, err := New(context.Background(), cfg, store, usage, clock, nil)
	require.NoError(t, err)
	return g, clock
}

func TestGovernor_DailyLimitResetsOnNewDay(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGovernor(t, Config{DailyLimit: 5, ProtectionEnabled: true}, nil, nil)

	for range 5 {
		require.True(t, g.CanMakeRequest(ctx, PurposeSearch))
		require.NoError(t, g.RecordRequest(ctx))
	}
	assert.False(t, g.CanMakeRequest(ctx, PurposeSearch))

	err := g.Check(ctx, PurposeDetails)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "daily", exceeded.Scope)
	assert.Equal(t, 15*time.Hour, exceeded.RetryAfter)

	clock.Advance(14 * time.Hour)
	assert.False(t, g.CanMakeRequest(ctx, PurposeSearch), "still the same day")

	clock.Advance(time.Hour)
	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch))
	st := g.Status(ctx)
	assert.Zero(t, st.DailyCount)
	assert.Equal(t, "2026-03-15", st.LastResetDate)
	assert.Equal(t, 5, st.MonthlyCount, "monthly counter survives the day change")
}

func TestGovernor_HardStopOnMonthlyUtilization(t *testing.T) {
	ctx := context.Background()
	usage := &fakeUsage{percent: 89.9}
	g, _ := newTestGovernor(t, Config{DailyLimit: 100, HardStopPercent: 90, ProtectionEnabled: true}, nil, usage)

	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch))

	usage.percent = 90
	err := g.Check(ctx, PurposeSearch)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "monthly", exceeded.Scope)
	assert.Equal(t, 90.0, g.Status(ctx).MonthlyUtilizationPercent)
}

func TestGovernor_UtilizationFromOwnCounter(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGovernor(t, Config{MonthlyLimit: 10, HardStopPercent: 50, ProtectionEnabled: true}, nil, nil)

	for range 4 {
		require.NoError(t, g.RecordRequest(ctx))
	}
	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch))
	require.NoError(t, g.RecordRequest(ctx))
	assert.False(t, g.CanMakeRequest(ctx, PurposeSearch))
	assert.Equal(t, 50.0, g.Status(ctx).MonthlyUtilizationPercent)

	clock.Advance(18 * 24 * time.Hour)
	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch), "new month")
	assert.Zero(t, g.Status(ctx).MonthlyCount)
}

func TestGovernor_UsageSourceErrorFallsBackToDaily(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Config{DailyLimit: 1, ProtectionEnabled: true}, nil, &fakeUsage{err: errors.New("down")})

	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch))
	require.NoError(t, g.RecordRequest(ctx))
	assert.False(t, g.CanMakeRequest(ctx, PurposeSearch))
}

func TestGovernor_HealthCheckAlwaysDenied(t *testing.T) {
	g, _ := newTestGovernor(t, Config{ProtectionEnabled: false}, nil, nil)
	require.ErrorIs(t, g.Check(context.Background(), PurposeHealthCheck), ErrPurposeDenied)
}

func TestGovernor_FallbackModeDeniesEverything(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Config{DailyLimit: 100, ProtectionEnabled: true}, nil, nil)

	require.NoError(t, g.SetFallbackMode(ctx, true))
	require.ErrorIs(t, g.Check(ctx, PurposeSearch), ErrFallbackMode)
	require.ErrorIs(t, g.Check(ctx, PurposeDetails), ErrFallbackMode)
	assert.True(t, g.Status(ctx).FallbackModeEnabled)

	require.NoError(t, g.SetFallbackMode(ctx, false))
	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch))
}

func TestGovernor_ReserveIsAtomic(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Config{DailyLimit: 3, ProtectionEnabled: true}, nil, nil)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Reserve(ctx, PurposeSearch) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, granted.Load())
	assert.Equal(t, 3, g.Status(ctx).DailyCount)
	assert.ErrorIs(t, g.Reserve(ctx, PurposeDetails), ErrQuotaExceeded)
	assert.ErrorIs(t, g.Reserve(ctx, PurposeHealthCheck), ErrPurposeDenied)
}

func TestGovernor_ReleaseReturnsReservation(t *testing.T) {
	ctx := context.Background()
	g, clock := newTestGovernor(t, Config{DailyLimit: 1, ProtectionEnabled: true}, nil, nil)

	require.NoError(t, g.Reserve(ctx, PurposeSearch))
	require.ErrorIs(t, g.Reserve(ctx, PurposeSearch), ErrQuotaExceeded)
	g.Release(ctx)
	st := g.Status(ctx)
	assert.Zero(t, st.DailyCount)
	assert.Zero(t, st.MonthlyCount)
	require.NoError(t, g.Reserve(ctx, PurposeSearch))

	// Releases never push the counters below zero.
	clock.Advance(24 * time.Hour)
	require.NoError(t, g.Reserve(ctx, PurposeSearch))
	g.Release(ctx)
	g.Release(ctx)
	assert.Zero(t, g.Status(ctx).DailyCount)
}

func TestGovernor_ReserveRespectsFallbackMode(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Config{DailyLimit: 10, ProtectionEnabled: true}, nil, nil)
	require.NoError(t, g.SetFallbackMode(ctx, true))
	require.ErrorIs(t, g.Reserve(ctx, PurposeSearch), ErrFallbackMode)
	assert.Zero(t, g.Status(ctx).DailyCount)
}

func TestGovernor_ProtectionDisabled(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGovernor(t, Config{DailyLimit: 1, ProtectionEnabled: false}, nil, nil)
	require.NoError(t, g.RecordRequest(ctx))
	require.NoError(t, g.RecordRequest(ctx))
	assert.True(t, g.CanMakeRequest(ctx, PurposeSearch))
}

func TestGovernor_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := &FileStore{Path: filepath.Join(t.TempDir(), "state", "quota.json")}
	cfg := Config{DailyLimit: 3, ProtectionEnabled: true}

	first, clock := newTestGovernor(t, cfg, store, nil)
	for range 3 {
		require.NoError(t, first.RecordRequest(ctx))
	}
	require.NoError(t, first.SetFallbackMode(ctx, true))

	second, err := New(ctx, cfg, store, nil, clock, nil)
	require.NoError(t, err)
	st := second.Status(ctx)
	assert.Equal(t, 3, st.DailyCount)
	assert.True(t, st.FallbackModeEnabled)

	require.NoError(t, second.SetFallbackMode(ctx, false))
	assert.False(t, second.CanMakeRequest(ctx, PurposeSearch), "restart does not reset the daily budget")

	clock.Advance(24 * time.Hour)
	third, err := New(ctx, cfg, store, nil, clock, nil)
	require.NoError(t, err)
	assert.True(t, third.CanMakeRequest(ctx, PurposeSearch))
}

func TestFileStore_MissingFile(t *testing.T) {
	store := &FileStore{Path: filepath.Join(t.TempDir(), "absent.json")}
	_, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
