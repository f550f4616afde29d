package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, svc ServiceConfig, queue int) (*Limiter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	l := New(Config{
		Default:         svc,
		MaxQueueSize:    queue,
		QueueTimeout:    time.Minute,
		PumpInterval:    100 * time.Millisecond,
		CleanupInterval: time.Hour,
	}, clock, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestLimiter_AdmitsUpToPerSecondCap(t *testing.T) {
	l, _ := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 2}, 10)

	for range 2 {
		tk, err := l.TryAdmit("acme", PriorityNormal)
		require.NoError(t, err)
		assert.True(t, tk.Admitted())
	}

	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	assert.False(t, tk.Admitted())

	st, err := l.Status("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, st.LastSecond)
	assert.Equal(t, 1, st.Queued)
}

func TestLimiter_QueueFull(t *testing.T) {
	l, _ := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1}, 1)

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	_, err = l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)

	_, err = l.TryAdmit("acme", PriorityNormal)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestLimiter_ConcurrentBurstThenPriorityFIFORelease(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 2}, 10)

	var (
		mu       sync.Mutex
		admitted int
		queued   int
		wg       sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := l.TryAdmit("acme", PriorityNormal)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if tk.Admitted() {
				admitted++
			} else {
				queued++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, admitted)
	require.Equal(t, 3, queued)

	// Add a low and a high priority waiter behind the three normal ones.
	low, err := l.TryAdmit("acme", PriorityLow)
	require.NoError(t, err)
	high, err := l.TryAdmit("acme", PriorityHigh)
	require.NoError(t, err)

	st := l.services["acme"]
	st.mu.Lock()
	normal := append([]*waiter(nil), st.queue[PriorityNormal]...)
	st.mu.Unlock()
	require.Len(t, normal, 3)

	released := func() []*waiter {
		var out []*waiter
		for _, w := range append([]*waiter{high.w}, append(normal, low.w)...) {
			select {
			case err := <-w.result:
				require.NoError(t, err)
				out = append(out, w)
			default:
			}
		}
		return out
	}

	clock.Advance(time.Second)
	l.pump()
	assert.Equal(t, []*waiter{high.w, normal[0]}, released(), "high priority first, then oldest normal")

	clock.Advance(time.Second)
	l.pump()
	assert.Equal(t, []*waiter{normal[1], normal[2]}, released())

	clock.Advance(time.Second)
	l.pump()
	assert.Equal(t, []*waiter{low.w}, released(), "low priority last")
}

func TestLimiter_FIFOWithinPriority(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1}, 10)

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	first, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	second, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)

	clock.Advance(time.Second)
	l.pump()

	require.NoError(t, first.Wait(context.Background()))
	select {
	case <-second.w.result:
		t.Fatal("second waiter released before capacity freed")
	default:
	}
}

func TestLimiter_NewArrivalsDoNotJumpQueue(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1}, 10)

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	queued, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	require.False(t, queued.Admitted())

	clock.Advance(time.Second)
	late, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	assert.False(t, late.Admitted())
	require.NoError(t, queued.Wait(context.Background()))
}

func TestLimiter_AllWindowsMustHaveCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{
		RequestsPerSecond: 10,
		RequestsPerMinute: 3,
	}, 0)

	for range 3 {
		tk, err := l.TryAdmit("acme", PriorityNormal)
		require.NoError(t, err)
		require.True(t, tk.Admitted())
		clock.Advance(2 * time.Second)
	}

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.ErrorIs(t, err, ErrQueueFull, "minute window is full even though second window is empty")

	clock.Advance(time.Minute)
	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	assert.True(t, tk.Admitted())
}

func TestLimiter_ServicesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1}, 0)

	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	require.True(t, tk.Admitted())

	tk, err = l.TryAdmit("globex", PriorityNormal)
	require.NoError(t, err)
	assert.True(t, tk.Admitted())

	assert.Equal(t, []string{"acme", "globex"}, l.Services())
}

func TestLimiter_PerServiceConfig(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	l := New(Config{
		Default:  ServiceConfig{RequestsPerSecond: 1},
		Services: map[string]ServiceConfig{"bulk": {RequestsPerSecond: 3}},
	}, clock, nil)
	defer func() { _ = l.Close() }()

	for range 3 {
		tk, err := l.TryAdmit("bulk", PriorityNormal)
		require.NoError(t, err)
		require.True(t, tk.Admitted())
	}
	st, err := l.Status("bulk")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Config.RequestsPerSecond)
}

func TestLimiter_ReaperTimesOutQueuedRequests(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1, RequestsPerMinute: 1}, 10)

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	l.reap()
	select {
	case <-tk.w.result:
		t.Fatal("reaped too early")
	default:
	}

	clock.Advance(30 * time.Second)
	l.reap()
	require.ErrorIs(t, tk.Wait(context.Background()), ErrRequestTimeout)

	st, err := l.Status("acme")
	require.NoError(t, err)
	assert.Zero(t, st.Queued)
}

func TestLimiter_BurstLimitCapsReleasesPerTick(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 5, BurstLimit: 1}, 10)

	for range 5 {
		_, err := l.TryAdmit("acme", PriorityNormal)
		require.NoError(t, err)
	}
	for range 3 {
		_, err := l.TryAdmit("acme", PriorityNormal)
		require.NoError(t, err)
	}

	clock.Advance(time.Second)
	l.pump()
	st, err := l.Status("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Queued)
}

func TestLimiter_ArrivalsShareTickBurst(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 5, BurstLimit: 1}, 10)

	for range 8 {
		_, err := l.TryAdmit("acme", PriorityNormal)
		require.NoError(t, err)
	}

	clock.Advance(time.Second)
	l.pump()
	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	assert.False(t, tk.Admitted())

	st, err := l.Status("acme")
	require.NoError(t, err)
	assert.Equal(t, 1, st.LastSecond, "one release per tick, arrivals included")
	assert.Equal(t, 3, st.Queued)

	l.pump()
	st, err = l.Status("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, st.LastSecond)
}

func TestLimiter_CancelAfterAdmissionReturnsSlot(t *testing.T) {
	l, clock := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1}, 10)

	// Wait picks between an admission and a cancellation that are both ready,
	// so repeat until each outcome has been seen.
	var sawCancel, sawAdmit bool
	for i := 0; i < 200 && !(sawCancel && sawAdmit); i++ {
		svc := fmt.Sprintf("svc-%d", i)
		_, err := l.TryAdmit(svc, PriorityNormal)
		require.NoError(t, err)
		tk, err := l.TryAdmit(svc, PriorityNormal)
		require.NoError(t, err)
		require.False(t, tk.Admitted())

		clock.Advance(time.Second)
		l.pump()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = tk.Wait(ctx)

		st, serr := l.Status(svc)
		require.NoError(t, serr)
		if err == nil {
			sawAdmit = true
			assert.Equal(t, 1, st.LastSecond)
			continue
		}
		require.ErrorIs(t, err, context.Canceled)
		sawCancel = true
		assert.Zero(t, st.LastSecond, "the abandoned slot is handed back")
	}
	assert.True(t, sawCancel)
}

func TestLimiter_WaitCancelledLeavesQueue(t *testing.T) {
	l, _ := newTestLimiter(t, ServiceConfig{RequestsPerSecond: 1}, 10)

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.Acquire(ctx, "acme", PriorityNormal)
	require.ErrorIs(t, err, context.Canceled)

	st, err := l.Status("acme")
	require.NoError(t, err)
	assert.Zero(t, st.Queued)
}

func TestLimiter_CloseFailsWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClockAt(epoch)
	l := New(Config{Default: ServiceConfig{RequestsPerSecond: 1}, MaxQueueSize: 5}, clock, nil)
	l.Start(context.Background())

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.ErrorIs(t, tk.Wait(context.Background()), ErrClosed)

	_, err = l.TryAdmit("acme", PriorityNormal)
	require.ErrorIs(t, err, ErrClosed)
}

func TestLimiter_BackgroundPumpReleasesWaiter(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClockAt(epoch)
	l := New(Config{
		Default:         ServiceConfig{RequestsPerSecond: 1},
		MaxQueueSize:    5,
		PumpInterval:    time.Second,
		CleanupInterval: time.Hour,
	}, clock, nil)
	l.Start(context.Background())
	defer func() { _ = l.Close() }()

	_, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)
	tk, err := l.TryAdmit("acme", PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tk.Wait(ctx) }()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-time.After(10 * time.Millisecond):
			clock.Advance(time.Second)
		}
	}
}

// Randomized burst schedules never exceed any window's cap.
func TestLimiter_NeverExceedsAnyWindow(t *testing.T) {
	cfg := ServiceConfig{RequestsPerSecond: 4, RequestsPerMinute: 30, RequestsPerHour: 120}
	caps := []struct {
		d   time.Duration
		max int
	}{
		{time.Second, cfg.RequestsPerSecond},
		{time.Minute, cfg.RequestsPerMinute},
		{time.Hour, cfg.RequestsPerHour},
	}

	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		l, clock := newTestLimiter(t, cfg, 0)

		var admitted []time.Time
		for range 2000 {
			burst := rng.Intn(8)
			for range burst {
				tk, err := l.TryAdmit("acme", PriorityNormal)
				if err == nil && tk.Admitted() {
					admitted = append(admitted, clock.Now())
				}
			}
			clock.Advance(time.Duration(rng.Intn(4000)) * time.Millisecond)
		}
		require.NotEmpty(t, admitted)

		for _, c := range caps {
			start := 0
			for end, ts := range admitted {
				for !admitted[start].After(ts.Add(-c.d)) {
					start++
				}
				require.LessOrEqual(t, end-start+1, c.max,
					"seed %d: window %s exceeded at %s", seed, c.d, ts)
			}
		}
	}
}
