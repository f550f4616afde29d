package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestDedup(t *testing.T) (*Deduplicator[string], *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	d := New[string](Config{MaxJoinWindow: 5 * time.Minute, ReapInterval: time.Minute}, clock, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d, clock
}

func TestDeduplicator_ConcurrentCallersShareOneExecution(t *testing.T) {
	d, _ := newTestDedup(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	const n = 10
	var (
		wg      sync.WaitGroup
		results [n]string
		shared  atomic.Int32
	)
	started := make(chan struct{}, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			v, s, err := d.Do(context.Background(), "k", fn)
			assert.NoError(t, err)
			results[i] = v
			if s {
				shared.Add(1)
			}
		}()
	}
	for range n {
		<-started
	}
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		c, ok := d.pending["k"]
		return ok && c.waiters == n
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(n-1), shared.Load())
	for _, r := range results {
		assert.Equal(t, "result", r)
	}
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestDeduplicator_ErrorIsSharedByAllWaiters(t *testing.T) {
	d, _ := newTestDedup(t)
	boom := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = d.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
				<-release
				return "", boom
			})
		}()
	}
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		c, ok := d.pending["k"]
		return ok && c.waiters == 3
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, boom)
	}
}

func TestDeduplicator_SequentialCallsStartFresh(t *testing.T) {
	d, _ := newTestDedup(t)
	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	_, shared, err := d.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.False(t, shared)
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)

	_, shared, err = d.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeduplicator_ExpiredEntryIsNotJoined(t *testing.T) {
	d, clock := newTestDedup(t)

	firstCtx := make(chan context.Context, 1)
	firstDone := make(chan error, 1)
	go func() {
		_, _, err := d.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
			firstCtx <- ctx
			<-ctx.Done()
			return "", ctx.Err()
		})
		firstDone <- err
	}()
	stale := <-firstCtx

	clock.Advance(5 * time.Minute)

	v, shared, err := d.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, "fresh", v)

	require.ErrorIs(t, <-firstDone, ErrJoinWindowExpired)
	assert.ErrorIs(t, stale.Err(), context.Canceled, "stale computation was cancelled")
}

func TestDeduplicator_ReaperCancelsLeakedComputation(t *testing.T) {
	d, clock := newTestDedup(t)

	done := make(chan error, 1)
	go func() {
		_, _, err := d.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	clock.Advance(4 * time.Minute)
	assert.Zero(t, d.reap())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, d.reap())
	require.ErrorIs(t, <-done, ErrJoinWindowExpired)
	assert.Zero(t, d.Pending())
}

func TestDeduplicator_CancelReachesAllWaiters(t *testing.T) {
	d, _ := newTestDedup(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = d.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			})
		}()
	}
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		c, ok := d.pending["k"]
		return ok && c.waiters == 2
	}, time.Second, time.Millisecond)

	require.True(t, d.Cancel("k"))
	wg.Wait()
	for _, err := range errs {
		require.ErrorIs(t, err, ErrCancelled)
	}
}

func TestDeduplicator_LastWaiterLeavingCancelsComputation(t *testing.T) {
	d, _ := newTestDedup(t)

	ctx, cancel := context.WithCancel(context.Background())
	runCtx := make(chan context.Context, 1)
	done := make(chan error, 1)
	go func() {
		_, _, err := d.Do(ctx, "k", func(ctx context.Context) (string, error) {
			runCtx <- ctx
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()
	inner := <-runCtx

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-inner.Done():
	case <-time.After(time.Second):
		t.Fatal("computation not cancelled after its only waiter left")
	}
}

func TestDeduplicator_OneWaiterLeavingKeepsComputation(t *testing.T) {
	d, _ := newTestDedup(t)
	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaver := make(chan error, 1)
	go func() {
		_, _, err := d.Do(ctx, "k", fn)
		leaver <- err
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	stayer := make(chan string, 1)
	go func() {
		v, _, _ := d.Do(context.Background(), "k", fn)
		stayer <- v
	}()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.pending["k"].waiters == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaver, context.Canceled)
	close(release)
	assert.Equal(t, "ok", <-stayer)
}

func TestDeduplicator_PanicBecomesError(t *testing.T) {
	d, _ := newTestDedup(t)
	_, _, err := d.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestDeduplicator_StartCloseNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := New[string](DefaultConfig(), nil, nil)
	d.Start(context.Background())
	require.NoError(t, d.Close())
}

func TestSignature_KeyIsOrderIndependent(t *testing.T) {
	a := Signature{
		Kind:     "search",
		Query:    "  Acme   Widget ",
		Backends: []string{"globex", "acme"},
		Shaping:  [][2]string{{"sort", "rating"}, {"filter", "brand:acme"}},
	}
	b := Signature{
		Kind:     "search",
		Query:    "acme widget",
		Backends: []string{"acme", "globex"},
		Shaping:  [][2]string{{"filter", "brand:acme"}, {"sort", "rating"}},
	}
	assert.Equal(t, a.Key(), b.Key())
	assert.Len(t, a.Key(), 64)

	c := b
	c.Backends = []string{"acme"}
	assert.NotEqual(t, b.Key(), c.Key())

	d := b
	d.Shaping = [][2]string{{"sort", "price"}}
	assert.NotEqual(t, b.Key(), d.Key())
}
