package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFileStore(t *testing.T, clock clockwork.Clock, cfg FileStoreConfig) *FileStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewFileStore(cfg, clock, nil)
	require.NoError(t, err)
	return s
}

func TestTiered_MemoryTierExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	c := New(Config{}, nil, clock, nil)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().MemoryEntries, "expired entry evicted")
}

func TestTiered_DurableTierExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := newFileStore(t, clock, FileStoreConfig{})
	c := New(Config{}, store, clock, nil)

	require.NoError(t, c.Set(ctx, "k", []byte("durable"), time.Minute))
	c.mem.clear()

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("durable"), v)
	assert.Equal(t, int64(1), c.Stats().DurableHits)
	assert.Equal(t, 1, c.Stats().MemoryEntries, "durable hit promoted")

	c.mem.clear()
	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(store.Dir(), hashKey("k")))
	assert.True(t, os.IsNotExist(err), "expired file evicted")
}

func TestTiered_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	c := New(Config{DefaultTTL: 10 * time.Second}, nil, clock, nil)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	clock.Advance(10 * time.Second)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTiered_EvictsLeastImportant(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	c := New(Config{MaxEntries: 2}, nil, clock, nil)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Hour))
	clock.Advance(time.Second)
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Hour))
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok, "b had the fewest hits")
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestTiered_EvictsExpiredFirst(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	c := New(Config{MaxEntries: 2}, nil, clock, nil)

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	_, _ = c.Get(ctx, "short")
	_, _ = c.Get(ctx, "short")
	clock.Advance(2 * time.Second)

	require.NoError(t, c.Set(ctx, "new", []byte("3"), time.Hour))
	_, ok := c.Get(ctx, "long")
	assert.True(t, ok)
}

func TestTiered_MemoryByteLimit(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	c := New(Config{MemoryLimitBytes: 10}, nil, clock, nil)

	require.NoError(t, c.Set(ctx, "a", []byte("123456"), time.Hour))
	require.NoError(t, c.Set(ctx, "b", []byte("123456"), time.Hour))
	st := c.Stats()
	assert.Equal(t, 1, st.MemoryEntries)
	assert.LessOrEqual(t, st.MemoryBytes, int64(10))

	require.NoError(t, c.Set(ctx, "huge", make([]byte, 11), time.Hour))
	_, ok := c.Get(ctx, "huge")
	assert.False(t, ok, "values larger than the tier are not kept in memory")
}

func TestTiered_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := newFileStore(t, clock, FileStoreConfig{})
	c := New(Config{}, store, clock, nil)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))

	require.NoError(t, c.Remove(ctx, "a"))
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx))
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
	assert.Zero(t, store.UsedBytes())
}

func TestTiered_Maintain(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := newFileStore(t, clock, FileStoreConfig{})
	c := New(Config{}, store, clock, nil)

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	clock.Advance(time.Minute)

	n, err := c.Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one memory entry and one file")

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, hashKey("long"), entries[0].Name())
}

func TestTiered_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := New(Config{}, nil, clockwork.NewFakeClockAt(epoch), nil)

	type payload struct {
		Query string   `json:"query"`
		Items []string `json:"items"`
	}
	require.NoError(t, SetJSON(ctx, c, "k", payload{Query: "widget", Items: []string{"a", "b"}}, time.Minute))

	var got payload
	require.True(t, GetJSON(ctx, c, "k", &got))
	assert.Equal(t, payload{Query: "widget", Items: []string{"a", "b"}}, got)

	require.NoError(t, c.Set(ctx, "bad", []byte("{"), time.Minute))
	assert.False(t, GetJSON(ctx, c, "bad", &got))
	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok, "undecodable entry removed")
}

func TestTiered_StartCloseNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := New(Config{MaintenanceInterval: time.Millisecond}, nil, nil, nil)
	c.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Close())
}

func TestFileStore_LayoutAndEnvelope(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := newFileStore(t, clock, FileStoreConfig{})

	exp := epoch.Add(time.Hour)
	require.NoError(t, store.Store(ctx, "search:a/b?c", Entry{Payload: []byte("hello"), ExpiresAt: exp, SizeBytes: 5}))

	data, err := os.ReadFile(filepath.Join(store.Dir(), hashKey("search:a/b?c")))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"payload": "aGVsbG8=",
		"expiresAt": "2026-03-01T13:00:00Z",
		"sizeBytes": 5,
		"encoding": "identity"
	}`, string(data))
}

func TestFileStore_CompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := newFileStore(t, clock, FileStoreConfig{Compress: true})

	payload := []byte(`{"products":[{"name":"Acme Widget 100"},{"name":"Acme Widget 100"}]}`)
	require.NoError(t, store.Store(ctx, "k", Entry{Payload: payload, ExpiresAt: epoch.Add(time.Hour)}))

	e, ok, err := store.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, e.Payload)
	assert.Equal(t, int64(len(payload)), e.SizeBytes)
	assert.True(t, e.ExpiresAt.Equal(epoch.Add(time.Hour)))
}

func TestFileStore_CorruptFileIsRemoved(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	store := newFileStore(t, clock, FileStoreConfig{})

	require.NoError(t, store.Store(ctx, "k", Entry{Payload: []byte("v"), ExpiresAt: epoch.Add(time.Hour)}))
	path := filepath.Join(store.Dir(), hashKey("k"))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, ok, err := store.Load(ctx, "k")
	require.Error(t, err)
	assert.False(t, ok)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	c := New(Config{}, store, clock, nil)
	_, hit := c.Get(ctx, "k")
	assert.False(t, hit, "storage errors are misses")
}

func TestFileStore_ReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	dir := t.TempDir()

	first := newFileStore(t, clock, FileStoreConfig{Dir: dir})
	require.NoError(t, first.Store(ctx, "k", Entry{Payload: []byte("v"), ExpiresAt: epoch.Add(time.Hour)}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempPrefix+"orphan"), []byte("x"), 0o600))

	second := newFileStore(t, clock, FileStoreConfig{Dir: dir})
	e, ok, err := second.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), e.Payload)
	assert.Equal(t, first.UsedBytes(), second.UsedBytes())

	_, err = os.Stat(filepath.Join(dir, tempPrefix+"orphan"))
	assert.True(t, os.IsNotExist(err), "interrupted writes are cleaned up")
}

func TestFileStore_MissSkipsDisk(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t, clockwork.NewFakeClockAt(epoch), FileStoreConfig{})

	// A file written behind the store's back is invisible until indexed.
	exp := epoch.Add(time.Hour)
	data, err := encodeEnvelope(Entry{Payload: []byte("v"), ExpiresAt: exp}, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), hashKey("ghost")), data, 0o600))

	_, ok, err := store.Load(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_LimitRemovesSoonestExpiring(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	sample, err := encodeEnvelope(Entry{Payload: []byte("0123456789"), ExpiresAt: epoch}, false)
	require.NoError(t, err)
	size := int64(len(sample))

	store := newFileStore(t, clock, FileStoreConfig{LimitBytes: 2 * size})
	put := func(key string, ttl time.Duration) {
		require.NoError(t, store.Store(ctx, key, Entry{Payload: []byte("0123456789"), ExpiresAt: epoch.Add(ttl)}))
	}
	put("soon", time.Minute)
	put("later", time.Hour)
	put("latest", 2*time.Hour)

	assert.LessOrEqual(t, store.UsedBytes(), 2*size)
	_, ok, err := store.Load(ctx, "soon")
	require.NoError(t, err)
	assert.False(t, ok)
	for _, k := range []string{"later", "latest"} {
		_, ok, err := store.Load(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok, k)
	}
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	for name, in := range map[string]string{
		"no expiry":        `{"payload":"dg==","sizeBytes":1}`,
		"size mismatch":    `{"payload":"dg==","expiresAt":"2026-03-01T13:00:00Z","sizeBytes":3}`,
		"unknown encoding": `{"payload":"dg==","expiresAt":"2026-03-01T13:00:00Z","sizeBytes":1,"encoding":"lz4"}`,
		"bad time":         `{"payload":"dg==","expiresAt":"tomorrow","sizeBytes":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(in))
			require.Error(t, err)
		})
	}
}
