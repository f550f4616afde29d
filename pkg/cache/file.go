package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tempPrefix    = ".tmp-"
	bloomFPR      = 0.01
	defaultBloomN = 100_000
)

// FileStoreConfig configures the on-disk durable tier.
type FileStoreConfig struct {
	Dir string
	// LimitBytes bounds the total size of cache files; 0 disables the bound.
	LimitBytes int64
	// Compress gzips payloads before writing.
	Compress bool
	// ExpectedEntries sizes the negative-lookup bloom filter.
	ExpectedEntries uint
}

// FileStore keeps one file per key under Dir. The file name is the hex
// SHA-256 of the key and the content is a JSON envelope.
type FileStore struct {
	cfg   FileStoreConfig
	clock clockwork.Clock
	lg    *zap.Logger

	filterMu sync.Mutex
	filter   *bloom.BloomFilter

	loads singleflight.Group

	// writeMu serializes mutations so size accounting stays consistent.
	writeMu sync.Mutex
	used    atomic.Int64
}

var _ Durable = (*FileStore)(nil)

// NewFileStore opens (creating if needed) the cache directory and indexes
// the files already present.
func NewFileStore(cfg FileStoreConfig, clock clockwork.Clock, lg *zap.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if cfg.ExpectedEntries == 0 {
		cfg.ExpectedEntries = defaultBloomN
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create cache dir %s", cfg.Dir)
	}

	s := &FileStore{
		cfg:    cfg,
		clock:  clock,
		lg:     lg.Named("file"),
		filter: bloom.NewWithEstimates(cfg.ExpectedEntries, bloomFPR),
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) index() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return errors.Wrapf(err, "read cache dir %s", s.cfg.Dir)
	}
	var total int64
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if len(name) > len(tempPrefix) && name[:len(tempPrefix)] == tempPrefix {
			// Leftover of an interrupted write.
			_ = os.Remove(filepath.Join(s.cfg.Dir, name))
			continue
		}
		if !isHashName(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		s.filter.AddString(name)
		total += info.Size()
	}
	s.used.Store(total)
	s.lg.Debug("Indexed cache dir",
		zap.String("dir", s.cfg.Dir),
		zap.Int64("bytes", total),
	)
	return nil
}

func (s *FileStore) Name() string { return "file" }

// Dir returns the cache directory.
func (s *FileStore) Dir() string { return s.cfg.Dir }

// UsedBytes returns the tracked size of all cache files.
func (s *FileStore) UsedBytes() int64 { return s.used.Load() }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.cfg.Dir, name)
}

func (s *FileStore) mayContain(name string) bool {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	return s.filter.TestString(name)
}

func (s *FileStore) remember(name string) {
	s.filterMu.Lock()
	s.filter.AddString(name)
	s.filterMu.Unlock()
}

// Load reads the entry for key. Expiry is not checked here.
func (s *FileStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	name := hashKey(key)
	if !s.mayContain(name) {
		return Entry{}, false, nil
	}
	v, err, _ := s.loads.Do(name, func() (any, error) {
		data, err := os.ReadFile(s.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read cache file")
		}
		e, err := decodeEnvelope(data)
		if err != nil {
			s.removeFile(name)
			return nil, errors.Wrapf(err, "corrupt cache file %s", name)
		}
		return &e, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if v == nil {
		return Entry{}, false, nil
	}
	return *v.(*Entry), true, nil
}

// Store writes the entry through a temporary file and an atomic rename, so a
// crash never leaves a partially written entry under the final name.
func (s *FileStore) Store(ctx context.Context, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEnvelope(e, s.cfg.Compress)
	if err != nil {
		return err
	}
	name := hashKey(key)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tmp, err := os.CreateTemp(s.cfg.Dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}

	var prev int64
	if info, err := os.Stat(s.path(name)); err == nil {
		prev = info.Size()
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "rename cache file")
	}
	s.used.Add(int64(len(data)) - prev)
	s.remember(name)

	if s.cfg.LimitBytes > 0 && s.used.Load() > s.cfg.LimitBytes {
		if _, err := s.sweepLocked(ctx, s.clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.removeFile(hashKey(key))
	return nil
}

// removeFile deletes a cache file and updates size accounting.
func (s *FileStore) removeFile(name string) {
	p := s.path(name)
	info, err := os.Stat(p)
	if err != nil {
		return
	}
	if err := os.Remove(p); err != nil {
		s.lg.Warn("Remove cache file", zap.String("file", name), zap.Error(err))
		return
	}
	s.used.Add(-info.Size())
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return errors.Wrap(err, "read cache dir")
	}
	for _, de := range entries {
		if de.IsDir() || !isHashName(de.Name()) {
			continue
		}
		if err := os.Remove(s.path(de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(err, "remove cache file")
		}
	}
	s.used.Store(0)
	s.filterMu.Lock()
	s.filter.ClearAll()
	s.filterMu.Unlock()
	return nil
}

// Sweep removes expired and unreadable files, then, if the directory is still
// over LimitBytes, removes the entries closest to expiry until it fits.
func (s *FileStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sweepLocked(ctx, now)
}

type fileMeta struct {
	name      string
	size      int64
	expiresAt time.Time
}

func (s *FileStore) sweepLocked(ctx context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, errors.Wrap(err, "read cache dir")
	}

	var (
		removed int
		live    []fileMeta
		total   int64
	)
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := de.Name()
		if de.IsDir() || !isHashName(name) {
			continue
		}
		data, err := os.ReadFile(s.path(name))
		if err != nil {
			continue
		}
		e, err := decodeEnvelope(data)
		if err != nil || e.expired(now) {
			if rmErr := os.Remove(s.path(name)); rmErr == nil {
				removed++
			}
			continue
		}
		live = append(live, fileMeta{name: name, size: int64(len(data)), expiresAt: e.ExpiresAt})
		total += int64(len(data))
	}

	if s.cfg.LimitBytes > 0 && total > s.cfg.LimitBytes {
		sort.Slice(live, func(i, j int) bool { return live[i].expiresAt.Before(live[j].expiresAt) })
		for _, m := range live {
			if total <= s.cfg.LimitBytes {
				break
			}
			if err := os.Remove(s.path(m.name)); err != nil {
				continue
			}
			total -= m.size
			removed++
		}
	}
	s.used.Store(total)

	if removed > 0 {
		s.lg.Debug("Swept cache dir", zap.Int("removed", removed), zap.Int64("bytes", total))
	}
	return removed, nil
}

func (s *FileStore) Close() error { return nil }

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func isHashName(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
