package quota

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// FileStore keeps State as a JSON document, replaced atomically on save.
type FileStore struct {
	Path string
}

var _ Store = (*FileStore)(nil)

func (s *FileStore) Load(ctx context.Context) (State, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, errors.Wrap(err, "read quota file")
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, errors.Wrap(err, "decode quota file")
	}
	return st, true, nil
}

func (s *FileStore) Save(ctx context.Context, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode quota state")
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create quota dir")
	}
	tmp, err := os.CreateTemp(dir, ".quota-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "replace quota file")
	}
	return nil
}

// RedisStore persists one instance's State as JSON under a single key. Save
// overwrites the whole value, so instances pointed at the same key replace
// each other's counts rather than share a budget; give each instance its own
// key.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key() string {
	if s.Key == "" {
		return "priceagg:quota"
	}
	return s.Key
}

func (s *RedisStore) Load(ctx context.Context) (State, bool, error) {
	data, err := s.Client.Get(ctx, s.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, errors.Wrap(err, "redis get")
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, errors.Wrap(err, "decode quota state")
	}
	return st, true, nil
}

func (s *RedisStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode quota state")
	}
	if err := s.Client.Set(ctx, s.key(), data, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}
