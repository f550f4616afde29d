package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis durable tier.
type RedisConfig struct {
	URL      string
	DB       int
	Prefix   string
	Compress bool
}

// RedisStore keeps envelopes in Redis under Prefix + hex(sha256(key)),
// relying on native key expiry.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
	clock  clockwork.Clock
	lg     *zap.Logger
}

var _ Durable = (*RedisStore)(nil)

// NewRedisClient parses url, selects db and verifies the connection.
func NewRedisClient(ctx context.Context, url string, db int) (*redis.Client, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.DB = db

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return client, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, cfg RedisConfig, clock clockwork.Clock, lg *zap.Logger) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "priceagg:cache:"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		clock:  clock,
		lg:     lg.Named("redis"),
	}
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) key(key string) string {
	return r.cfg.Prefix + hashKey(key)
}

func (r *RedisStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "redis get")
	}
	e, err := decodeEnvelope(data)
	if err != nil {
		_ = r.client.Del(ctx, r.key(key)).Err()
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *RedisStore) Store(ctx context.Context, key string, e Entry) error {
	ttl := e.ExpiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return r.Delete(ctx, key)
	}
	data, err := encodeEnvelope(e, r.cfg.Compress)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

// Clear deletes every key under the prefix. Unlike FLUSHDB it leaves other
// data in the same database alone.
func (r *RedisStore) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.cfg.Prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return errors.Wrap(err, "redis del")
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "redis scan")
	}
	return flush()
}

// Sweep is a no-op: Redis expires keys itself.
func (r *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func (r *RedisStore) Close() error {
	return r.client.Close()
}
