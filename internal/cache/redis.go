package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/ignite/internal/logging"
	"go.uber.org/zap"
)

func init() {
	gob.Register(http.Header{})
}

// scanBatch is the SCAN count and the DEL batch size.
const scanBatch = 100

// RedisStore shares cached responses between gateway instances. Redis
// failures are logged and read as misses; they never fail a request.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
}

// NewRedisStore stores entries under prefix, e.g. "ignite:cache:".
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, opTimeout: 100 * time.Millisecond}
}

func (s *RedisStore) ctx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func (s *RedisStore) Get(key string) (*Entry, bool) {
	ctx, cancel := s.ctx(s.opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false
	case err != nil:
		logging.Warn("Response cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		logging.Warn("Response cache entry undecodable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &e, true
}

func (s *RedisStore) Set(key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	e := *entry
	e.ExpiresAt = time.Now().Add(ttl)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		logging.Warn("Response cache entry unencodable", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := s.ctx(s.opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("Response cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := s.ctx(s.opTimeout)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logging.Warn("Response cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *RedisStore) DeleteByPrefix(prefix string) {
	s.scan(s.prefix+prefix, func(ctx context.Context, keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisStore) Purge() {
	s.DeleteByPrefix("")
}

// Stats counts the keys under the store prefix. MaxSize and Evictions are
// not tracked for Redis.
func (s *RedisStore) Stats() StoreStats {
	var n int
	if err := s.scan(s.prefix, func(_ context.Context, keys []string) error {
		n += len(keys)
		return nil
	}); err != nil {
		return StoreStats{}
	}
	return StoreStats{Size: n}
}

// scan hands the keys matching pattern* to fn in batches.
func (s *RedisStore) scan(pattern string, fn func(ctx context.Context, keys []string) error) error {
	ctx, cancel := s.ctx(5 * time.Second)
	defer cancel()

	iter := s.client.Scan(ctx, 0, pattern+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := fn(ctx, batch)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				logging.Warn("Response cache scan failed", zap.String("pattern", pattern), zap.Error(err))
				return err
			}
		}
	}
	err := iter.Err()
	if err == nil {
		err = flush()
	}
	if err != nil {
		logging.Warn("Response cache scan failed", zap.String("pattern", pattern), zap.Error(err))
	}
	return err
}
