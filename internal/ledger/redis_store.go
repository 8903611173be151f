package ledger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/usage-meter/internal/metrics"
	"github.com/vnmchuo/usage-meter/internal/stats"
)

const redisBackend = "redis"

// RedisStore keeps the same JSON document as FileStore under
// "usage:record:<key>". SET replaces the value atomically and records
// never expire.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Write(ctx context.Context, key string, r stats.Record) (err error) {
	defer func() { metrics.RecordLedgerOp(redisBackend, "write", outcomeOf(err)) }()

	if err := validateKey(key); err != nil {
		return err
	}
	data, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}
	if err := s.client.Set(ctx, s.getKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save usage record to redis: key=%s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, key string) (rec stats.Record, err error) {
	defer func() { metrics.RecordLedgerOp(redisBackend, "read", outcomeOf(err)) }()

	if err := validateKey(key); err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}

	data, err := s.client.Get(ctx, s.getKey(key)).Bytes()
	if err == redis.Nil {
		return stats.Record{}, ErrNotFound
	}
	if err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}

	rec, err = decodeRecord(data)
	if err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}
	return rec, nil
}

func (s *RedisStore) getKey(key string) string {
	return fmt.Sprintf("usage:record:%s", key)
}
