package gateguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisMutateRetries = 5

// RedisStore keeps client records in Redis so several gateway instances
// share one view of reputation and bans. Each record is one JSON document;
// Mutate runs a WATCH/MULTI/EXEC loop so a concurrent writer forces a
// retry instead of a lost update.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "gateguard:client:", ttl: ttl}
}

func (s *RedisStore) key(identity string) string { return s.prefix + identity }

func (s *RedisStore) Get(ctx context.Context, identity string) (ClientRecord, error) {
	data, err := s.client.Get(ctx, s.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ClientRecord{}, nil
	}
	if err != nil {
		return ClientRecord{}, fmt.Errorf("redis get %s: %w", identity, err)
	}
	rec, err := unmarshalRecord(data)
	if err != nil {
		return ClientRecord{}, fmt.Errorf("decode record %s: %w", identity, err)
	}
	return rec, nil
}

func (s *RedisStore) Mutate(ctx context.Context, identity string, fn func(*ClientRecord) error) error {
	key := s.key(identity)
	txn := func(tx *redis.Tx) error {
		var rec ClientRecord
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// first sighting, start from the zero record
		case err != nil:
			return err
		default:
			if rec, err = unmarshalRecord(data); err != nil {
				return err
			}
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := marshalRecord(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisMutateRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis mutate %s: %w", identity, err)
	}
	return fmt.Errorf("redis mutate %s: contention after %d retries", identity, redisMutateRetries)
}

// SweepExpired is a no-op: record TTLs are refreshed on every write and
// Redis evicts idle keys on its own.
func (s *RedisStore) SweepExpired(context.Context, time.Time) (int, error) { return 0, nil }

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
