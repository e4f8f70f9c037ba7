package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/internal/storage"
)

const mutateRetries = 5

// RedisStore persists family records in Redis. Mutations ride on
// WATCH/MULTI so concurrent rotations of the same family serialize: one
// wins, the others re-read and then hit the mismatch path.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(r *storage.Redis) *RedisStore {
	return &RedisStore{client: r.Client(), prefix: r.Prefix() + ":"}
}

func (s *RedisStore) key(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (*Family, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFamilyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load family: %w", err)
	}
	var fam Family
	if err := json.Unmarshal([]byte(raw), &fam); err != nil {
		return nil, fmt.Errorf("unmarshal family: %w", err)
	}
	if time.Now().After(fam.ExpiresAt) {
		return nil, ErrFamilyNotFound
	}
	return &fam, nil
}

func (s *RedisStore) Mutate(ctx context.Context, key string, fn func(existing *Family) (*Family, error)) (*Family, error) {
	full := s.key(key)

	var (
		result  *Family
		outcome error
	)
	txn := func(tx *redis.Tx) error {
		var existing *Family
		raw, err := tx.Get(ctx, full).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var fam Family
			if err := json.Unmarshal([]byte(raw), &fam); err != nil {
				return err
			}
			if time.Now().Before(fam.ExpiresAt) {
				existing = &fam
			}
		}

		replacement, fnErr := fn(existing.Clone())
		outcome = fnErr
		if replacement == nil {
			result = existing
			return nil
		}
		next, err := json.Marshal(replacement)
		if err != nil {
			return err
		}
		result = replacement.Clone()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, next, time.Until(replacement.ExpiresAt))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < mutateRetries; attempt++ {
		result, outcome = nil, nil
		err := s.client.Watch(ctx, txn, full)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mutate family: %w", err)
		}
		if outcome != nil {
			return nil, outcome
		}
		return result, nil
	}
	return nil, fmt.Errorf("mutate family: transaction contention on %s", key)
}
