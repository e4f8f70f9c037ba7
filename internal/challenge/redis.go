package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/internal/storage"
)

// consumeRetries bounds optimistic-transaction retries under contention.
const consumeRetries = 5

// RedisStore is the multi-instance Store. Single-success consume rides on
// WATCH/MULTI: concurrent consumers of one id race on the record key and
// exactly one transaction commits.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Store over the shared Redis backend.
func NewRedisStore(r *storage.Redis) *RedisStore {
	return &RedisStore{client: r.Client(), prefix: r.Prefix() + ":ch:"}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Put(ctx context.Context, c *Challenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ttl := time.Until(c.ExpiresAt) + retentionGrace
	if ttl <= 0 {
		ttl = retentionGrace
	}
	if err := s.client.Set(ctx, s.key(c.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Challenge, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	if c.Expired(time.Now()) {
		return &c, ErrExpired
	}
	return &c, nil
}

func (s *RedisStore) Consume(ctx context.Context, id string, pred Predicate) (*Challenge, error) {
	key := s.key(id)

	var (
		record  *Challenge
		outcome error
	)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			outcome = ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		var c Challenge
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return err
		}
		now := time.Now()
		if c.Expired(now) {
			record, outcome = &c, ErrExpired
			return nil
		}
		if c.Consumed() {
			record, outcome = &c, ErrAlreadyConsumed
			return nil
		}
		if pred != nil {
			if predErr := pred(&c); predErr != nil {
				// Persist meta mutations, leave the challenge live.
				record, outcome = c.Clone(), predErr
				return writeBack(ctx, tx, key, &c)
			}
		}
		c.ConsumedAt = &now
		record, outcome = c.Clone(), nil
		return writeBack(ctx, tx, key, &c)
	}

	for attempt := 0; attempt < consumeRetries; attempt++ {
		record, outcome = nil, nil
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // lost the race, re-read
		}
		if err != nil {
			return nil, fmt.Errorf("consume challenge: %w", err)
		}
		return record, outcome
	}
	return nil, fmt.Errorf("consume challenge: transaction contention on %s", id)
}

func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Challenge) error) (*Challenge, error) {
	key := s.key(id)

	var (
		record  *Challenge
		outcome error
	)
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			outcome = ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		var c Challenge
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return err
		}
		if c.Expired(time.Now()) {
			record, outcome = &c, ErrExpired
			return nil
		}
		if err := mutate(&c); err != nil {
			outcome = err
			return nil
		}
		record, outcome = c.Clone(), nil
		return writeBack(ctx, tx, key, &c)
	}

	for attempt := 0; attempt < consumeRetries; attempt++ {
		record, outcome = nil, nil
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update challenge: %w", err)
		}
		return record, outcome
	}
	return nil, fmt.Errorf("update challenge: transaction contention on %s", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// writeBack commits the mutated record inside the watched transaction,
// preserving the key's remaining TTL.
func writeBack(ctx context.Context, tx *redis.Tx, key string, c *Challenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, raw, redis.KeepTTL)
		return nil
	})
	return err
}
