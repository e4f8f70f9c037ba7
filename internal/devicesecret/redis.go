package devicesecret

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

// RedisStore persists secrets in Redis with SET-based user and session
// indexes. Use-counting rides on WATCH/MULTI so concurrent validations of
// the same secret serialize.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(r *storage.Redis) *RedisStore {
	return &RedisStore{client: r.Client(), prefix: r.Prefix() + ":ds:"}
}

func (s *RedisStore) recordKey(hash string) string { return s.prefix + hash }

func (s *RedisStore) userKey(userID string) string { return s.prefix + "user:" + userID }

func (s *RedisStore) sessionKey(sessionID string) string { return s.prefix + "sess:" + sessionID }

func (s *RedisStore) Put(ctx context.Context, secret *Secret) error {
	raw, err := json.Marshal(secret)
	if err != nil {
		return err
	}
	ttl := time.Until(secret.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	if err := s.client.Set(ctx, s.recordKey(secret.SecretHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store device secret: %w", err)
	}
	if err := s.indexAdd(ctx, s.userKey(secret.UserID), secret.SecretHash, ttl); err != nil {
		return err
	}
	return s.indexAdd(ctx, s.sessionKey(secret.SessionID), secret.SecretHash, ttl)
}

// indexAdd registers the hash and keeps the index alive at least as long as
// its longest-lived member.
func (s *RedisStore) indexAdd(ctx context.Context, key, hash string, ttl time.Duration) error {
	if err := s.client.SAdd(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("index device secret: %w", err)
	}
	current, err := s.client.TTL(ctx, key).Result()
	if err == nil && current < ttl {
		_ = s.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, hash string) (*Secret, error) {
	raw, err := s.client.Get(ctx, s.recordKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device secret: %w", err)
	}
	var secret Secret
	if err := json.Unmarshal([]byte(raw), &secret); err != nil {
		return nil, fmt.Errorf("unmarshal device secret: %w", err)
	}
	return &secret, nil
}

func (s *RedisStore) Mutate(ctx context.Context, hash string, fn func(existing *Secret) (*Secret, error)) (*Secret, error) {
	full := s.recordKey(hash)

	var (
		result  *Secret
		outcome error
	)
	txn := func(tx *redis.Tx) error {
		var existing *Secret
		raw, err := tx.Get(ctx, full).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var secret Secret
			if err := json.Unmarshal([]byte(raw), &secret); err != nil {
				return err
			}
			existing = &secret
		}

		replacement, fnErr := fn(existing.clone())
		outcome = fnErr
		if replacement == nil {
			result = existing
			return nil
		}
		next, err := json.Marshal(replacement)
		if err != nil {
			return err
		}
		result = replacement.clone()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, next, redis.KeepTTL)
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
			return nil, fmt.Errorf("mutate device secret: %w", err)
		}
		if outcome != nil {
			return nil, outcome
		}
		return result, nil
	}
	return nil, fmt.Errorf("mutate device secret: transaction contention")
}

func (s *RedisStore) ForUser(ctx context.Context, userID string) ([]*Secret, error) {
	return s.members(ctx, s.userKey(userID))
}

func (s *RedisStore) ForSession(ctx context.Context, sessionID string) ([]*Secret, error) {
	return s.members(ctx, s.sessionKey(sessionID))
}

// members resolves an index to live records, pruning hashes whose records
// have expired out from under the set.
func (s *RedisStore) members(ctx context.Context, indexKey string) ([]*Secret, error) {
	hashes, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read device secret index: %w", err)
	}
	var out []*Secret
	for _, hash := range hashes {
		secret, err := s.Get(ctx, hash)
		if errors.Is(err, ErrNotFound) {
			_ = s.client.SRem(ctx, indexKey, hash).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, hash string) error {
	secret, err := s.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.recordKey(hash)).Err(); err != nil {
		return fmt.Errorf("delete device secret: %w", err)
	}
	_ = s.client.SRem(ctx, s.userKey(secret.UserID), hash).Err()
	_ = s.client.SRem(ctx, s.sessionKey(secret.SessionID), hash).Err()
	return nil
}
