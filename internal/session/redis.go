package session

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

// RedisStore is the multi-instance session store. Mutations ride on
// WATCH/MULTI so same-id operations serialize on the record key;
// Invalidate uses GETDEL so exactly one concurrent logout observes the
// live session.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	shardCount int
	maxTTL     time.Duration
}

// NewRedisStore creates a session store over the shared Redis backend.
func NewRedisStore(r *storage.Redis, shardCount int, maxTTL time.Duration) *RedisStore {
	if shardCount < 1 {
		shardCount = 1
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &RedisStore{
		client:     r.Client(),
		prefix:     r.Prefix() + ":sess:",
		shardCount: shardCount,
		maxTTL:     maxTTL,
	}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Create(ctx context.Context, userID string, ttl time.Duration, data map[string]string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        MintID(s.shardCount),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: capExpiry(now, now.Add(ttl), s.maxTTL),
	}
	if len(data) > 0 {
		sess.Data = make(map[string]string, len(data))
		for k, v := range data {
			sess.Data[k] = v
		}
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), raw, time.Until(sess.ExpiresAt)).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if !IsSharded(id) {
		return nil, ErrLegacyID
	}
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *RedisStore) Extend(ctx context.Context, id string, extra time.Duration) (*Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		proposed := time.Now().Add(extra)
		if proposed.After(sess.ExpiresAt) {
			sess.ExpiresAt = capExpiry(sess.CreatedAt, proposed, s.maxTTL)
		}
		return nil
	})
}

func (s *RedisStore) UpdateData(ctx context.Context, id string, patch map[string]string) (*Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		if sess.Data == nil {
			sess.Data = make(map[string]string, len(patch))
		}
		for k, v := range patch {
			if v == "" {
				delete(sess.Data, k)
				continue
			}
			sess.Data[k] = v
		}
		return nil
	})
}

func (s *RedisStore) UpdateUser(ctx context.Context, id, newUserID string) (*Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		sess.UserID = newUserID
		return nil
	})
}

func (s *RedisStore) Invalidate(ctx context.Context, id string) (bool, error) {
	if !IsSharded(id) {
		return false, ErrLegacyID
	}
	raw, err := s.client.GetDel(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("invalidate session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return true, nil
	}
	return !time.Now().After(sess.ExpiresAt), nil
}

func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	if !IsSharded(id) {
		return nil, ErrLegacyID
	}
	key := s.key(id)

	var (
		result  *Session
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
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return err
		}
		if time.Now().After(sess.ExpiresAt) {
			outcome = ErrNotFound
			return nil
		}
		if err := fn(&sess); err != nil {
			outcome = err
			return nil
		}
		next, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		result, outcome = sess.Clone(), nil
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, time.Until(sess.ExpiresAt))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < mutateRetries; attempt++ {
		result, outcome = nil, nil
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mutate session: %w", err)
		}
		return result, outcome
	}
	return nil, fmt.Errorf("mutate session: transaction contention on %s", id)
}
