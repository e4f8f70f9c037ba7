package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/internal/storage"
)

// RedisIndex stores revocation entries as individually expiring keys.
// Redis handles retention; shard routing lives in the key space only.
type RedisIndex struct {
	client *redis.Client
	prefix string
}

func NewRedisIndex(r *storage.Redis) *RedisIndex {
	return &RedisIndex{client: r.Client(), prefix: r.Prefix() + ":revoked:"}
}

func (idx *RedisIndex) key(jti string) string { return idx.prefix + jti }

func (idx *RedisIndex) Revoke(ctx context.Context, jti string, ttl time.Duration, reason string) error {
	if ttl < 0 {
		ttl = 0
	}
	now := time.Now()
	entry := Entry{
		JTI:       jti,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: now.Add(ttl + retentionMargin),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := idx.client.Set(ctx, idx.key(jti), raw, ttl+retentionMargin).Err(); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	return nil
}

func (idx *RedisIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := idx.client.Exists(ctx, idx.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}

func (idx *RedisIndex) Lookup(ctx context.Context, jti string) (*Entry, error) {
	raw, err := idx.client.Get(ctx, idx.key(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load revocation: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal revocation: %w", err)
	}
	return &entry, nil
}
