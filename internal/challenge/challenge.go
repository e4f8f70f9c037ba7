// Package challenge implements the single-use, TTL-bounded challenge store
// behind authorization codes, email one-time codes, passkey and DID
// ceremonies, anonymous device login, session-exchange tokens, device-flow
// codes, CIBA requests and pending consent prompts. Consume is atomic:
// exactly one concurrent caller wins; everyone else observes
// AlreadyConsumed.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/common"
)

// Challenge kinds.
const (
	KindAuthCode        = "auth_code"
	KindEmailCode       = "email_code"
	KindPasskeyLogin    = "passkey_login"
	KindPasskeyRegister = "passkey_register"
	KindDIDRegistration = "did_registration"
	KindAnonLogin       = "anon_login"
	KindSessionToken    = "session_token"
	KindDirectAuthCode  = "direct_auth_code"
	KindDeviceAuth      = "device_auth"
	KindCIBARequest     = "ciba_request"
	KindConsentPending  = "consent_pending"
)

var (
	// ErrNotFound means no live challenge exists under the id.
	ErrNotFound = errors.New("challenge: not found")
	// ErrExpired means the challenge exists but its lifetime has passed.
	ErrExpired = errors.New("challenge: expired")
	// ErrAlreadyConsumed means a previous consume already succeeded.
	ErrAlreadyConsumed = errors.New("challenge: already consumed")
	// ErrPredicateMismatch means the caller's predicate rejected the
	// challenge; the challenge itself remains live.
	ErrPredicateMismatch = errors.New("challenge: predicate mismatch")
)

// Challenge is one single-use record. Secret carries kind-specific payload
// (a code hash, or a serialized specialization record); Meta carries small
// mutable bookkeeping such as attempt counters.
type Challenge struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	SubjectID  string            `json:"subject_id,omitempty"`
	Secret     string            `json:"secret,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Meta       map[string]string `json:"meta,omitempty"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty"`
}

// Expired reports whether the challenge's lifetime has passed.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Consumed reports whether a consume has already succeeded.
func (c *Challenge) Consumed() bool {
	return c.ConsumedAt != nil
}

// MetaValue returns a meta field, tolerating a nil map.
func (c *Challenge) MetaValue(key string) string {
	if c.Meta == nil {
		return ""
	}
	return c.Meta[key]
}

// SetMeta sets a meta field, allocating the map on first use.
func (c *Challenge) SetMeta(key, value string) {
	if c.Meta == nil {
		c.Meta = make(map[string]string)
	}
	c.Meta[key] = value
}

// Clone returns an independent copy. Stores hand out clones so callers can
// never mutate shared state outside the owning shard.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	out := *c
	if c.Meta != nil {
		out.Meta = make(map[string]string, len(c.Meta))
		for k, v := range c.Meta {
			out.Meta[k] = v
		}
	}
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	return &out
}

// Predicate inspects a challenge under the owning shard's serialization
// before the consume commits. It may mutate Meta (attempt counters); Meta
// mutations persist even when the predicate rejects.
type Predicate func(c *Challenge) error

// Store is the single-use challenge contract.
//
// Consume returns the record on success. On ErrAlreadyConsumed the returned
// record is also non-nil so callers can read what was previously issued
// under it (replay revocation). Update mutates a live or consumed record in
// place under the owning shard; it is how issued-token JTIs, device-flow
// approval and poll bookkeeping are written back.
type Store interface {
	Put(ctx context.Context, c *Challenge) error
	Get(ctx context.Context, id string) (*Challenge, error)
	Consume(ctx context.Context, id string, pred Predicate) (*Challenge, error)
	Update(ctx context.Context, id string, mutate func(*Challenge) error) (*Challenge, error)
	Delete(ctx context.Context, id string) error
}

// MintID returns a routable challenge id of the form
// "<prefix>:<shard>:<random>". The shard index derives from routingKey
// (challenge id randomness, user id, or device id, per kind) so producer
// and consumer always agree; consumers recover it by parsing the id.
func MintID(prefix, routingKey string, shardCount int) string {
	random := common.RandomURLSafe(24)
	if routingKey == "" {
		routingKey = random
	}
	return fmt.Sprintf("%s:%d:%s", prefix, Shard(routingKey, shardCount), random)
}

// Shard maps a routing key onto a raw shard index via FNV-1a.
func Shard(key string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}

// shardFromID recovers the owning shard from an id minted by MintID,
// remapping raw indices minted under an older shard count:
// effective = raw mod current. Ids without an embedded index hash instead.
func shardFromID(id string, count int) int {
	if count <= 1 {
		return 0
	}
	parts := strings.SplitN(id, ":", 3)
	if len(parts) == 3 {
		if raw, err := strconv.Atoi(parts[1]); err == nil && raw >= 0 {
			return raw % count
		}
	}
	return Shard(id, count)
}
