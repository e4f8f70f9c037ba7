// Package session implements the opaque user-session store and the
// session↔client association index consumed by logout fan-out. Session ids
// are sharded: the id carries its routing shard, and only sharded ids are
// accepted by routable operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
)

// idPrefix marks the sharded session id form: "sess_v2:<shard>:<random>".
const idPrefix = "sess_v2"

var (
	// ErrNotFound means no live session exists under the id.
	ErrNotFound = errors.New("session: not found")
	// ErrLegacyID rejects pre-sharding session ids from routable operations.
	ErrLegacyID = errors.New("session: legacy id not routable")
)

// Browser cookie names. The session surface sets them; logout clears all
// three with matching SameSite.
const (
	CookieSession      = "authrim_session"
	CookieAdminSession = "authrim_admin_session"
	CookieBrowserState = "BROWSER_STATE"
)

// Well-known session data keys.
const (
	DataAMR             = "amr"
	DataACR             = "acr"
	DataIsAnonymous     = "is_anonymous"
	DataUpgradeEligible = "upgrade_eligible"
	DataVerifiedEmail   = "verified_email"
	DataUpgradeNonce    = "upgrade_nonce"
	DataClientID        = "client_id"
	DataDeviceIDHash    = "device_id_hash"
	DataTenantID        = "tenant_id"
)

// Session is one authenticated browser or device session.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Data      map[string]string `json:"data,omitempty"`
}

// Clone returns an independent copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Data != nil {
		out.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// Store is the session contract. Extend is idempotent under clock skew:
// the expiry only ever moves forward, capped at the configured maximum
// beyond creation. UpdateUser exists solely for the anonymous-upgrade path.
// Invalidate reports whether a live session was actually removed, so
// concurrent logouts observe exactly one true.
type Store interface {
	Create(ctx context.Context, userID string, ttl time.Duration, data map[string]string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Extend(ctx context.Context, id string, extra time.Duration) (*Session, error)
	UpdateData(ctx context.Context, id string, patch map[string]string) (*Session, error)
	UpdateUser(ctx context.Context, id, newUserID string) (*Session, error)
	Invalidate(ctx context.Context, id string) (bool, error)
}

// MintID returns a fresh sharded session id.
func MintID(shardCount int) string {
	random := common.RandomURLSafe(24)
	return fmt.Sprintf("%s:%d:%s", idPrefix, challenge.Shard(random, shardCount), random)
}

// IsSharded reports whether id carries the routable sharded form.
func IsSharded(id string) bool {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] != idPrefix || parts[2] == "" {
		return false
	}
	_, err := strconv.Atoi(parts[1])
	return err == nil
}

// shardOf recovers the owning shard, remapping ids minted under an older
// shard count: effective = raw mod current.
func shardOf(id string, count int) (int, error) {
	if !IsSharded(id) {
		return 0, ErrLegacyID
	}
	if count <= 1 {
		return 0, nil
	}
	parts := strings.SplitN(id, ":", 3)
	raw, _ := strconv.Atoi(parts[1])
	if raw < 0 {
		return 0, ErrLegacyID
	}
	return raw % count, nil
}

// capExpiry bounds a proposed expiry at creation + maxTTL.
func capExpiry(createdAt, proposed time.Time, maxTTL time.Duration) time.Time {
	if maxTTL <= 0 {
		return proposed
	}
	cap := createdAt.Add(maxTTL)
	if proposed.After(cap) {
		return cap
	}
	return proposed
}
