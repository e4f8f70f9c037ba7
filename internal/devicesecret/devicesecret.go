// Package devicesecret manages Native SSO device secrets: opaque per-device
// credentials bound to a user and session, validated with an atomic
// use-count so a stolen secret cannot be replayed past its budget.
package devicesecret

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/internal/common"
)

const secretPrefix = "ds_"

// Overflow policies when a user hits the per-user secret cap.
const (
	OverflowRevokeOldest = "revoke_oldest"
	OverflowReject       = "reject"
)

var (
	ErrNotFound        = errors.New("devicesecret: not found")
	ErrInactive        = errors.New("devicesecret: secret is inactive")
	ErrExpired         = errors.New("devicesecret: secret has expired")
	ErrUserCapExceeded = errors.New("devicesecret: per-user secret cap reached")
)

// Secret is the stored record. The raw secret is never persisted; records
// are keyed by its SHA-256.
type Secret struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	SecretHash  string    `json:"secret_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	UseCount    int       `json:"use_count"`
	MaxUseCount int       `json:"max_use_count"`
	IsActive    bool      `json:"is_active"`
}

func (s *Secret) clone() *Secret {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Store persists secrets keyed by secret hash. Mutate applies fn to the
// current record (nil if absent) under the backend's concurrency control; a
// non-nil replacement is persisted even when fn also returns an error.
type Store interface {
	Put(ctx context.Context, s *Secret) error
	Get(ctx context.Context, hash string) (*Secret, error)
	Mutate(ctx context.Context, hash string, fn func(existing *Secret) (*Secret, error)) (*Secret, error)
	ForUser(ctx context.Context, userID string) ([]*Secret, error)
	ForSession(ctx context.Context, sessionID string) ([]*Secret, error)
	Delete(ctx context.Context, hash string) error
}

// Policy is the issuance policy resolved from tenant config at call time.
type Policy struct {
	TTL        time.Duration
	MaxUses    int
	PerUserCap int
	Overflow   string
}

// Manager issues and consumes device secrets.
type Manager struct {
	store Store
	log   *common.Logger
}

func NewManager(store Store, log *common.Logger) *Manager {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Manager{store: store, log: log}
}

// HashSecret derives the storage key for a raw secret.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue mints a new device secret for (user, session, client) and returns
// the raw value, which is shown to the client exactly once. The per-user cap
// is enforced first: overflow either evicts the oldest active secrets or
// rejects the issuance, per policy.
func (m *Manager) Issue(ctx context.Context, userID, sessionID, clientID string, pol Policy) (string, *Secret, error) {
	if pol.PerUserCap > 0 {
		active, err := m.activeForUser(ctx, userID)
		if err != nil {
			return "", nil, err
		}
		if len(active) >= pol.PerUserCap {
			if pol.Overflow == OverflowReject {
				return "", nil, ErrUserCapExceeded
			}
			sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
			evict := len(active) - pol.PerUserCap + 1
			for _, old := range active[:evict] {
				if err := m.deactivate(ctx, old.SecretHash); err != nil {
					return "", nil, err
				}
				m.log.Debug().Str("user_id", userID).Str("device_secret_id", old.ID).Msg("Evicted oldest device secret")
			}
		}
	}

	raw := secretPrefix + common.RandomURLSafe(32)

	now := time.Now()
	secret := &Secret{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionID:   sessionID,
		ClientID:    clientID,
		SecretHash:  HashSecret(raw),
		CreatedAt:   now,
		ExpiresAt:   now.Add(pol.TTL),
		MaxUseCount: pol.MaxUses,
		IsActive:    true,
	}
	if err := m.store.Put(ctx, secret); err != nil {
		return "", nil, err
	}
	m.log.Info().Str("user_id", userID).Str("client_id", clientID).Str("device_secret_id", secret.ID).Msg("Issued device secret")
	return raw, secret, nil
}

// ValidateAndUse atomically checks the secret and spends one use. Reaching
// the use budget deactivates the record, so the spending use succeeds and
// every later one fails.
func (m *Manager) ValidateAndUse(ctx context.Context, raw string) (*Secret, error) {
	return m.store.Mutate(ctx, HashSecret(raw), func(existing *Secret) (*Secret, error) {
		if existing == nil {
			return nil, ErrNotFound
		}
		if !existing.IsActive {
			return nil, ErrInactive
		}
		if time.Now().After(existing.ExpiresAt) {
			return nil, ErrExpired
		}
		existing.UseCount++
		if existing.MaxUseCount > 0 && existing.UseCount >= existing.MaxUseCount {
			existing.IsActive = false
		}
		return existing, nil
	})
}

// RevokeForSession deactivates every secret bound to the session. Logout
// cascades call this.
func (m *Manager) RevokeForSession(ctx context.Context, sessionID string) (int, error) {
	secrets, err := m.store.ForSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return m.revokeAll(ctx, secrets)
}

// RevokeForUser deactivates every secret of the user.
func (m *Manager) RevokeForUser(ctx context.Context, userID string) (int, error) {
	secrets, err := m.store.ForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return m.revokeAll(ctx, secrets)
}

func (m *Manager) revokeAll(ctx context.Context, secrets []*Secret) (int, error) {
	n := 0
	for _, s := range secrets {
		if !s.IsActive {
			continue
		}
		if err := m.deactivate(ctx, s.SecretHash); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) deactivate(ctx context.Context, hash string) error {
	_, err := m.store.Mutate(ctx, hash, func(existing *Secret) (*Secret, error) {
		if existing == nil || !existing.IsActive {
			return nil, nil
		}
		existing.IsActive = false
		return existing, nil
	})
	return err
}

func (m *Manager) activeForUser(ctx context.Context, userID string) ([]*Secret, error) {
	all, err := m.store.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	active := all[:0]
	for _, s := range all {
		if s.IsActive && now.Before(s.ExpiresAt) {
			active = append(active, s)
		}
	}
	return active, nil
}
