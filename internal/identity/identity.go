// Package identity tracks the non-session identity state of end users:
// anonymous device records, anonymous-to-full upgrades, and external
// identity links (DIDs, social providers). Raw device identifiers never
// reach storage; rows carry a keyed hash instead.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrDeviceNotFound   = errors.New("identity: device not found")
	ErrUpgradeNotFound  = errors.New("identity: upgrade not found")
	ErrUpgradeCompleted = errors.New("identity: upgrade already completed")
	ErrLinkNotFound     = errors.New("identity: link not found")
	ErrLinkTaken        = errors.New("identity: identity linked to another user")
)

// Stability describes how long a device identity is expected to survive.
type Stability string

const (
	// StabilitySession identities live about as long as one browser session.
	StabilitySession Stability = "session"
	// StabilityInstallation identities survive restarts but not reinstalls.
	StabilityInstallation Stability = "installation"
	// StabilityDevice identities are bound to hardware and do not expire.
	StabilityDevice Stability = "device"
)

// Valid reports whether s names a known stability level.
func (s Stability) Valid() bool {
	switch s {
	case StabilitySession, StabilityInstallation, StabilityDevice:
		return true
	}
	return false
}

// TTL returns the retention window for device rows of this stability.
// Zero means the row never expires.
func (s Stability) TTL() time.Duration {
	switch s {
	case StabilitySession:
		return 24 * time.Hour
	case StabilityInstallation:
		return 90 * 24 * time.Hour
	default:
		return 0
	}
}

// AnonymousDevice is one device's standing anonymous identity within a
// tenant. At most one active row exists per (tenant, device hash); repeat
// logins from the same device resolve to the same anonymous user.
type AnonymousDevice struct {
	ID           string
	TenantID     string
	UserID       string
	DeviceIDHash string
	Stability    Stability
	CreatedAt    time.Time
	LastSeenAt   time.Time
	// ExpiresAt zero means no expiry (device stability).
	ExpiresAt time.Time
	Active    bool
}

// Expired reports whether the row's retention window has lapsed.
func (d *AnonymousDevice) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// DeviceStore persists anonymous device rows.
type DeviceStore interface {
	// Upsert resolves the active row for (d.TenantID, d.DeviceIDHash).
	// When one exists its LastSeenAt is touched and it is returned with
	// created=false; otherwise d is stored as the new active row. Expired
	// and deactivated rows do not count as existing.
	Upsert(ctx context.Context, d *AnonymousDevice) (dev *AnonymousDevice, created bool, err error)
	Get(ctx context.Context, id string) (*AnonymousDevice, error)
	// Deactivate retires the active row for the hash, if any. Upgrading a
	// device's user to a full account retires its anonymous identity.
	Deactivate(ctx context.Context, tenantID, deviceIDHash string) error
}

// Upgrade statuses. Expiry is computed from ExpiresAt, not stored.
const (
	UpgradePending   = "pending"
	UpgradeCompleted = "completed"
)

// Upgrade is one in-flight anonymous-to-full account upgrade.
type Upgrade struct {
	ID       string
	TenantID string
	// SessionID is the anonymous session that initiated the upgrade. The
	// completing call must present the same session.
	SessionID string
	UserID    string
	Method    string
	// Target is the identifier being verified, e.g. the email address.
	Target string
	// PreserveSubject keeps the anonymous subject on completion instead of
	// minting a fresh user id.
	PreserveSubject bool
	Nonce           string
	// ChallengeID is the verification challenge (the emailed code) the
	// completing call must satisfy.
	ChallengeID string
	Status      string
	NewUserID       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CompletedAt     time.Time
}

// Expired reports whether the upgrade window has closed.
func (u *Upgrade) Expired(now time.Time) bool {
	return now.After(u.ExpiresAt)
}

// UpgradeStore persists upgrade attempts.
type UpgradeStore interface {
	Create(ctx context.Context, u *Upgrade) error
	Get(ctx context.Context, id string) (*Upgrade, error)
	// Complete transitions the upgrade to completed exactly once, recording
	// the resulting user id. A second call returns ErrUpgradeCompleted.
	Complete(ctx context.Context, id, newUserID string, at time.Time) (*Upgrade, error)
}

// LinkedIdentity ties an external identifier (a DID, a social-provider
// subject) to a local user. (ProviderID, ProviderUserID) is unique across
// all users.
type LinkedIdentity struct {
	UserID         string
	ProviderID     string
	ProviderUserID string
	LinkedAt       time.Time
	RawAttributes  map[string]string
}

// LinkStore persists external identity links.
type LinkStore interface {
	// Link records the identity. Linking the same identity to the same user
	// refreshes its attributes; to a different user it returns ErrLinkTaken.
	Link(ctx context.Context, l *LinkedIdentity) error
	Find(ctx context.Context, providerID, providerUserID string) (*LinkedIdentity, error)
	ListByUser(ctx context.Context, userID string) ([]*LinkedIdentity, error)
	Unlink(ctx context.Context, userID, providerID, providerUserID string) error
}

// Hasher turns raw device identifiers into the stable keyed hashes that
// device rows and session data carry. The hash key is derived from the
// configured secret with HKDF, so the secret itself is never used directly
// and rotating it orphans old rows rather than exposing them.
type Hasher struct {
	key []byte
}

// NewHasher derives the hashing key from secret. An empty secret yields a
// process-local random key: hashes still work but stop matching across
// restarts, which degrades every device to session stability.
func NewHasher(secret []byte) *Hasher {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			panic(err)
		}
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("authrim/device-hash/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(err)
	}
	return &Hasher{key: key}
}

// DeviceHash computes the storage form of a raw device id within a tenant.
func (h *Hasher) DeviceHash(tenantID, deviceID string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(tenantID))
	mac.Write([]byte{0})
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}
