package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
)

var (
	// ErrFamilyNotFound means no family record exists under the routing key
	// (never minted, expired, or a malformed jti).
	ErrFamilyNotFound = errors.New("refresh: family not found")
	// ErrFamilyRevoked means the family was already burned; the token is dead.
	ErrFamilyRevoked = errors.New("refresh: family revoked")
	// ErrTheftDetected means a non-head token was presented. The family is
	// revoked as a side effect before this error is returned.
	ErrTheftDetected = errors.New("refresh: token reuse detected")
	// ErrFamilyExists means a healthy family already holds the head slot for
	// this (user, client).
	ErrFamilyExists = errors.New("refresh: healthy family already exists")
	// ErrScopeWidened rejects a rotation that requests scope beyond the
	// family grant. The family stays intact.
	ErrScopeWidened = errors.New("refresh: requested scope exceeds grant")
)

// Revocation reasons recorded on burned families.
const (
	ReasonTheftDetected = "theft_detected"
	ReasonSuperseded    = "superseded"
	ReasonAdminRevoked  = "admin_revoked"
	ReasonUserLogout    = "user_logout"
	ReasonClientRequest = "client_requested"
)

// Revocation marks a burned family.
type Revocation struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Family is the durable record of one refresh-token chain. Only HeadVersion
// and HeadJTI are redeemable; rotation advances both.
type Family struct {
	UserID      string      `json:"user_id"`
	ClientID    string      `json:"client_id"`
	Generation  int         `json:"generation"`
	Shard       int         `json:"shard"`
	HeadVersion int64       `json:"head_version"`
	HeadJTI     string      `json:"head_jti"`
	Scope       string      `json:"scope"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Revoked     *Revocation `json:"revoked,omitempty"`
}

// Healthy reports whether the family can still rotate.
func (f *Family) Healthy() bool {
	return f != nil && f.Revoked == nil && time.Now().Before(f.ExpiresAt)
}

// Clone returns an independent copy.
func (f *Family) Clone() *Family {
	if f == nil {
		return nil
	}
	out := *f
	if f.Revoked != nil {
		rev := *f.Revoked
		out.Revoked = &rev
	}
	return &out
}

// Head is the redeemable tip of a family after create or rotate.
type Head struct {
	Version   int64
	JTI       string
	Scope     string
	ExpiresAt time.Time
}

// Store persists family records keyed by their routing key. Mutate runs fn
// atomically against the current record (nil when absent or expired); a
// non-nil replacement is persisted even when fn also returns an error, so
// state transitions like theft revocation survive the failed rotation. A
// nil replacement with nil error leaves the record untouched.
type Store interface {
	Get(ctx context.Context, key string) (*Family, error)
	Mutate(ctx context.Context, key string, fn func(existing *Family) (*Family, error)) (*Family, error)
}

// Manager owns the family lifecycle. Families shard deterministically by
// (user, client) within a generation, so every issuance and rotation for a
// pair lands on the same record without a lookup index.
type Manager struct {
	store       Store
	mirror      Mirror
	generations []int // shard count per generation; the last is active
	log         *common.Logger
}

// NewManager wires a family manager over store. generations holds one shard
// count per generation, oldest first; new families go to the last entry.
func NewManager(store Store, mirror Mirror, generations []int, log *common.Logger) *Manager {
	if len(generations) == 0 {
		generations = []int{8}
	}
	if mirror == nil {
		mirror = NoopMirror{}
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Manager{store: store, mirror: mirror, generations: generations, log: log}
}

func (m *Manager) currentGeneration() int { return len(m.generations) }

func (m *Manager) shardFor(userID, clientID string, generation int) int {
	return challenge.Shard(userID+":"+clientID, m.generations[generation-1])
}

func familyKey(userID, clientID string, generation, shard int) string {
	return fmt.Sprintf("fam:%d:%d:%s:%s", generation, shard, userID, clientID)
}

// CreateFamily starts a version-1 family in the active generation. One
// healthy head per (user, client): if one exists this fails with
// ErrFamilyExists and the caller decides whether to supersede.
func (m *Manager) CreateFamily(ctx context.Context, userID, clientID, scope string, ttl time.Duration) (*Head, error) {
	return m.create(ctx, userID, clientID, scope, ttl, false)
}

// ReplaceFamily starts a version-1 family, atomically superseding any
// healthy predecessor. Token issuance paths use this: a fresh authorization
// always wins the head slot.
func (m *Manager) ReplaceFamily(ctx context.Context, userID, clientID, scope string, ttl time.Duration) (*Head, error) {
	return m.create(ctx, userID, clientID, scope, ttl, true)
}

func (m *Manager) create(ctx context.Context, userID, clientID, scope string, ttl time.Duration, replace bool) (*Head, error) {
	generation := m.currentGeneration()
	shard := m.shardFor(userID, clientID, generation)
	now := time.Now()
	fam := &Family{
		UserID:      userID,
		ClientID:    clientID,
		Generation:  generation,
		Shard:       shard,
		HeadVersion: 1,
		HeadJTI:     MintJTI(generation, shard),
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	_, err := m.store.Mutate(ctx, familyKey(userID, clientID, generation, shard), func(existing *Family) (*Family, error) {
		if existing.Healthy() {
			if !replace {
				return nil, ErrFamilyExists
			}
			m.log.Debug().
				Str("user_id", userID).
				Str("client_id", clientID).
				Int64("old_version", existing.HeadVersion).
				Msg("Superseding healthy refresh family")
		}
		return fam, nil
	})
	if err != nil {
		return nil, err
	}

	m.mirrorAsync(fam)
	return &Head{Version: 1, JTI: fam.HeadJTI, Scope: scope, ExpiresAt: fam.ExpiresAt}, nil
}

// Rotate redeems the head of a family and advances it. Presenting anything
// other than the exact (version, jti) head burns the family and returns
// ErrTheftDetected; the caller maps that to invalid_grant.
func (m *Manager) Rotate(ctx context.Context, incomingVersion int64, incomingJTI, userID, clientID, requestedScope string) (*Head, error) {
	generation, shard, ok := ParseJTI(incomingJTI)
	if !ok {
		return nil, ErrFamilyNotFound
	}

	var head *Head
	_, err := m.store.Mutate(ctx, familyKey(userID, clientID, generation, shard), func(existing *Family) (*Family, error) {
		if existing == nil {
			return nil, ErrFamilyNotFound
		}
		if existing.Revoked != nil {
			return nil, ErrFamilyRevoked
		}
		if existing.HeadVersion != incomingVersion || existing.HeadJTI != incomingJTI {
			burned := existing.Clone()
			burned.Revoked = &Revocation{Reason: ReasonTheftDetected, At: time.Now()}
			m.log.Warn().
				Str("user_id", userID).
				Str("client_id", clientID).
				Int64("presented_version", incomingVersion).
				Int64("head_version", existing.HeadVersion).
				Msg("Refresh token reuse detected, revoking family")
			return burned, ErrTheftDetected
		}

		scope := existing.Scope
		if requestedScope != "" {
			if !common.ScopeSubset(requestedScope, existing.Scope) {
				return nil, ErrScopeWidened
			}
			scope = requestedScope
		}

		next := existing.Clone()
		next.HeadVersion++
		next.HeadJTI = MintJTI(existing.Generation, existing.Shard)
		next.Scope = scope
		head = &Head{Version: next.HeadVersion, JTI: next.HeadJTI, Scope: scope, ExpiresAt: next.ExpiresAt}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	m.mirrorAsync(&Family{
		UserID: userID, ClientID: clientID,
		Generation: generation, Shard: shard,
		HeadJTI: head.JTI, Scope: head.Scope, ExpiresAt: head.ExpiresAt,
	})
	return head, nil
}

// Revoke burns the (user, client) family in every generation it may live in.
// Idempotent: absent and already-revoked families are skipped.
func (m *Manager) Revoke(ctx context.Context, userID, clientID, reason string) error {
	for generation := m.currentGeneration(); generation >= 1; generation-- {
		shard := m.shardFor(userID, clientID, generation)
		_, err := m.store.Mutate(ctx, familyKey(userID, clientID, generation, shard), func(existing *Family) (*Family, error) {
			if existing == nil || existing.Revoked != nil {
				return nil, nil
			}
			burned := existing.Clone()
			burned.Revoked = &Revocation{Reason: reason, At: time.Now()}
			return burned, nil
		})
		if err != nil {
			return fmt.Errorf("revoke family gen %d: %w", generation, err)
		}
	}
	return nil
}

// RevokeUser burns every family recorded for the user in the flat mirror.
// Administrative path; returns how many families were burned.
func (m *Manager) RevokeUser(ctx context.Context, userID, reason string) (int, error) {
	refs, err := m.mirror.ForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list families for user: %w", err)
	}
	burned := 0
	for _, ref := range refs {
		didBurn := false
		_, err := m.store.Mutate(ctx, familyKey(ref.UserID, ref.ClientID, ref.Generation, ref.Shard), func(existing *Family) (*Family, error) {
			didBurn = false
			if existing == nil || existing.Revoked != nil {
				return nil, nil
			}
			rev := existing.Clone()
			rev.Revoked = &Revocation{Reason: reason, At: time.Now()}
			didBurn = true
			return rev, nil
		})
		if err != nil {
			return burned, fmt.Errorf("revoke family gen %d shard %d: %w", ref.Generation, ref.Shard, err)
		}
		if didBurn {
			burned++
		}
	}
	return burned, nil
}

// Get returns the family currently holding the (user, client) slot,
// searching newest generation first.
func (m *Manager) Get(ctx context.Context, userID, clientID string) (*Family, error) {
	for generation := m.currentGeneration(); generation >= 1; generation-- {
		shard := m.shardFor(userID, clientID, generation)
		fam, err := m.store.Get(ctx, familyKey(userID, clientID, generation, shard))
		if errors.Is(err, ErrFamilyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return fam, nil
	}
	return nil, ErrFamilyNotFound
}

// mirrorAsync records the family head in the flat per-user index. The write
// is advisory: admin-wide revocation reads it, token issuance never waits
// on it.
func (m *Manager) mirrorAsync(fam *Family) {
	ref := FamilyRef{
		UserID:     fam.UserID,
		ClientID:   fam.ClientID,
		Generation: fam.Generation,
		Shard:      fam.Shard,
		HeadJTI:    fam.HeadJTI,
		Scope:      fam.Scope,
		ExpiresAt:  fam.ExpiresAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.mirror.Record(ctx, ref); err != nil {
			m.log.Debug().Err(err).
				Str("user_id", ref.UserID).
				Str("client_id", ref.ClientID).
				Msg("Family mirror write failed")
		}
	}()
}
