// Package consent records which scopes a user has granted to a client, and
// which policy versions they acknowledged when granting.
package consent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/internal/common"
)

var ErrNotFound = errors.New("consent: not found")

// Consent is one user's standing grant to one client.
type Consent struct {
	ID                   string
	UserID               string
	ClientID             string
	Scope                string
	SelectedScopes       []string
	GrantedAt            time.Time
	ExpiresAt            time.Time
	PrivacyPolicyVersion string
	TOSVersion           string
	ConsentVersion       int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Granted returns the effective scope set: the user-curated selection when
// present, otherwise everything granted.
func (c *Consent) Granted() []string {
	if len(c.SelectedScopes) > 0 {
		return c.SelectedScopes
	}
	return common.SplitScope(c.Scope)
}

// Covers reports whether the consent includes every requested scope.
func (c *Consent) Covers(requested []string) bool {
	return common.ScopeSubset(common.JoinScope(requested), common.JoinScope(c.Granted()))
}

// Expired reports whether the consent has lapsed. Zero ExpiresAt never
// expires.
func (c *Consent) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// NeedsUpgrade reports whether newer policy documents exist than the ones
// acknowledged at grant time.
func (c *Consent) NeedsUpgrade(privacyVersion, tosVersion string) bool {
	if privacyVersion != "" && c.PrivacyPolicyVersion != privacyVersion {
		return true
	}
	if tosVersion != "" && c.TOSVersion != tosVersion {
		return true
	}
	return false
}

// Store persists consents keyed by (user, client).
type Store interface {
	Get(ctx context.Context, userID, clientID string) (*Consent, error)
	// Upsert inserts or replaces the consent, bumping ConsentVersion and
	// UpdatedAt on replace.
	Upsert(ctx context.Context, c *Consent) error
	Delete(ctx context.Context, userID, clientID string) error
	// DeleteForUser removes every consent of the user, returning how many.
	DeleteForUser(ctx context.Context, userID string) (int, error)
}

type memoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Consent
}

// NewMemoryStore returns an in-process Store for tests and single-node
// deployments.
func NewMemoryStore() Store {
	return &memoryStore{rows: make(map[string]*Consent)}
}

func consentKey(userID, clientID string) string { return userID + "\x00" + clientID }

func (s *memoryStore) Get(_ context.Context, userID, clientID string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[consentKey(userID, clientID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memoryStore) Upsert(_ context.Context, c *Consent) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(c.UserID, c.ClientID)
	if prev, ok := s.rows[key]; ok {
		c.ID = prev.ID
		c.CreatedAt = prev.CreatedAt
		c.ConsentVersion = prev.ConsentVersion + 1
	} else {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = now
		if c.ConsentVersion == 0 {
			c.ConsentVersion = 1
		}
	}
	c.UpdatedAt = now
	cp := *c
	s.rows[key] = &cp
	return nil
}

func (s *memoryStore) Delete(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, consentKey(userID, clientID))
	return nil
}

func (s *memoryStore) DeleteForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, c := range s.rows {
		if c.UserID == userID {
			delete(s.rows, key)
			n++
		}
	}
	return n, nil
}
