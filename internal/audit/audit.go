// Package audit appends security-relevant actions to a durable log. Writes
// are best-effort: a failed audit write is logged and dropped, it never
// fails the request that produced it.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the token, logout and identity paths.
const (
	ActionTokenIssued      = "token.issued"
	ActionTokenRevoked     = "token.revoked"
	ActionSessionDestroyed = "session.destroyed"
	ActionConsentGranted   = "consent.granted"
	ActionConsentDenied    = "consent.denied"
	ActionClientRegistered = "client.registered"
	ActionKeyRotated       = "key.rotated"
	ActionTheftDetected    = "refresh_family.theft_detected"
	ActionUserUpgraded     = "user.upgraded"
	ActionIdentityLinked   = "identity.linked"
	ActionIdentityUnlinked = "identity.unlinked"
)

// Entry is one audit row.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// Recorder persists entries. Record must not return an error and must not
// block the caller beyond a single store round-trip.
type Recorder interface {
	Record(ctx context.Context, e *Entry)
}

func stamp(e *Entry) *Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, *Entry) {}

// Memory keeps entries in process for tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, e *Entry) {
	cp := *stamp(e)
	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
}

// Entries returns a snapshot of everything recorded so far.
func (m *Memory) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByAction filters the snapshot to one action.
func (m *Memory) ByAction(action string) []*Entry {
	var out []*Entry
	for _, e := range m.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
