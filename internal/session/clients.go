package session

import (
	"context"
	"sync"
	"time"
)

// SessionClient records that a relying party obtained tokens under a
// session. Logout fan-out reads these rows to know which clients need
// back-channel, front-channel, or webhook notification.
type SessionClient struct {
	SessionID                         string
	ClientID                          string
	BackchannelLogoutURI              string
	BackchannelLogoutSessionRequired  bool
	FrontchannelLogoutURI             string
	FrontchannelLogoutSessionRequired bool
	WebhookURL                        string
	WebhookSecretEnc                  []byte
	CreatedAt                         time.Time
}

// ClientIndex is the session→client association store. Register is
// idempotent per (session, client) pair; the newest registration wins
// so clients that update their logout endpoints are notified at the
// current ones.
type ClientIndex interface {
	Register(ctx context.Context, link *SessionClient) error
	ForSession(ctx context.Context, sessionID string) ([]*SessionClient, error)
	DeleteForSession(ctx context.Context, sessionID string) error
}

// MemoryClientIndex keeps the association in process. Single-instance
// deployments and tests use it; everything else goes through Postgres.
type MemoryClientIndex struct {
	mu    sync.RWMutex
	links map[string]map[string]*SessionClient
}

func NewMemoryClientIndex() *MemoryClientIndex {
	return &MemoryClientIndex{links: make(map[string]map[string]*SessionClient)}
}

func (m *MemoryClientIndex) Register(ctx context.Context, link *SessionClient) error {
	cp := *link
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byClient, ok := m.links[cp.SessionID]
	if !ok {
		byClient = make(map[string]*SessionClient)
		m.links[cp.SessionID] = byClient
	}
	byClient[cp.ClientID] = &cp
	return nil
}

func (m *MemoryClientIndex) ForSession(ctx context.Context, sessionID string) ([]*SessionClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byClient := m.links[sessionID]
	out := make([]*SessionClient, 0, len(byClient))
	for _, link := range byClient {
		cp := *link
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryClientIndex) DeleteForSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, sessionID)
	return nil
}
