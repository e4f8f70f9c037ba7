package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDeviceStore is an in-process DeviceStore for tests and single-node
// deployments.
type MemoryDeviceStore struct {
	mu     sync.Mutex
	byID   map[string]*AnonymousDevice
	active map[string]string // tenant"\x00"hash → device id
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{
		byID:   make(map[string]*AnonymousDevice),
		active: make(map[string]string),
	}
}

func deviceKey(tenantID, hash string) string { return tenantID + "\x00" + hash }

func (s *MemoryDeviceStore) Upsert(_ context.Context, d *AnonymousDevice) (*AnonymousDevice, bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey(d.TenantID, d.DeviceIDHash)
	if id, ok := s.active[key]; ok {
		if cur := s.byID[id]; cur != nil && cur.Active && !cur.Expired(now) {
			cur.LastSeenAt = now
			cp := *cur
			return &cp, false, nil
		}
		delete(s.active, key)
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = now
	d.LastSeenAt = now
	d.Active = true
	cp := *d
	s.byID[d.ID] = &cp
	s.active[key] = d.ID
	out := cp
	return &out, true, nil
}

func (s *MemoryDeviceStore) Get(_ context.Context, id string) (*AnonymousDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryDeviceStore) Deactivate(_ context.Context, tenantID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(tenantID, hash)
	if id, ok := s.active[key]; ok {
		if d := s.byID[id]; d != nil {
			d.Active = false
		}
		delete(s.active, key)
	}
	return nil
}

// MemoryUpgradeStore is an in-process UpgradeStore.
type MemoryUpgradeStore struct {
	mu   sync.Mutex
	rows map[string]*Upgrade
}

func NewMemoryUpgradeStore() *MemoryUpgradeStore {
	return &MemoryUpgradeStore{rows: make(map[string]*Upgrade)}
}

func (s *MemoryUpgradeStore) Create(_ context.Context, u *Upgrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = UpgradePending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	s.rows[u.ID] = &cp
	return nil
}

func (s *MemoryUpgradeStore) Get(_ context.Context, id string) (*Upgrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[id]
	if !ok {
		return nil, ErrUpgradeNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUpgradeStore) Complete(_ context.Context, id, newUserID string, at time.Time) (*Upgrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.rows[id]
	if !ok {
		return nil, ErrUpgradeNotFound
	}
	if u.Status == UpgradeCompleted {
		return nil, ErrUpgradeCompleted
	}
	u.Status = UpgradeCompleted
	u.NewUserID = newUserID
	u.CompletedAt = at
	cp := *u
	return &cp, nil
}

// MemoryLinkStore is an in-process LinkStore.
type MemoryLinkStore struct {
	mu   sync.Mutex
	rows map[string]*LinkedIdentity // provider"\x00"providerUser → link
}

func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{rows: make(map[string]*LinkedIdentity)}
}

func linkKey(providerID, providerUserID string) string {
	return providerID + "\x00" + providerUserID
}

func (s *MemoryLinkStore) Link(_ context.Context, l *LinkedIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(l.ProviderID, l.ProviderUserID)
	if prev, ok := s.rows[key]; ok {
		if prev.UserID != l.UserID {
			return ErrLinkTaken
		}
		l.LinkedAt = prev.LinkedAt
	} else if l.LinkedAt.IsZero() {
		l.LinkedAt = time.Now()
	}
	cp := *l
	s.rows[key] = &cp
	return nil
}

func (s *MemoryLinkStore) Find(_ context.Context, providerID, providerUserID string) (*LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[linkKey(providerID, providerUserID)]
	if !ok {
		return nil, ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryLinkStore) ListByUser(_ context.Context, userID string) ([]*LinkedIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LinkedIdentity
	for _, l := range s.rows {
		if l.UserID == userID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryLinkStore) Unlink(_ context.Context, userID, providerID, providerUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(providerID, providerUserID)
	l, ok := s.rows[key]
	if !ok || l.UserID != userID {
		return ErrLinkNotFound
	}
	delete(s.rows, key)
	return nil
}
