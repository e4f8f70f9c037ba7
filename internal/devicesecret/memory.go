package devicesecret

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps secrets in process with user and session indexes.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*Secret
	byUser    map[string]map[string]struct{}
	bySession map[string]map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records:   make(map[string]*Secret),
		byUser:    make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		stop:      make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Put(_ context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index(secret.clone())
	return nil
}

// index stores the record and registers it in both lookups. Caller holds mu.
func (s *MemoryStore) index(secret *Secret) {
	s.records[secret.SecretHash] = secret
	if s.byUser[secret.UserID] == nil {
		s.byUser[secret.UserID] = make(map[string]struct{})
	}
	s.byUser[secret.UserID][secret.SecretHash] = struct{}{}
	if s.bySession[secret.SessionID] == nil {
		s.bySession[secret.SessionID] = make(map[string]struct{})
	}
	s.bySession[secret.SessionID][secret.SecretHash] = struct{}{}
}

func (s *MemoryStore) Get(_ context.Context, hash string) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.records[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return secret.clone(), nil
}

func (s *MemoryStore) Mutate(_ context.Context, hash string, fn func(*Secret) (*Secret, error)) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Secret
	if cur, ok := s.records[hash]; ok {
		existing = cur.clone()
	}
	replacement, err := fn(existing)
	if replacement != nil {
		s.index(replacement.clone())
	}
	if err != nil {
		return nil, err
	}
	if replacement == nil {
		return nil, nil
	}
	return replacement.clone(), nil
}

func (s *MemoryStore) ForUser(_ context.Context, userID string) ([]*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Secret
	for hash := range s.byUser[userID] {
		if secret, ok := s.records[hash]; ok {
			out = append(out, secret.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ForSession(_ context.Context, sessionID string) ([]*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Secret
	for hash := range s.bySession[sessionID] {
		if secret, ok := s.records[hash]; ok {
			out = append(out, secret.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(hash)
	return nil
}

// drop removes the record and its index entries. Caller holds mu.
func (s *MemoryStore) drop(hash string) {
	secret, ok := s.records[hash]
	if !ok {
		return
	}
	delete(s.records, hash)
	if set := s.byUser[secret.UserID]; set != nil {
		delete(set, hash)
		if len(set) == 0 {
			delete(s.byUser, secret.UserID)
		}
	}
	if set := s.bySession[secret.SessionID]; set != nil {
		delete(set, hash)
		if len(set) == 0 {
			delete(s.bySession, secret.SessionID)
		}
	}
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for hash, secret := range s.records {
				if now.After(secret.ExpiresAt) {
					s.drop(hash)
				}
			}
			s.mu.Unlock()
		}
	}
}
