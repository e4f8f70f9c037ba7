package refresh

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps family records in process. Expired records read back as
// absent immediately and are evicted by a janitor.
type MemoryStore struct {
	mu       sync.Mutex
	families map[string]*Family
	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		families: make(map[string]*Family),
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fam, ok := s.families[key]
	if !ok || time.Now().After(fam.ExpiresAt) {
		return nil, ErrFamilyNotFound
	}
	return fam.Clone(), nil
}

func (s *MemoryStore) Mutate(_ context.Context, key string, fn func(existing *Family) (*Family, error)) (*Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Family
	if fam, ok := s.families[key]; ok && time.Now().Before(fam.ExpiresAt) {
		existing = fam.Clone()
	}
	replacement, err := fn(existing)
	if replacement != nil {
		s.families[key] = replacement.Clone()
	}
	if err != nil {
		return nil, err
	}
	if replacement == nil {
		return existing, nil
	}
	return replacement.Clone(), nil
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
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, fam := range s.families {
				if now.After(fam.ExpiresAt) {
					delete(s.families, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
