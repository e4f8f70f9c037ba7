package session

import (
	"context"
	"sync"
	"time"
)

type memoryShard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// MemoryStore is the in-process sharded session store.
type MemoryStore struct {
	shards []*memoryShard
	maxTTL time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryStore creates a MemoryStore. maxTTL caps extensions beyond
// session creation; zero applies the 24h default.
func NewMemoryStore(shardCount int, maxTTL time.Duration) *MemoryStore {
	if shardCount < 1 {
		shardCount = 1
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	s := &MemoryStore{
		shards: make([]*memoryShard, shardCount),
		maxTTL: maxTTL,
		stop:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{sessions: make(map[string]*Session)}
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) shard(id string) (*memoryShard, error) {
	idx, err := shardOf(id, len(s.shards))
	if err != nil {
		return nil, err
	}
	return s.shards[idx], nil
}

func (s *MemoryStore) Create(_ context.Context, userID string, ttl time.Duration, data map[string]string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        MintID(len(s.shards)),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: capExpiry(now, now.Add(ttl), s.maxTTL),
	}
	if len(data) > 0 {
		sess.Data = make(map[string]string, len(data))
		for k, v := range data {
			sess.Data[k] = v
		}
	}
	shard, err := s.shard(sess.ID)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	shard.sessions[sess.ID] = sess
	shard.mu.Unlock()
	return sess.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	shard, err := s.shard(id)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	sess, ok := shard.sessions[id]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Extend(_ context.Context, id string, extra time.Duration) (*Session, error) {
	return s.mutate(id, func(sess *Session) error {
		proposed := time.Now().Add(extra)
		// Idempotent under skew: expiry only moves forward.
		if proposed.After(sess.ExpiresAt) {
			sess.ExpiresAt = capExpiry(sess.CreatedAt, proposed, s.maxTTL)
		}
		return nil
	})
}

func (s *MemoryStore) UpdateData(_ context.Context, id string, patch map[string]string) (*Session, error) {
	return s.mutate(id, func(sess *Session) error {
		if sess.Data == nil {
			sess.Data = make(map[string]string, len(patch))
		}
		for k, v := range patch {
			if v == "" {
				delete(sess.Data, k)
				continue
			}
			sess.Data[k] = v
		}
		return nil
	})
}

func (s *MemoryStore) UpdateUser(_ context.Context, id, newUserID string) (*Session, error) {
	return s.mutate(id, func(sess *Session) error {
		sess.UserID = newUserID
		return nil
	})
}

func (s *MemoryStore) Invalidate(_ context.Context, id string) (bool, error) {
	shard, err := s.shard(id)
	if err != nil {
		return false, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	sess, ok := shard.sessions[id]
	if !ok {
		return false, nil
	}
	delete(shard.sessions, id)
	return !time.Now().After(sess.ExpiresAt), nil
}

func (s *MemoryStore) mutate(id string, fn func(*Session) error) (*Session, error) {
	shard, err := s.shard(id)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	sess, ok := shard.sessions[id]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Close stops the janitor.
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
			for _, shard := range s.shards {
				shard.mu.Lock()
				for id, sess := range shard.sessions {
					if now.After(sess.ExpiresAt) {
						delete(shard.sessions, id)
					}
				}
				shard.mu.Unlock()
			}
		}
	}
}
