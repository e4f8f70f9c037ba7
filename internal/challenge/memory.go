package challenge

import (
	"context"
	"sync"
	"time"
)

// retentionGrace keeps expired records around briefly so consumers can tell
// "expired" apart from "never existed" (device flow reports these
// differently).
const retentionGrace = time.Hour

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*Challenge
}

// MemoryStore is the in-process sharded Store. Operations on one challenge
// id serialize at its owning shard; different shards proceed in parallel.
type MemoryStore struct {
	shards []*memoryShard

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryStore creates a MemoryStore with shardCount shards (minimum 1)
// and starts its expiry janitor.
func NewMemoryStore(shardCount int) *MemoryStore {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &MemoryStore{
		shards: make([]*memoryShard, shardCount),
		stop:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: make(map[string]*Challenge)}
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) shard(id string) *memoryShard {
	return s.shards[shardFromID(id, len(s.shards))]
}

func (s *MemoryStore) Put(_ context.Context, c *Challenge) error {
	shard := s.shard(c.ID)
	shard.mu.Lock()
	shard.records[c.ID] = c.Clone()
	shard.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Challenge, error) {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	c, ok := shard.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(time.Now()) {
		return c.Clone(), ErrExpired
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Consume(_ context.Context, id string, pred Predicate) (*Challenge, error) {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if c.Expired(now) {
		return c.Clone(), ErrExpired
	}
	if c.Consumed() {
		return c.Clone(), ErrAlreadyConsumed
	}
	if pred != nil {
		if err := pred(c); err != nil {
			// Meta mutations (attempt counters) stick; the challenge stays live.
			return c.Clone(), err
		}
	}
	c.ConsumedAt = &now
	return c.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*Challenge) error) (*Challenge, error) {
	shard := s.shard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Expired(time.Now()) {
		return c.Clone(), ErrExpired
	}
	if err := mutate(c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	shard := s.shard(id)
	shard.mu.Lock()
	delete(shard.records, id)
	shard.mu.Unlock()
	return nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// janitor removes records once they are past expiry plus the retention
// grace. Per-shard sweeps keep lock hold times short.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retentionGrace)
			for _, shard := range s.shards {
				shard.mu.Lock()
				for id, c := range shard.records {
					if c.ExpiresAt.Before(cutoff) {
						delete(shard.records, id)
					}
				}
				shard.mu.Unlock()
			}
		}
	}
}
