package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/authrim/authrim/internal/storage"
)

// Store persists the Ring. Update applies an updater function atomically so
// rotation is indivisible: readers see either the old or the new ring,
// never a partial one.
type Store interface {
	Get(ctx context.Context) (*Ring, error)
	Update(ctx context.Context, updater func(*Ring) (*Ring, error)) error
}

// MemoryStore keeps the ring in process. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu   sync.Mutex
	ring *Ring
}

// NewMemoryStore creates an empty in-process ring store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ring: &Ring{}}
}

func (s *MemoryStore) Get(context.Context) (*Ring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRing(s.ring), nil
}

func (s *MemoryStore) Update(_ context.Context, updater func(*Ring) (*Ring, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := updater(cloneRing(s.ring))
	if err != nil {
		return err
	}
	s.ring = next
	return nil
}

func cloneRing(r *Ring) *Ring {
	if r == nil {
		return &Ring{}
	}
	out := &Ring{NextRotation: r.NextRotation}
	if r.Active != nil {
		a := *r.Active
		out.Active = &a
	}
	for _, k := range r.Overlap {
		c := *k
		out.Overlap = append(out.Overlap, &c)
	}
	return out
}

const kvRingKey = "keyring:state"

// KVStore persists the ring as JSON in the shared key-value backend.
// Rotation runs on a single scheduler instance, so get-mutate-set is
// sufficient for Update.
type KVStore struct {
	kv storage.KeyValue
}

// NewKVStore creates a ring store over kv.
func NewKVStore(kv storage.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Get(ctx context.Context) (*Ring, error) {
	raw, err := s.kv.Get(ctx, kvRingKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &Ring{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ring Ring
	if err := json.Unmarshal([]byte(raw), &ring); err != nil {
		return nil, fmt.Errorf("unmarshal key ring: %w", err)
	}
	return &ring, nil
}

func (s *KVStore) Update(ctx context.Context, updater func(*Ring) (*Ring, error)) error {
	ring, err := s.Get(ctx)
	if err != nil {
		return err
	}
	next, err := updater(ring)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal key ring: %w", err)
	}
	return s.kv.Set(ctx, kvRingKey, string(raw), 0)
}
