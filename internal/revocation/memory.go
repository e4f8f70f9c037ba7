package revocation

import (
	"context"
	"sync"
	"time"
)

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// MemoryIndex is the in-process revocation index, sharded by the jti's
// embedded routing index.
type MemoryIndex struct {
	shards   []*memoryShard
	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryIndex(shardCount int) *MemoryIndex {
	if shardCount < 1 {
		shardCount = 1
	}
	idx := &MemoryIndex{
		shards: make([]*memoryShard, shardCount),
		stop:   make(chan struct{}),
	}
	for i := range idx.shards {
		idx.shards[i] = &memoryShard{entries: make(map[string]*Entry)}
	}
	go idx.janitor()
	return idx
}

func (idx *MemoryIndex) shard(jti string) *memoryShard {
	return idx.shards[shardOf(jti, len(idx.shards))]
}

func (idx *MemoryIndex) Revoke(_ context.Context, jti string, ttl time.Duration, reason string) error {
	if ttl < 0 {
		ttl = 0
	}
	now := time.Now()
	entry := &Entry{
		JTI:       jti,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: now.Add(ttl + retentionMargin),
	}
	sh := idx.shard(jti)
	sh.mu.Lock()
	sh.entries[jti] = entry
	sh.mu.Unlock()
	return nil
}

func (idx *MemoryIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	entry, err := idx.Lookup(ctx, jti)
	return entry != nil, err
}

func (idx *MemoryIndex) Lookup(_ context.Context, jti string) (*Entry, error) {
	sh := idx.shard(jti)
	sh.mu.RLock()
	entry, ok := sh.entries[jti]
	sh.mu.RUnlock()
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (idx *MemoryIndex) Close() error {
	idx.stopOnce.Do(func() { close(idx.stop) })
	return nil
}

func (idx *MemoryIndex) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-idx.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sh := range idx.shards {
				sh.mu.Lock()
				for jti, entry := range sh.entries {
					if now.After(entry.ExpiresAt) {
						delete(sh.entries, jti)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
