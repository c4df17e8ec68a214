package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu     sync.Mutex
	ledger *Ledger
	refs   int
}

// MemoryStore keeps ledgers in process memory. Updates of one key are
// serialised by that key's mutex; different keys never contend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) acquire(key string) *memoryEntry {
	s.mu.Lock()
	entry := s.entries[key]
	if entry == nil {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.refs++
	s.mu.Unlock()
	entry.mu.Lock()
	return entry
}

func (s *MemoryStore) release(key string, entry *memoryEntry) {
	entry.mu.Unlock()
	s.mu.Lock()
	entry.refs--
	if entry.refs == 0 && entry.ledger == nil && s.entries[key] == entry {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Ledger, error) {
	if ctx != nil {
		if errCtx := ctx.Err(); errCtx != nil {
			return nil, errCtx
		}
	}
	entry := s.acquire(key)
	defer s.release(key, entry)

	created := entry.ledger == nil
	working := entry.ledger.Clone()
	if working == nil {
		working = &Ledger{Key: key}
	}
	if errFn := fn(working, created); errFn != nil {
		return nil, errFn
	}
	working.Key = key
	entry.ledger = working
	return working.Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Ledger, error) {
	s.mu.Lock()
	entry := s.entries[key]
	if entry != nil {
		entry.refs++
	}
	s.mu.Unlock()
	if entry == nil {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	ledger := entry.ledger.Clone()
	s.release(key, entry)
	if ledger == nil {
		return nil, ErrNotFound
	}
	return ledger, nil
}

// Search implements Store.
func (s *MemoryStore) Search(_ context.Context, filter Filter) ([]*Ledger, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	out := make([]*Ledger, 0, len(keys))
	for _, key := range keys {
		ledger, errGet := s.Get(context.Background(), key)
		if errGet != nil {
			continue
		}
		if filter.Match(ledger) {
			out = append(out, ledger)
		}
	}
	return filter.Page(out), nil
}

// Sweep drops ledgers untouched for longer than idle and returns how many
// were removed. Blocked ledgers are kept until their block expires.
func (s *MemoryStore) Sweep(now time.Time, idle time.Duration) int {
	if s == nil || idle <= 0 {
		return 0
	}
	cutoff := now.Add(-idle)
	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if entry.refs > 0 || entry.ledger == nil {
			continue
		}
		if entry.ledger.BlockUntil != nil && entry.ledger.BlockUntil.After(now) {
			continue
		}
		if entry.ledger.UpdatedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored ledgers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
