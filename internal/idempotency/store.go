// Package idempotency provides the (tenant, idempotencyKey) -> recorded
// outcome store. Records are write-once within their TTL window: the first
// writer wins and every later admission with the same key gets the stored
// outcome verbatim.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is the stored outcome for one admission. Outcome is opaque JSON so
// replays are byte-identical to the first response.
type Record struct {
	Outcome   json.RawMessage
	ExpiresAt time.Time
}

// Store is the atomic idempotency-record store. Begin must be a single
// compare-and-set: concurrent calls for the same key see exactly one
// created=true.
type Store interface {
	// Begin creates the record with the given in-flight outcome if absent.
	// When the record already exists, created is false and existing holds
	// the stored outcome.
	Begin(ctx context.Context, tenant, key string, outcome []byte, ttl time.Duration) (created bool, existing Record, err error)

	// Complete replaces the outcome of an existing record, preserving its
	// original TTL window.
	Complete(ctx context.Context, tenant, key string, outcome []byte) error

	// Get returns the record for the key, if present and unexpired.
	Get(ctx context.Context, tenant, key string) (Record, bool, error)

	// Remove drops the record so a later request with the same key is
	// admitted fresh. Used when admission fails after Begin.
	Remove(ctx context.Context, tenant, key string) error
}

type memoryEntry struct {
	outcome   []byte
	expiresAt time.Time
}

// MemoryStore is the in-process Store used in tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetNow overrides the clock; tests only.
func (s *MemoryStore) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) Begin(ctx context.Context, tenant, key string, outcome []byte, ttl time.Duration) (bool, Record, error) {
	if err := ctx.Err(); err != nil {
		return false, Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	mapKey := recordKey(tenant, key)
	if entry, ok := s.entries[mapKey]; ok && entry.expiresAt.After(now) {
		return false, Record{Outcome: cloneBytes(entry.outcome), ExpiresAt: entry.expiresAt}, nil
	}

	expiresAt := now.Add(ttl)
	s.entries[mapKey] = memoryEntry{outcome: cloneBytes(outcome), expiresAt: expiresAt}
	return true, Record{}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, tenant, key string, outcome []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mapKey := recordKey(tenant, key)
	entry, ok := s.entries[mapKey]
	if !ok || !entry.expiresAt.After(s.now()) {
		return nil
	}
	entry.outcome = cloneBytes(outcome)
	s.entries[mapKey] = entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenant, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[recordKey(tenant, key)]
	if !ok || !entry.expiresAt.After(s.now()) {
		return Record{}, false, nil
	}
	return Record{Outcome: cloneBytes(entry.outcome), ExpiresAt: entry.expiresAt}, true, nil
}

func (s *MemoryStore) Remove(ctx context.Context, tenant, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, recordKey(tenant, key))
	return nil
}

func recordKey(tenant, key string) string {
	return tenant + ":" + key
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
