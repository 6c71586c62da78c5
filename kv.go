package agentstart

import (
	"context"
	"sync"
	"time"
)

// KV is a TTL key-value store. It backs the sandbox lease protocol and
// must be safe for concurrent use. Any store supporting SET-with-TTL and
// DEL can implement it; kv/redis provides the Redis-backed adapter and
// MemoryKV the in-process one.
type KV interface {
	// Set writes value under key with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value and whether the key exists (and is unexpired).
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the key exists and is unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}

// MemoryKV is an in-process KV with lazy TTL expiry. Suitable for tests
// and single-process deployments.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]kvEntry
	// now is swappable in tests to control expiry.
	now func() time.Time
}

type kvEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryKV creates an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]kvEntry), now: time.Now}
}

var _ KV = (*MemoryKV)(nil)

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}
