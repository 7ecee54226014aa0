package verdict

import (
	"context"
	"sync"

	"github.com/schoolnet-labs/warden/pkg/clock"
)

// Cache stores verdicts keyed by normalized domain. Entries are
// last-write-wins; a verdict with TTL <= 0 is never stored.
type Cache interface {
	// Get returns a cached verdict. Unless ignoreTTL is set, an entry whose
	// validity window has passed behaves as a miss.
	Get(ctx context.Context, domain string, ignoreTTL bool) (*Verdict, bool)
	Put(ctx context.Context, domain string, v *Verdict)
	// Reset drops every entry. Called when an administrative bypass verdict
	// is observed and on every policy-change event from the server.
	Reset(ctx context.Context)
	// Len is the entry count, exposed for observability.
	Len(ctx context.Context) int
}

// MemoryCache is the default process-local cache.
type MemoryCache struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]*Verdict
}

func NewMemoryCache(c clock.Clock) *MemoryCache {
	return &MemoryCache{
		clock:   c,
		entries: make(map[string]*Verdict),
	}
}

func (m *MemoryCache) Get(_ context.Context, domain string, ignoreTTL bool) (*Verdict, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[domain]
	if !ok {
		return nil, false
	}
	if !ignoreTTL && v.Expired(m.clock.Now().Unix()) {
		return nil, false
	}
	return v, true
}

func (m *MemoryCache) Put(_ context.Context, domain string, v *Verdict) {
	if v == nil || v.TTL <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[domain] = v
}

func (m *MemoryCache) Reset(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Verdict)
}

func (m *MemoryCache) Len(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
