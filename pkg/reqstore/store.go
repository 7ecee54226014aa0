// Package reqstore is the ephemeral per-request verdict store. Several
// interception hooks fire for one network request; the first verdict
// decided for a (request id, hostname) pair is kept here so later hooks
// (telemetry enrichment in particular) avoid a second remote round trip.
package reqstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/schoolnet-labs/warden/pkg/clock"
	"github.com/schoolnet-labs/warden/pkg/urlutil"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

// DefaultTTL is how long a stored snapshot stays readable.
const DefaultTTL = 5 * time.Second

type entry struct {
	verdict      *verdict.Verdict
	responseTime int64 // epoch seconds, stamped on Set
}

// Store maps (request id, hostname) to a verdict snapshot. A request id may
// hold several hostnames across a redirect chain; each has its own stamp.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	logger  *slog.Logger
	buckets map[string]map[string]*entry // request id -> hostname -> entry
}

func New(c clock.Clock, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		clock:   c,
		ttl:     ttl,
		logger:  slog.Default().With("component", "reqstore"),
		buckets: make(map[string]map[string]*entry),
	}
}

// Set stores a snapshot for the request, stamped with the current time.
func (s *Store) Set(requestID, rawURL string, v *verdict.Verdict) {
	hostname := urlutil.Hostname(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[requestID]
	if !ok {
		bucket = make(map[string]*entry)
		s.buckets[requestID] = bucket
	}
	bucket[hostname] = &entry{verdict: v, responseTime: s.clock.Now().Unix()}
}

// Get returns the snapshot for the exact (request id, hostname) key.
// Absence is a normal outcome, not an error.
func (s *Store) Get(requestID, rawURL string) (*verdict.Verdict, bool) {
	hostname := urlutil.Hostname(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[requestID]
	if !ok {
		return nil, false
	}
	e, ok := bucket[hostname]
	if !ok {
		return nil, false
	}
	return e.verdict, true
}

// Remove drops every snapshot for the request id. Called when the request
// is known to have redirected or completed.
func (s *Store) Remove(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, requestID)
}

// Len returns the number of request id buckets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Run sweeps expired buckets until the context is cancelled. The sweep
// interval is min(10s, ttl).
func (s *Store) Run(ctx context.Context) {
	interval := 10 * time.Second
	if s.ttl < interval {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes buckets whose newest snapshot has outlived the TTL. A
// bucket with no stamp at all is also evicted.
func (s *Store) sweep() {
	now := s.clock.Now().Unix()
	ttlSeconds := int64(s.ttl / time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	for requestID, bucket := range s.buckets {
		var newest int64
		for _, e := range bucket {
			if e.responseTime > newest {
				newest = e.responseTime
			}
		}
		if newest == 0 || newest+ttlSeconds < now {
			delete(s.buckets, requestID)
		}
	}
}
