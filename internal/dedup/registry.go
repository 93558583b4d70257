// Package dedup provides time-bounded deduplication of stream events.
//
// The private channels deliver at least once: reconnects replay snapshots and
// the exchange occasionally re-sends an update with the same timestamp. Each
// observation is identified by an (id, uTime) pair — (ordId, uTime) for orders,
// (posId, uTime) for positions — and tracked through two sets:
//
//   - inflight:  claimed but not yet fully processed (short TTL)
//   - processed: fully processed (long TTL)
//
// A key never appears in both sets at once. Expired entries are swept lazily,
// at most once per second, so memory stays bounded by the events inside the
// TTL window.
package dedup

import (
	"sync"
	"time"
)

// Key identifies a single observation of an update.
type Key struct {
	ID    string
	UTime int64
}

// Registry is a concurrent set of processed and in-flight event keys.
type Registry struct {
	mu           sync.Mutex
	inflight     map[Key]time.Time
	processed    map[Key]time.Time
	inflightTTL  time.Duration
	processedTTL time.Duration
	lastSweep    time.Time

	now func() time.Time // test hook
}

// New creates a registry with the given TTLs for the processed and
// in-flight sets.
func New(processedTTL, inflightTTL time.Duration) *Registry {
	return &Registry{
		inflight:     make(map[Key]time.Time),
		processed:    make(map[Key]time.Time),
		inflightTTL:  inflightTTL,
		processedTTL: processedTTL,
		now:          time.Now,
	}
}

// TryClaim atomically claims a key for processing. It returns false if the
// key is already in flight or already processed; on true the key is inserted
// into the in-flight set.
func (r *Registry) TryClaim(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	if _, ok := r.inflight[k]; ok {
		return false
	}
	if _, ok := r.processed[k]; ok {
		return false
	}
	r.inflight[k] = r.now()
	return true
}

// MarkProcessed moves a key from the in-flight set to the processed set.
func (r *Registry) MarkProcessed(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, k)
	r.processed[k] = r.now()
}

// IsProcessed reports whether the key has been fully processed within the TTL.
func (r *Registry) IsProcessed(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	_, ok := r.processed[k]
	return ok
}

// Release drops a claimed key without marking it processed, so a later
// delivery of the same observation can claim it again.
func (r *Registry) Release(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, k)
}

// Len returns the current sizes of the in-flight and processed sets.
func (r *Registry) Len() (inflight, processed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight), len(r.processed)
}

// sweepLocked expires old entries. Runs at most once per second.
func (r *Registry) sweepLocked() {
	now := r.now()
	if now.Sub(r.lastSweep) < time.Second {
		return
	}
	r.lastSweep = now

	for k, t := range r.inflight {
		if now.Sub(t) > r.inflightTTL {
			delete(r.inflight, k)
		}
	}
	for k, t := range r.processed {
		if now.Sub(t) > r.processedTTL {
			delete(r.processed, k)
		}
	}
}
