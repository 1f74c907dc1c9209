package dispatcher

import (
	"sync"
	"time"

	"github.com/aqiwatch/pipeline/internal/clock"
)

// DedupeStore suppresses re-enqueue of jobs sharing a bucketed key (e.g.
// "paris-fetch-<minute>") within a window, then garbage collects the key
// after it. Grounded on idempotency.Store's shape (guarded map, TTL-based
// expiry) but ticker-swept instead of checked lazily on read, matching §5's
// "guarded map; background sweep every minute" for dedupe keys (the
// teacher's own idempotency.Store only prunes entries it happens to read).
type DedupeStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]time.Time // key -> expiresAt

	stopCh chan struct{}
}

func NewDedupeStore(c clock.Clock, ttl time.Duration) *DedupeStore {
	return &DedupeStore{
		clock:   c,
		ttl:     ttl,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// Reserve returns true if key was not already reserved (and reserves it),
// false if it's already within its suppression window.
func (d *DedupeStore) Reserve(key string) bool {
	if key == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if expiresAt, ok := d.entries[key]; ok && expiresAt.After(now) {
		return false
	}
	d.entries[key] = now.Add(d.ttl)
	return true
}

// StartSweep runs a background goroutine that prunes expired keys every
// interval, until Stop is called.
func (d *DedupeStore) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sweep()
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *DedupeStore) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for k, expiresAt := range d.entries {
		if !expiresAt.After(now) {
			delete(d.entries, k)
		}
	}
}

func (d *DedupeStore) Stop() {
	close(d.stopCh)
}
