// Package resilience tracks which of this module's three external
// dependencies — the document store, the queue broker, and the mailer —
// are currently reachable, offers a bounded local-cache fallback while
// one is down, and a WithFallback helper for primary/secondary execution.
// Adapted directly from the teacher's resilience.DegradedMode: same
// bounded-LRU-cache-plus-pending-write-ledger shape, repointed from
// Redis/DB/NATS availability flags to the three dependencies this module
// actually has.
package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// PendingWrite is a cache write made while degraded, recorded in the
// pending-write ledger. Nothing in this package sets Reconciled or replays
// the ledger against the real backend.
type PendingWrite struct {
	Key        string
	Value      interface{}
	Timestamp  int64
	TTL        time.Duration
	Version    int64
	Reconciled bool
}

type cacheEntry struct {
	Value      interface{}
	LastAccess time.Time
}

// DegradedMode tracks store/broker/mailer availability and offers a
// bounded local cache fallback while the store is unreachable.
type DegradedMode struct {
	mu sync.RWMutex

	storeAvailable  bool
	brokerAvailable bool
	mailerAvailable bool

	localCache   map[string]*cacheEntry
	cacheSize    int
	maxCacheSize int

	pendingWrites    []PendingWrite
	maxPendingWrites int
	currentVersion   int64

	degradedModeActive bool
}

func NewDegradedMode() *DegradedMode {
	return &DegradedMode{
		storeAvailable:   true,
		brokerAvailable:  true,
		mailerAvailable:  true,
		localCache:       make(map[string]*cacheEntry),
		maxCacheSize:     10_000,
		pendingWrites:    make([]PendingWrite, 0),
		maxPendingWrites: 10_000,
	}
}

func (d *DegradedMode) MarkStoreUnavailable()  { d.markUnavailable(&d.storeAvailable, "store") }
func (d *DegradedMode) MarkStoreAvailable()    { d.markAvailable(&d.storeAvailable, "store") }
func (d *DegradedMode) MarkBrokerUnavailable() { d.markUnavailable(&d.brokerAvailable, "broker") }
func (d *DegradedMode) MarkBrokerAvailable()   { d.markAvailable(&d.brokerAvailable, "broker") }
func (d *DegradedMode) MarkMailerUnavailable() { d.markUnavailable(&d.mailerAvailable, "mailer") }
func (d *DegradedMode) MarkMailerAvailable()   { d.markAvailable(&d.mailerAvailable, "mailer") }

func (d *DegradedMode) markUnavailable(flag *bool, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if *flag {
		log.Printf("resilience: %s unavailable, entering degraded mode", name)
		*flag = false
		d.degradedModeActive = true
	}
}

func (d *DegradedMode) markAvailable(flag *bool, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !*flag {
		log.Printf("resilience: %s recovered", name)
		*flag = true
		d.refreshDegradedState()
	}
}

func (d *DegradedMode) refreshDegradedState() {
	if d.storeAvailable && d.brokerAvailable && d.mailerAvailable {
		d.degradedModeActive = false
		log.Printf("resilience: all dependencies recovered, normal mode restored")
	}
}

func (d *DegradedMode) IsStoreAvailable() bool  { return d.flag(&d.storeAvailable) }
func (d *DegradedMode) IsBrokerAvailable() bool { return d.flag(&d.brokerAvailable) }
func (d *DegradedMode) IsMailerAvailable() bool { return d.flag(&d.mailerAvailable) }

func (d *DegradedMode) flag(f *bool) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return *f
}

func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degradedModeActive
}

// GetFromCache reads the local fallback cache, updating LRU access time.
func (d *DegradedMode) GetFromCache(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.localCache[key]
	if !ok {
		return nil, false
	}
	entry.LastAccess = time.Now()
	return entry.Value, true
}

// SetInCache stores value in the bounded local cache and appends it to
// the pending-write ledger, dropping the oldest unreconciled entry when
// the ledger is full.
func (d *DegradedMode) SetInCache(key string, value interface{}, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pendingWrites) >= d.maxPendingWrites {
		for i := range d.pendingWrites {
			if !d.pendingWrites[i].Reconciled {
				d.pendingWrites = append(d.pendingWrites[:i], d.pendingWrites[i+1:]...)
				break
			}
		}
	}

	if d.cacheSize >= d.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, e := range d.localCache {
			if first || e.LastAccess.Before(oldestTime) {
				oldestKey, oldestTime, first = k, e.LastAccess, false
			}
		}
		if oldestKey != "" {
			delete(d.localCache, oldestKey)
			d.cacheSize--
		}
	}

	if _, exists := d.localCache[key]; !exists {
		d.cacheSize++
	}
	d.localCache[key] = &cacheEntry{Value: value, LastAccess: time.Now()}

	d.currentVersion++
	d.pendingWrites = append(d.pendingWrites, PendingWrite{
		Key: key, Value: value, Timestamp: time.Now().Unix(), TTL: ttl,
		Version: d.currentVersion,
	})
}

func (d *DegradedMode) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCache = make(map[string]*cacheEntry)
	d.cacheSize = 0
}

// WithFallback runs primary; on failure, runs fallback and reports
// whichever error remains.
func (d *DegradedMode) WithFallback(ctx context.Context, primary, fallback func(context.Context) error) error {
	if err := primary(ctx); err == nil {
		return nil
	} else {
		log.Printf("resilience: primary operation failed: %v, using fallback", err)
	}
	if err := fallback(ctx); err != nil {
		return fmt.Errorf("resilience: primary and fallback both failed: %w", err)
	}
	return nil
}

// HealthCheck reports the availability of each tracked dependency.
func (d *DegradedMode) HealthCheck() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]bool{
		"store":    d.storeAvailable,
		"broker":   d.brokerAvailable,
		"mailer":   d.mailerAvailable,
		"degraded": d.degradedModeActive,
	}
}

// PendingWriteCount reports the number of entries in the pending-write ledger.
func (d *DegradedMode) PendingWriteCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pendingWrites)
}
