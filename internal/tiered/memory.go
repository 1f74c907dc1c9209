package tiered

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// MemoryCollection is an in-process Collection adapter used for tests.
// Grounded on the teacher's
// store.MemoryStore (guarded map, copy-on-read CRUD) with the tenant
// scoping stripped — the Non-goals exclude multi-tenancy so there is no
// tenant key to carry.
type MemoryCollection struct {
	mu      sync.RWMutex
	records map[string]aqi.Reading // key: location|timestampUnixNano
}

func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{records: make(map[string]aqi.Reading)}
}

func recordKey(location string, ts time.Time) string {
	return fmt.Sprintf("%s|%d", location, ts.UnixNano())
}

func (c *MemoryCollection) Insert(_ context.Context, r aqi.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := recordKey(r.Location, r.Timestamp)
	if _, exists := c.records[key]; exists {
		// Identity is deduplicated at write per §3.
		return nil
	}
	c.records[key] = r
	return nil
}

func (c *MemoryCollection) Delete(_ context.Context, location string, timestamp time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, recordKey(location, timestamp))
	return nil
}

func (c *MemoryCollection) QueryRange(_ context.Context, start, end time.Time, filters Filters, limit int) ([]aqi.Reading, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []aqi.Reading
	for _, r := range c.records {
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		if filters.Location != "" && r.Location != filters.Location {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *MemoryCollection) SelectBefore(_ context.Context, cutoff time.Time, location string, batchSize int) ([]aqi.Reading, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []aqi.Reading
	for _, r := range c.records {
		if !r.Timestamp.Before(cutoff) {
			continue
		}
		if location != "" && r.Location != location {
			continue
		}
		out = append(out, r)
		if len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (c *MemoryCollection) Latest(_ context.Context, location string) (*aqi.Reading, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest *aqi.Reading
	for _, r := range c.records {
		if r.Location != location {
			continue
		}
		rCopy := r
		if latest == nil || rCopy.Timestamp.After(latest.Timestamp) {
			latest = &rCopy
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	return latest, true, nil
}

// Count reports the number of records currently held, used by migration
// invariant tests (count(hot ∪ warm ∪ cold) is non-decreasing).
func (c *MemoryCollection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
