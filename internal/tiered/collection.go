// Package tiered implements the hot/warm/cold tiered store (C8): a shared
// record shape (internal/aqi.Reading) plus a tier tag, migration between
// tiers on age policy, and the two Collection adapters. The per-operation
// port shape is grounded on the teacher's store.Store interface (an
// explicit Go interface fronting swappable backends); this module splits
// it into a narrower Collection abstraction scoped to one tier rather than
// one interface covering agents/state/jobs/coordination, per the design
// note on inheritance-of-schema-across-tiers ("use a single record shape
// plus a tier tag; tier-specific behavior lives in the migration/indexing
// policy, not in the record type").
package tiered

import (
	"context"
	"time"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// Tier identifies one of the three retention classes.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Filters narrows a range query; zero values mean "unfiltered".
type Filters struct {
	Location string
}

// Collection is the per-tier storage port.
type Collection interface {
	Insert(ctx context.Context, r aqi.Reading) error
	// Delete removes the single record identified by (location, timestamp)
	// — the record's identity per §3.
	Delete(ctx context.Context, location string, timestamp time.Time) error
	QueryRange(ctx context.Context, start, end time.Time, filters Filters, limit int) ([]aqi.Reading, error)
	SelectBefore(ctx context.Context, cutoff time.Time, location string, batchSize int) ([]aqi.Reading, error)
	Latest(ctx context.Context, location string) (*aqi.Reading, bool, error)
}

// MigrationStats is the {migrated, deleted, errors} shape §4.7 specifies.
type MigrationStats struct {
	Migrated int
	Deleted  int
	Errors   int
}

// Migrate moves every record in source older than cutoff into target, one
// record at a time so each move is atomic at the per-record level: insert
// into target, then delete the single matching record from source. If the
// insert fails, the delete is never attempted for that record (§4.7).
func Migrate(ctx context.Context, source, target Collection, cutoff time.Time, location string, batchSize int) (MigrationStats, error) {
	var stats MigrationStats
	for {
		batch, err := source.SelectBefore(ctx, cutoff, location, batchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			return stats, nil
		}
		for _, r := range batch {
			if err := target.Insert(ctx, r); err != nil {
				stats.Errors++
				continue
			}
			if err := source.Delete(ctx, r.Location, r.Timestamp); err != nil {
				stats.Errors++
				continue
			}
			stats.Migrated++
			stats.Deleted++
		}
		if len(batch) < batchSize {
			return stats, nil
		}
	}
}
