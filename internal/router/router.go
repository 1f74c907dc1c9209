// Package router implements the smart query router (part of C8): fan out
// a range query to only the tiers whose retention window intersects
// [start,end], merge and sort the results, and probe hot→warm→cold for
// the latest reading at a location. Grounded on the teacher's pattern of
// fanning work out with golang.org/x/sync/errgroup (scheduler.go uses the
// same package for its reconciliation sweep) rather than hand-rolled
// WaitGroup plumbing.
package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/tiered"
)

// Cache is the narrow caching port the router uses for invalidation; a
// real deployment backs it with Redis, tests with an in-memory stub.
type Cache interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Result is the queryRange response shape from §4.7.
type Result struct {
	Rows            []aqi.Reading
	Sources         map[tiered.Tier]int
	TotalCount      int
	ExecutionTimeMs int64
}

// Router fans a range query out across the three tiers, querying only the
// ones whose retention window can contain any part of [start,end].
type Router struct {
	hot, warm, cold tiered.Collection
	cache           Cache
	now             func() time.Time
}

func New(hot, warm, cold tiered.Collection, cache Cache, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{hot: hot, warm: warm, cold: cold, cache: cache, now: now}
}

// tierWindow returns the inclusive age boundary separating hot from warm
// (30 days) and warm from cold (365 days), per §4.7's migration cutoffs.
func (r *Router) tierWindow() (thirtyDaysAgo, oneYearAgo time.Time) {
	n := r.now()
	return n.AddDate(0, 0, -30), n.AddDate(0, 0, -365)
}

// QueryRange issues tier queries in parallel for every tier whose window
// intersects [start,end], merges the results, sorts by timestamp
// descending, and truncates to limit.
func (r *Router) QueryRange(ctx context.Context, start, end time.Time, filters tiered.Filters, limit int) (Result, error) {
	startedAt := r.now()
	thirtyDaysAgo, oneYearAgo := r.tierWindow()

	type tierQuery struct {
		tier tiered.Tier
		coll tiered.Collection
	}
	var queries []tierQuery
	// hot holds [now-30d, now]; warm holds [now-365d, now-30d); cold holds (-inf, now-365d).
	if end.After(thirtyDaysAgo) {
		queries = append(queries, tierQuery{tiered.TierHot, r.hot})
	}
	if start.Before(thirtyDaysAgo) && end.After(oneYearAgo) {
		queries = append(queries, tierQuery{tiered.TierWarm, r.warm})
	}
	if start.Before(oneYearAgo) {
		queries = append(queries, tierQuery{tiered.TierCold, r.cold})
	}

	rowsByTier := make([][]aqi.Reading, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			rows, err := q.coll.QueryRange(gctx, start, end, filters, 0)
			if err != nil {
				return err
			}
			rowsByTier[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	sources := make(map[tiered.Tier]int, len(queries))
	var merged []aqi.Reading
	for i, q := range queries {
		sources[q.tier] = len(rowsByTier[i])
		merged = append(merged, rowsByTier[i]...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.After(merged[j].Timestamp) })
	total := len(merged)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	return Result{
		Rows:            merged,
		Sources:         sources,
		TotalCount:      total,
		ExecutionTimeMs: r.now().Sub(startedAt).Milliseconds(),
	}, nil
}

// LatestFor probes hot, then warm, then cold, returning the first hit.
func (r *Router) LatestFor(ctx context.Context, location string) (*aqi.Reading, tiered.Tier, bool, error) {
	for _, entry := range []struct {
		tier tiered.Tier
		coll tiered.Collection
	}{
		{tiered.TierHot, r.hot},
		{tiered.TierWarm, r.warm},
		{tiered.TierCold, r.cold},
	} {
		reading, ok, err := entry.coll.Latest(ctx, location)
		if err != nil {
			return nil, "", false, err
		}
		if ok {
			return reading, entry.tier, true, nil
		}
	}
	return nil, "", false, nil
}

// Invalidate drops every cache entry whose key starts with prefix — the
// cache-invalidation policy this module settled on in place of a
// published-events bus the teacher's own cache layer never needed either.
func (r *Router) Invalidate(ctx context.Context, prefix string) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	return r.cache.DeletePrefix(ctx, strings.TrimSuffix(prefix, "*"))
}
