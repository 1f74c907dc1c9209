package aggregator

import (
	"context"
	"time"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/router"
	"github.com/aqiwatch/pipeline/internal/tiered"
)

// collectionSource adapts a single tiered.Collection to Source — used
// when aggregating directly over the hot tier, where same-day data lives.
type collectionSource struct{ c tiered.Collection }

func FromCollection(c tiered.Collection) Source { return collectionSource{c} }

func (s collectionSource) QueryRange(ctx context.Context, start, end time.Time, filters SourceFilters, limit int) ([]aqi.Reading, error) {
	return s.c.QueryRange(ctx, start, end, tiered.Filters{Location: filters.Location}, limit)
}

// routerSource adapts a router.Router to Source — used when a day's data
// may span a tier boundary (e.g. re-aggregating a day just migrated).
type routerSource struct{ r *router.Router }

func FromRouter(r *router.Router) Source { return routerSource{r} }

func (s routerSource) QueryRange(ctx context.Context, start, end time.Time, filters SourceFilters, limit int) ([]aqi.Reading, error) {
	result, err := s.r.QueryRange(ctx, start, end, tiered.Filters{Location: filters.Location}, limit)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}
