// Package aggregator implements the daily aggregation pipeline (C9): a
// single pass over a location's readings for one day producing the
// DailyAggregation document, an UPSERT on (date, location), a cache
// write with a day-dependent TTL, and a trend calculation across a
// window of prior aggregates. Grounded on the teacher's
// scheduler.CalculateCompositeScore (a single-pass weighted accumulation
// over a small fixed set of fields) for the shape of the per-pass
// accumulator, generalized from a score to a full statistics record.
package aggregator

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// Source is the narrow read port the aggregator needs, satisfied by
// internal/tiered.Collection and internal/router.Router alike.
type Source interface {
	QueryRange(ctx context.Context, start, end time.Time, filters SourceFilters, limit int) ([]aqi.Reading, error)
}

// SourceFilters mirrors tiered.Filters without importing it, so this
// package stays usable against either a single collection or the router.
type SourceFilters struct {
	Location string
}

// Store persists the finalized DailyAggregation, keyed by (date, location).
type Store interface {
	Upsert(ctx context.Context, agg aqi.DailyAggregation) error
}

// Cache is the TTL-keyed cache the aggregator writes computed/partial
// results to under `daily-stats:{location}:{date}`.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

const (
	fullDayCacheTTL    = 24 * time.Hour
	partialDayCacheTTL = time.Hour
)

// Aggregator computes and persists DailyAggregation documents.
type Aggregator struct {
	source Source
	store  Store
	cache  Cache
	now    func() time.Time
}

func New(source Source, store Store, cache Cache, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{source: source, store: store, cache: cache, now: now}
}

type hourBucket struct {
	sumAQI int
	count  int
}

// Finalize computes the DailyAggregation for (location, date). partial
// indicates the caller is asking for "current day" behavior: the result
// is computed and cached with a 1h TTL but never UPSERTed, per §4.8 step 5.
func (a *Aggregator) Finalize(ctx context.Context, location string, date time.Time, partial bool) (aqi.DailyAggregation, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	nextDay := startOfDay.Add(24 * time.Hour)

	readings, err := a.source.QueryRange(ctx, startOfDay, nextDay, SourceFilters{Location: location}, 0)
	if err != nil {
		return aqi.DailyAggregation{}, err
	}

	var (
		sum               int
		count             int
		maxAQI            = aqi.ExtremeAQI{Value: math.MinInt32}
		minAQI            = aqi.ExtremeAQI{Value: math.MaxInt32}
		hourly            [24]hourBucket
		pollutantCounts   = make(map[aqi.Pollutant]int)
		levelCounts       = make(map[aqi.Level]int)
	)

	for _, r := range readings {
		sum += r.AQI
		count++
		if r.AQI > maxAQI.Value {
			maxAQI = aqi.ExtremeAQI{Value: r.AQI, TimeISO: r.Timestamp}
		}
		if r.AQI < minAQI.Value {
			minAQI = aqi.ExtremeAQI{Value: r.AQI, TimeISO: r.Timestamp}
		}
		h := r.Timestamp.Hour()
		hourly[h].sumAQI += r.AQI
		hourly[h].count++
		pollutantCounts[r.MainPollutant]++
		levelCounts[r.Level]++
	}

	agg := aqi.DailyAggregation{
		Date:              startOfDay.Format("2006-01-02"),
		Location:          location,
		RecordCount:       count,
		LevelDistribution: levelCounts,
		CalculatedAt:      a.now(),
	}

	if count == 0 {
		maxAQI = aqi.ExtremeAQI{}
		minAQI = aqi.ExtremeAQI{}
	} else {
		agg.AvgAQI = math.Round(float64(sum)/float64(count)*100) / 100
	}
	agg.MaxAQI = maxAQI
	agg.MinAQI = minAQI

	var missingHours []int
	for h := 0; h < 24; h++ {
		if hourly[h].count == 0 {
			missingHours = append(missingHours, h)
			agg.HourlyAverages[h] = 0
			continue
		}
		agg.HourlyAverages[h] = math.Round(float64(hourly[h].sumAQI)/float64(hourly[h].count)*100) / 100
	}
	agg.MissingDataHours = missingHours

	var (
		dominant      aqi.Pollutant
		dominantCount int
	)
	for p, c := range pollutantCounts {
		if c > dominantCount {
			dominant, dominantCount = p, c
		}
	}
	agg.DominantPollutant = dominant
	agg.PollutionLevel = aqi.LevelForAQI(int(math.Round(agg.AvgAQI)))

	if !partial {
		if err := a.store.Upsert(ctx, agg); err != nil {
			return aqi.DailyAggregation{}, err
		}
	}

	if a.cache != nil {
		ttl := fullDayCacheTTL
		if partial {
			ttl = partialDayCacheTTL
		}
		if blob, err := json.Marshal(agg); err == nil {
			_ = a.cache.Set(ctx, cacheKey(location, agg.Date), blob, ttl)
		}
	}

	return agg, nil
}

func cacheKey(location, date string) string {
	return "daily-stats:" + location + ":" + date
}

// Trend is the labeled direction of a window of daily aggregates.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendWorsening Trend = "worsening"
	TrendStable    Trend = "stable"
)

// CalculateTrend compares the mean AQI of the first third of window
// against the last third; aggregates must already be ordered oldest to
// newest. Windows shorter than 3 entries are always stable.
func CalculateTrend(window []aqi.DailyAggregation) Trend {
	n := len(window)
	if n < 3 {
		return TrendStable
	}
	third := n / 3
	first := meanAQI(window[:third])
	last := meanAQI(window[n-third:])

	switch {
	case last < first-5:
		return TrendImproving
	case last > first+5:
		return TrendWorsening
	default:
		return TrendStable
	}
}

func meanAQI(window []aqi.DailyAggregation) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, a := range window {
		sum += a.AvgAQI
	}
	return sum / float64(len(window))
}

// WeeklyReport summarizes a run of daily aggregates: the trend across the
// window plus a count of unhealthy days, resolving the §9 open question
// that "unhealthyDays" is a day-level rollup (a day whose pollutionLevel
// ranks above "Unhealthy for Sensitive Groups"), distinct from the
// hour-level MissingDataHours/per-hour detail a single DailyAggregation
// already carries.
type WeeklyReport struct {
	Location      string
	StartDate     string
	EndDate       string
	Days          int
	UnhealthyDays int
	AvgAQI        float64
	Trend         Trend
}

// Weekly builds a WeeklyReport from a run of DailyAggregations, ordered
// oldest to newest, for a single location. Callers typically pass the last
// 7 consecutive days, but any window length is accepted.
func Weekly(window []aqi.DailyAggregation) WeeklyReport {
	report := WeeklyReport{Days: len(window), Trend: CalculateTrend(window)}
	if len(window) == 0 {
		return report
	}
	report.Location = window[0].Location
	report.StartDate = window[0].Date
	report.EndDate = window[len(window)-1].Date
	report.AvgAQI = math.Round(meanAQI(window)*100) / 100
	for _, d := range window {
		if d.PollutionLevel.IsUnhealthy() {
			report.UnhealthyDays++
		}
	}
	return report
}
