package aggregator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/aggregator"
	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/tiered"
)

type fakeStore struct {
	upserted []aqi.DailyAggregation
}

func (s *fakeStore) Upsert(_ context.Context, agg aqi.DailyAggregation) error {
	s.upserted = append(s.upserted, agg)
	return nil
}

type fakeCache struct {
	sets map[string][]byte
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if c.sets == nil {
		c.sets = make(map[string][]byte)
	}
	c.sets[key] = value
	return nil
}

func TestAggregator_FinalizeComputesStatsAndUpserts(t *testing.T) {
	coll := tiered.NewMemoryCollection()
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, coll.Insert(ctx, aqi.Reading{
		Location: "paris", Timestamp: day.Add(1 * time.Hour), AQI: 40,
		MainPollutant: aqi.PollutantP1, Level: aqi.LevelGood,
	}))
	require.NoError(t, coll.Insert(ctx, aqi.Reading{
		Location: "paris", Timestamp: day.Add(5 * time.Hour), AQI: 120,
		MainPollutant: aqi.PollutantO3, Level: aqi.LevelUnhealthySensitiveGroups,
	}))

	store := &fakeStore{}
	cache := &fakeCache{}
	agg := aggregator.New(aggregator.FromCollection(coll), store, cache, func() time.Time { return day })

	result, err := agg.Finalize(ctx, "paris", day, false)
	require.NoError(t, err)
	require.Equal(t, 2, result.RecordCount)
	require.InDelta(t, 80.0, result.AvgAQI, 0.01)
	require.Equal(t, 120, result.MaxAQI.Value)
	require.Equal(t, 40, result.MinAQI.Value)
	require.Len(t, result.MissingDataHours, 22)
	require.Len(t, store.upserted, 1)
	require.Contains(t, cache.sets, "daily-stats:paris:2026-03-10")
}

func TestAggregator_PartialDayDoesNotUpsert(t *testing.T) {
	coll := tiered.NewMemoryCollection()
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	store := &fakeStore{}
	agg := aggregator.New(aggregator.FromCollection(coll), store, nil, func() time.Time { return day })

	_, err := agg.Finalize(ctx, "paris", day, true)
	require.NoError(t, err)
	require.Empty(t, store.upserted)
}

func TestCalculateTrend(t *testing.T) {
	window := []aqi.DailyAggregation{
		{AvgAQI: 100}, {AvgAQI: 100}, {AvgAQI: 100},
		{AvgAQI: 50}, {AvgAQI: 50}, {AvgAQI: 50},
	}
	require.Equal(t, aggregator.TrendImproving, aggregator.CalculateTrend(window))

	worsening := []aqi.DailyAggregation{
		{AvgAQI: 50}, {AvgAQI: 50}, {AvgAQI: 50},
		{AvgAQI: 100}, {AvgAQI: 100}, {AvgAQI: 100},
	}
	require.Equal(t, aggregator.TrendWorsening, aggregator.CalculateTrend(worsening))

	stable := []aqi.DailyAggregation{
		{AvgAQI: 50}, {AvgAQI: 51}, {AvgAQI: 52},
	}
	require.Equal(t, aggregator.TrendStable, aggregator.CalculateTrend(stable))
}

func TestWeekly_CountsUnhealthyDaysAndCarriesTrend(t *testing.T) {
	window := []aqi.DailyAggregation{
		{Location: "paris", Date: "2026-03-01", AvgAQI: 40, PollutionLevel: aqi.LevelGood},
		{Location: "paris", Date: "2026-03-02", AvgAQI: 110, PollutionLevel: aqi.LevelUnhealthySensitiveGroups},
		{Location: "paris", Date: "2026-03-03", AvgAQI: 160, PollutionLevel: aqi.LevelUnhealthy},
		{Location: "paris", Date: "2026-03-04", AvgAQI: 210, PollutionLevel: aqi.LevelVeryUnhealthy},
		{Location: "paris", Date: "2026-03-05", AvgAQI: 30, PollutionLevel: aqi.LevelGood},
		{Location: "paris", Date: "2026-03-06", AvgAQI: 35, PollutionLevel: aqi.LevelGood},
		{Location: "paris", Date: "2026-03-07", AvgAQI: 45, PollutionLevel: aqi.LevelGood},
	}

	report := aggregator.Weekly(window)
	require.Equal(t, "paris", report.Location)
	require.Equal(t, "2026-03-01", report.StartDate)
	require.Equal(t, "2026-03-07", report.EndDate)
	require.Equal(t, 7, report.Days)
	// Unhealthy for Sensitive Groups does not itself count; only the two
	// days ranked strictly above it do.
	require.Equal(t, 2, report.UnhealthyDays)
	require.Equal(t, aggregator.TrendImproving, report.Trend)
}

func TestWeekly_EmptyWindow(t *testing.T) {
	report := aggregator.Weekly(nil)
	require.Equal(t, 0, report.Days)
	require.Equal(t, 0, report.UnhealthyDays)
	require.Equal(t, aggregator.TrendStable, report.Trend)
}
