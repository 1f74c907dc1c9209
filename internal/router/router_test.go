package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/router"
	"github.com/aqiwatch/pipeline/internal/tiered"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRouter_QueryRangeOnlyTouchesIntersectingTiers(t *testing.T) {
	hot := tiered.NewMemoryCollection()
	warm := tiered.NewMemoryCollection()
	cold := tiered.NewMemoryCollection()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, hot.Insert(ctx, aqi.Reading{Location: "paris", Timestamp: now.Add(-time.Hour), AQI: 50}))
	require.NoError(t, warm.Insert(ctx, aqi.Reading{Location: "paris", Timestamp: now.AddDate(0, 0, -60), AQI: 60}))
	require.NoError(t, cold.Insert(ctx, aqi.Reading{Location: "paris", Timestamp: now.AddDate(-2, 0, 0), AQI: 70}))

	r := router.New(hot, warm, cold, nil, fixedNow(now))

	result, err := r.QueryRange(ctx, now.Add(-2*time.Hour), now, tiered.Filters{Location: "paris"}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	require.Contains(t, result.Sources, tiered.TierHot)
	require.NotContains(t, result.Sources, tiered.TierWarm)
	require.NotContains(t, result.Sources, tiered.TierCold)
}

func TestRouter_QueryRangeMergesSortsAndTruncates(t *testing.T) {
	hot := tiered.NewMemoryCollection()
	warm := tiered.NewMemoryCollection()
	cold := tiered.NewMemoryCollection()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, hot.Insert(ctx, aqi.Reading{Location: "paris", Timestamp: now.Add(-time.Hour), AQI: 50}))
	require.NoError(t, warm.Insert(ctx, aqi.Reading{Location: "paris", Timestamp: now.AddDate(0, 0, -60), AQI: 60}))

	r := router.New(hot, warm, cold, nil, fixedNow(now))

	result, err := r.QueryRange(ctx, now.AddDate(0, 0, -90), now, tiered.Filters{Location: "paris"}, 1)
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalCount)
	require.Len(t, result.Rows, 1)
	require.Equal(t, 50, result.Rows[0].AQI)
}

func TestRouter_LatestForProbesHotThenWarmThenCold(t *testing.T) {
	hot := tiered.NewMemoryCollection()
	warm := tiered.NewMemoryCollection()
	cold := tiered.NewMemoryCollection()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, warm.Insert(ctx, aqi.Reading{Location: "lyon", Timestamp: now, AQI: 30}))

	r := router.New(hot, warm, cold, nil, fixedNow(now))
	reading, tier, ok, err := r.LatestFor(ctx, "lyon")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tiered.TierWarm, tier)
	require.Equal(t, 30, reading.AQI)
}
