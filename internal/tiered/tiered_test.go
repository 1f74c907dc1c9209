package tiered_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/tiered"
)

func reading(location string, ts time.Time) aqi.Reading {
	return aqi.Reading{Location: location, Timestamp: ts, AQI: 42}
}

func TestMemoryCollection_InsertAndLatest(t *testing.T) {
	c := tiered.NewMemoryCollection()
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)
	t1 := time.Now()

	require.NoError(t, c.Insert(ctx, reading("paris", t0)))
	require.NoError(t, c.Insert(ctx, reading("paris", t1)))

	latest, ok, err := c.Latest(ctx, "paris")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, latest.Timestamp.Equal(t1))
}

func TestMemoryCollection_QueryRangeFiltersAndOrders(t *testing.T) {
	c := tiered.NewMemoryCollection()
	ctx := context.Background()
	base := time.Now().Add(-3 * time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Insert(ctx, reading("paris", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, c.Insert(ctx, reading("lyon", base)))

	out, err := c.QueryRange(ctx, base.Add(-time.Minute), time.Now(), tiered.Filters{Location: "paris"}, 10)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.True(t, out[0].Timestamp.After(out[1].Timestamp))
}

func TestMemoryCollection_QueryRangeExcludesUpperBound(t *testing.T) {
	c := tiered.NewMemoryCollection()
	ctx := context.Background()
	start := time.Now().Add(-24 * time.Hour)
	end := time.Now()

	require.NoError(t, c.Insert(ctx, reading("paris", start)))
	require.NoError(t, c.Insert(ctx, reading("paris", end)))

	out, err := c.QueryRange(ctx, start, end, tiered.Filters{Location: "paris"}, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].Timestamp.Equal(start))
}

func TestMigrate_MovesOnlyRecordsBeforeCutoffAndDeletesSourceSide(t *testing.T) {
	source := tiered.NewMemoryCollection()
	target := tiered.NewMemoryCollection()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	require.NoError(t, source.Insert(ctx, reading("paris", old)))
	require.NoError(t, source.Insert(ctx, reading("paris", recent)))

	cutoff := time.Now().Add(-24 * time.Hour)
	stats, err := tiered.Migrate(ctx, source, target, cutoff, "paris", 100)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Migrated)
	require.Equal(t, 1, stats.Deleted)
	require.Equal(t, 0, stats.Errors)
	require.Equal(t, 1, source.Count())
	require.Equal(t, 1, target.Count())

	_, ok, err := target.Latest(ctx, "paris")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMigrate_BatchesUntilShortBatchSignalsDone(t *testing.T) {
	source := tiered.NewMemoryCollection()
	target := tiered.NewMemoryCollection()
	ctx := context.Background()

	base := time.Now().Add(-72 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, source.Insert(ctx, reading("paris", base.Add(time.Duration(i)*time.Minute))))
	}

	cutoff := time.Now()
	stats, err := tiered.Migrate(ctx, source, target, cutoff, "paris", 2)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Migrated)
	require.Equal(t, 0, source.Count())
	require.Equal(t, 5, target.Count())
}
