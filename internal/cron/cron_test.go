package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/breaker"
	"github.com/aqiwatch/pipeline/internal/clock"
	"github.com/aqiwatch/pipeline/internal/cron"
)

func TestScheduler_ExecuteManuallyRunsBody(t *testing.T) {
	b := breaker.New(clock.Real{}, 100, time.Minute)
	s := cron.New(b, nil)
	require.NoError(t, s.AddJob("test-job", "CRON_TZ=UTC 0 0 * * * *", true, "", time.Minute, func(ctx context.Context) error {
		return nil
	}))

	require.NoError(t, s.ExecuteManually(context.Background(), "test-job"))
	stats, err := s.Stats("test-job")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.ExecutionCount)
}

func TestScheduler_ToggleDisablesAutomaticFiring(t *testing.T) {
	b := breaker.New(clock.Real{}, 100, time.Minute)
	s := cron.New(b, nil)
	require.NoError(t, s.AddJob("test-job", "CRON_TZ=UTC 0 0 * * * *", true, "", time.Minute, func(ctx context.Context) error {
		return nil
	}))
	require.NoError(t, s.Toggle("test-job", false))
	stats, err := s.Stats("test-job")
	require.NoError(t, err)
	require.False(t, stats.IsEnabled)
}

func TestScheduler_BreakerOpenBlocksManualRun(t *testing.T) {
	b := breaker.New(clock.Real{}, 1, time.Hour)
	b.OnFailure()
	s := cron.New(b, nil)
	require.NoError(t, s.AddJob("fetch-paris-data", "CRON_TZ=Europe/Paris 0 * * * * *", true, "", time.Minute, func(ctx context.Context) error {
		return nil
	}))

	err := s.ExecuteManually(context.Background(), "fetch-paris-data")
	require.Error(t, err)
}

func TestScheduler_HealthGateBlocksRun(t *testing.T) {
	b := breaker.New(clock.Real{}, 100, time.Minute)
	s := cron.New(b, func(queueName string) float64 { return 0.2 })
	require.NoError(t, s.AddJob("fetch-paris-data", "CRON_TZ=Europe/Paris 0 * * * * *", true, "airQuality", time.Minute, func(ctx context.Context) error {
		return nil
	}))

	err := s.ExecuteManually(context.Background(), "fetch-paris-data")
	require.Error(t, err)
}

func TestScheduler_DedupeKeyBuckets(t *testing.T) {
	b := breaker.New(clock.Real{}, 100, time.Minute)
	s := cron.New(b, nil)
	require.NoError(t, s.AddJob("fetch-paris-data", "CRON_TZ=Europe/Paris 0 * * * * *", true, "", time.Minute, func(ctx context.Context) error {
		return nil
	}))

	t1 := time.Unix(100, 0)
	t2 := time.Unix(110, 0)
	t3 := time.Unix(200, 0)
	k1, err := s.DedupeKey("fetch-paris-data", t1)
	require.NoError(t, err)
	k2, err := s.DedupeKey("fetch-paris-data", t2)
	require.NoError(t, err)
	k3, err := s.DedupeKey("fetch-paris-data", t3)
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestScheduler_DedupeKeyEmptyWithoutPeriodBucket(t *testing.T) {
	b := breaker.New(clock.Real{}, 100, time.Minute)
	s := cron.New(b, nil)
	require.NoError(t, s.AddJob("weekly-cleanup", "CRON_TZ=UTC 0 0 2 * * 0", false, "", 0, func(ctx context.Context) error {
		return nil
	}))

	key, err := s.DedupeKey("weekly-cleanup", time.Unix(100, 0))
	require.NoError(t, err)
	require.Empty(t, key)
}
