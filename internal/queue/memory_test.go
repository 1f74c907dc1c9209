package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/clock"
	"github.com/aqiwatch/pipeline/internal/queue"
)

func TestMemoryBroker_ClaimsHighestPriorityFirst(t *testing.T) {
	b := queue.NewMemoryBroker(clock.Real{})
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityLow, Attempts: 3})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityCritical, Attempts: 3})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := b.Claim(cctx, "fetch")
	require.NoError(t, err)
	require.Equal(t, aqi.PriorityCritical, job.Priority)
	require.Equal(t, aqi.JobStatusActive, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestMemoryBroker_FailReschedulesUntilMaxAttempts(t *testing.T) {
	b := queue.NewMemoryBroker(clock.Real{})
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{
		Priority: aqi.PriorityNormal, Attempts: 2, BackoffKind: aqi.BackoffFixed, BackoffDelay: time.Millisecond,
	})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := b.Claim(cctx, "fetch")
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, b.Fail(ctx, job, nil))
	got, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, aqi.JobStatusDelayed, got.Status)

	cctx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	job2, err := b.Claim(cctx2, "fetch")
	require.NoError(t, err)
	require.Equal(t, 2, job2.Attempts)

	require.NoError(t, b.Fail(ctx, job2, nil))
	got2, err := b.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, aqi.JobStatusFailed, got2.Status)
}

func TestMemoryBroker_PauseBlocksClaim(t *testing.T) {
	b := queue.NewMemoryBroker(clock.Real{})
	ctx := context.Background()

	require.NoError(t, b.Pause(ctx, "fetch"))
	_, err := b.Enqueue(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityNormal, Attempts: 1})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Claim(cctx, "fetch")
	require.Error(t, err)
}

func TestMemoryBroker_ScanStalledRequeuesExpiredLease(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := queue.NewMemoryBroker(fc)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityNormal, Attempts: 3})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = b.Claim(cctx, "fetch")
	require.NoError(t, err)

	fc.Advance(time.Minute)
	stalled, err := b.ScanStalled(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, aqi.JobStatusStalled, stalled[0].Status)
}
