package dispatcher_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/clock"
	"github.com/aqiwatch/pipeline/internal/dispatcher"
	"github.com/aqiwatch/pipeline/internal/queue"
)

func TestDedupeStore_SuppressesWithinWindow(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	d := dispatcher.NewDedupeStore(fc, 5*time.Minute)

	require.True(t, d.Reserve("paris-fetch-100"))
	require.False(t, d.Reserve("paris-fetch-100"))

	fc.Advance(6 * time.Minute)
	require.True(t, d.Reserve("paris-fetch-100"))
}

func TestDispatcher_ProcessesJobAndTracksStats(t *testing.T) {
	broker := queue.NewMemoryBroker(clock.Real{})
	dd := dispatcher.NewDedupeStore(clock.Real{}, time.Minute)
	disp := dispatcher.New(broker, clock.Real{}, dd)

	var handled int32
	disp.Register("fetch", aqi.JobTypeFetch, 1, time.Second, func(ctx context.Context, job *aqi.Job) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := disp.Submit(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityNormal, Attempts: 1})
	require.NoError(t, err)

	go disp.Run(ctx, "fetch", 1)
	<-ctx.Done()

	require.Equal(t, int32(1), atomic.LoadInt32(&handled))
	stats := disp.Stats("fetch", aqi.JobTypeFetch)
	require.Equal(t, int64(1), stats.Processed)
	require.Equal(t, int64(1), stats.Successful)
}

func TestDispatcher_FinalFailureHookFires(t *testing.T) {
	broker := queue.NewMemoryBroker(clock.Real{})
	dd := dispatcher.NewDedupeStore(clock.Real{}, time.Minute)
	disp := dispatcher.New(broker, clock.Real{}, dd)

	hookFired := make(chan struct{}, 1)
	disp.OnFinalFailure(func(job *aqi.Job, cause error) {
		hookFired <- struct{}{}
	})
	disp.Register("fetch", aqi.JobTypeFetch, 1, time.Second, func(ctx context.Context, job *aqi.Job) error {
		return errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := disp.Submit(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityNormal, Attempts: 1})
	require.NoError(t, err)

	go disp.Run(ctx, "fetch", 1)

	select {
	case <-hookFired:
	case <-time.After(450 * time.Millisecond):
		t.Fatal("OnFinalFailure hook did not fire")
	}
}

func TestDispatcher_EnforcesPerHandlerConcurrencyLimit(t *testing.T) {
	broker := queue.NewMemoryBroker(clock.Real{})
	dd := dispatcher.NewDedupeStore(clock.Real{}, time.Minute)
	disp := dispatcher.New(broker, clock.Real{}, dd)

	var running, maxRunning int32
	disp.Register("fetch", aqi.JobTypeFetch, 1, time.Second, func(ctx context.Context, job *aqi.Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxRunning)
			if n <= cur {
				break
			}
			if atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 6; i++ {
		_, err := disp.Submit(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{Priority: aqi.PriorityNormal, Attempts: 1})
		require.NoError(t, err)
	}

	// Four workers drain the same queue, but the handler is registered
	// with maxConcurrency=1 — the weighted semaphore in process should
	// keep only one of them running the handler body at a time even
	// though all four can claim jobs concurrently.
	go disp.Run(ctx, "fetch", 4)

	require.Eventually(t, func() bool {
		return disp.Stats("fetch", aqi.JobTypeFetch).Processed == 6
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestDispatcher_SubmitSuppressedByDedupe(t *testing.T) {
	broker := queue.NewMemoryBroker(clock.Real{})
	dd := dispatcher.NewDedupeStore(clock.Real{}, time.Minute)
	disp := dispatcher.New(broker, clock.Real{}, dd)

	ctx := context.Background()
	_, err := disp.Submit(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{DedupeKey: "paris-fetch-1"})
	require.NoError(t, err)

	_, err = disp.Submit(ctx, "fetch", aqi.JobTypeFetch, nil, aqi.JobOptions{DedupeKey: "paris-fetch-1"})
	require.Error(t, err)
}
