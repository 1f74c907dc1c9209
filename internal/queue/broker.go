// Package queue defines the durable priority job queue port (C5) the core
// depends on but does not implement the storage engine for, plus two
// adapters: an in-process heap (MemoryBroker, used by tests) and a
// Redis-backed adapter (RedisBroker).
package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// Broker is the abstract durable priority queue port from §4.4.
type Broker interface {
	Enqueue(ctx context.Context, queueName string, jobType aqi.JobType, payload []byte, opts aqi.JobOptions) (string, error)
	// Claim blocks (cooperatively) until a job is available or the context
	// is cancelled.
	Claim(ctx context.Context, queueName string) (*aqi.Job, error)
	Heartbeat(ctx context.Context, job *aqi.Job) error
	Complete(ctx context.Context, job *aqi.Job, result []byte) error
	// Fail reschedules per the job's backoff policy if attempts <
	// maxAttempts, otherwise marks it terminally failed.
	Fail(ctx context.Context, job *aqi.Job, cause error) error
	Scan(ctx context.Context, queueName string, status aqi.JobStatus) ([]*aqi.Job, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
	Clean(ctx context.Context, queueName string, olderThan time.Duration, status aqi.JobStatus) (int, error)
	GetJob(ctx context.Context, id string) (*aqi.Job, error)
	Progress(ctx context.Context, job *aqi.Job, pct int) error
}

// NextRunAt computes the reschedule time for a failed job, per the job's
// backoff policy. Exponential backoff is computed with
// cenkalti/backoff/v4's ExponentialBackOff, stepped Attempts times from
// its initial interval; fixed backoff is a plain constant delay.
func NextRunAt(now time.Time, job *aqi.Job) time.Time {
	switch job.BackoffKind {
	case aqi.BackoffFixed:
		cb := backoff.NewConstantBackOff(job.BackoffDelay)
		return now.Add(cb.NextBackOff())
	default: // exponential
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = job.BackoffDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxInterval = job.BackoffDelay * 64
		eb.MaxElapsedTime = 0 // never stop offering backoffs
		eb.Reset()            // start the sequence from InitialInterval set above
		var delay time.Duration
		for i := 0; i <= job.Attempts; i++ {
			delay = eb.NextBackOff()
		}
		return now.Add(delay)
	}
}
