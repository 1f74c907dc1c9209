// Package dispatcher implements the job dispatcher (C6): handler
// registration with per-(queue,type) concurrency, a worker pool per queue
// draining Broker.Claim, dedupe suppression, per-job-type stats, and the
// OnFinalFailure hook C10 uses to raise a system_error alert. Grounded on
// the teacher's scheduler.Scheduler worker-pool/mode machinery, with
// ReconciliationTask generalized to aqi.Job and NodeHealth-style gating
// replaced by the breaker/health checks callers perform before Submit.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/clock"
	"github.com/aqiwatch/pipeline/internal/errs"
	"github.com/aqiwatch/pipeline/internal/queue"
)

// Mode mirrors the teacher's SchedulerMode, reused for graceful-shutdown
// draining (§5: "stop claim from broker, wait for in-flight handlers up to
// a configured drain timeout, then broker marks remaining active jobs as
// stalled").
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeDraining Mode = "DRAINING"
)

// Handler processes one claimed job. Returning an error fails the job
// (triggering the broker's backoff reschedule); ctx carries the per-type
// deadline.
type Handler func(ctx context.Context, job *aqi.Job) error

// handlerKey identifies a registered handler by (queue, job type).
type handlerKey struct {
	queue   string
	jobType aqi.JobType
}

// TypeStats is the per-(queue,type) stats struct, modeled on the teacher's
// SchedulerMetrics.
type TypeStats struct {
	Processed        int64
	Successful       int64
	Failed           int64
	AvgExecutionTime time.Duration
	LastProcessedAt  time.Time
}

// OnFinalFailureFunc is invoked once a job has exhausted maxAttempts and
// failed terminally; C10 uses this to raise a system_error AlertRecord.
type OnFinalFailureFunc func(job *aqi.Job, cause error)

// Dispatcher runs one worker pool per registered queue.
type Dispatcher struct {
	broker queue.Broker
	clock  clock.Clock
	dedupe *DedupeStore

	mu              sync.RWMutex
	handlers        map[handlerKey]Handler
	concurrencySems map[handlerKey]*semaphore.Weighted
	stats           map[handlerKey]*TypeStats
	mode            Mode
	timeoutPerType  map[handlerKey]time.Duration

	onFinalFailure OnFinalFailureFunc

	wg sync.WaitGroup
}

func New(broker queue.Broker, c clock.Clock, dedupe *DedupeStore) *Dispatcher {
	return &Dispatcher{
		broker:          broker,
		clock:           c,
		dedupe:          dedupe,
		handlers:        make(map[handlerKey]Handler),
		concurrencySems: make(map[handlerKey]*semaphore.Weighted),
		stats:           make(map[handlerKey]*TypeStats),
		timeoutPerType:  make(map[handlerKey]time.Duration),
		mode:            ModeNormal,
	}
}

// Register binds a handler to (queueName, jobType) with a max-concurrency
// and a per-type execution timeout. maxConcurrency is enforced with a
// weighted semaphore acquired around the handler call in process, so a
// shared worker pool draining multiple job types never runs more than
// maxConcurrency instances of this (queue,type) at once regardless of how
// many workers are polling the queue. maxConcurrency <= 0 means unlimited.
func (d *Dispatcher) Register(queueName string, jobType aqi.JobType, maxConcurrency int, timeout time.Duration, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := handlerKey{queue: queueName, jobType: jobType}
	d.handlers[key] = h
	if maxConcurrency > 0 {
		d.concurrencySems[key] = semaphore.NewWeighted(int64(maxConcurrency))
	} else {
		delete(d.concurrencySems, key)
	}
	d.timeoutPerType[key] = timeout
	d.stats[key] = &TypeStats{}
}

// OnFinalFailure sets the hook called when a job fails terminally.
func (d *Dispatcher) OnFinalFailure(fn OnFinalFailureFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFinalFailure = fn
}

// Submit enqueues a job, honoring dedupe suppression via opts.DedupeKey.
// Returns errs.DedupeSuppressedError, with nothing enqueued, if the bucket
// is already reserved; suppressed submits are not counted in TypeStats.
func (d *Dispatcher) Submit(ctx context.Context, queueName string, jobType aqi.JobType, payload []byte, opts aqi.JobOptions) (string, error) {
	if opts.DedupeKey != "" && d.dedupe != nil && !d.dedupe.Reserve(opts.DedupeKey) {
		return "", &errs.DedupeSuppressedError{DedupeKey: opts.DedupeKey}
	}
	return d.broker.Enqueue(ctx, queueName, jobType, payload, opts)
}

// Run starts a worker pool of size workersPerQueue for queueName, draining
// Broker.Claim until ctx is cancelled or Drain transitions to draining.
func (d *Dispatcher) Run(ctx context.Context, queueName string, workersPerQueue int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workersPerQueue; i++ {
		g.Go(func() error {
			d.worker(gctx, queueName)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, queueName string) {
	for {
		d.mu.RLock()
		draining := d.mode == ModeDraining
		d.mu.RUnlock()
		if draining {
			return
		}

		job, err := d.broker.Claim(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("dispatcher: claim error on queue %s: %v", queueName, err)
			continue
		}

		d.wg.Add(1)
		d.process(ctx, job)
		d.wg.Done()
	}
}

func (d *Dispatcher) process(ctx context.Context, job *aqi.Job) {
	key := handlerKey{queue: job.Queue, jobType: job.Type}
	d.mu.RLock()
	h, ok := d.handlers[key]
	timeout := d.timeoutPerType[key]
	sem := d.concurrencySems[key]
	d.mu.RUnlock()
	if !ok {
		log.Printf("dispatcher: no handler registered for queue=%s type=%s", job.Queue, job.Type)
		d.broker.Fail(ctx, job, fmt.Errorf("no handler for %s/%s", job.Queue, job.Type))
		return
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	if sem != nil {
		// Acquired against the worker's run context, not the per-attempt
		// timeout below, so time spent waiting for a concurrency slot
		// doesn't eat into the handler's own deadline.
		if err := sem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled while waiting; broker's stalled-job recovery reclaims the lease
		}
		defer sem.Release(1)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.clock.Now()
	err := runHandler(hctx, h, job)
	elapsed := d.clock.Now().Sub(start)

	d.recordStats(key, err == nil, elapsed)

	if err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			err = &errs.HandlerTimeoutError{JobType: string(job.Type), Timeout: timeout.String()}
		}
		if failErr := d.broker.Fail(ctx, job, err); failErr != nil {
			log.Printf("dispatcher: broker.Fail error for job %s: %v", job.ID, failErr)
		}
		if job.Attempts >= job.MaxAttempts {
			d.mu.RLock()
			hook := d.onFinalFailure
			d.mu.RUnlock()
			if hook != nil {
				hook(job, err)
			}
		}
		return
	}

	if completeErr := d.broker.Complete(ctx, job, nil); completeErr != nil {
		log.Printf("dispatcher: broker.Complete error for job %s: %v", job.ID, completeErr)
	}
}

// runHandler recovers a handler panic into an error so one bad handler
// can't take down the worker goroutine.
func runHandler(ctx context.Context, h Handler, job *aqi.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (d *Dispatcher) recordStats(key handlerKey, success bool, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stats[key]
	if !ok {
		s = &TypeStats{}
		d.stats[key] = s
	}
	s.Processed++
	if success {
		s.Successful++
	} else {
		s.Failed++
	}
	// Incremental mean: avg_n = avg_{n-1} + (x_n - avg_{n-1}) / n.
	s.AvgExecutionTime += (elapsed - s.AvgExecutionTime) / time.Duration(s.Processed)
	s.LastProcessedAt = d.clock.Now()
}

// Stats returns a snapshot of the per-(queue,type) stats.
func (d *Dispatcher) Stats(queueName string, jobType aqi.JobType) TypeStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.stats[handlerKey{queue: queueName, jobType: jobType}]
	if !ok {
		return TypeStats{}
	}
	return *s
}

// Drain switches the dispatcher into draining mode: workers stop claiming
// new jobs, and this call blocks (up to drainTimeout) for in-flight
// handlers to finish.
func (d *Dispatcher) Drain(drainTimeout time.Duration) {
	d.mu.Lock()
	d.mode = ModeDraining
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Printf("dispatcher: drain timeout exceeded, remaining jobs will be left for the broker's stalled-job recovery")
	}
}
