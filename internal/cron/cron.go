// Package cron implements the time-zone-aware cron scheduler (C7): the
// named jobs fired on the schedules in the external-interfaces table, the
// data-fetch ones gated by the circuit breaker and (for fetch-paris-data)
// by queue health,
// with per-job stats and manual synchronous invocation. Grounded on
// github.com/robfig/cron/v3, which several repos in the retrieved pack
// reach for to run exactly this kind of named, tz-scoped job table. The
// pre-enqueue admission gating is generalized from the teacher's
// scheduler.Scheduler.Submit chain (breaker check, then a mode/health
// check) down to the two checks §4.6 actually calls for.
package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aqiwatch/pipeline/internal/breaker"
)

// JobFunc is the body a named cron job runs on each tick (or on manual
// invocation). It returns an error to record as LastError.
type JobFunc func(ctx context.Context) error

// HealthGate reports the current healthScore for a queue; used only by
// fetch-paris-data per §4.6.
type HealthGate func(queueName string) float64

// JobStats is the per-job stats struct from §4.6.
type JobStats struct {
	LastExecution         time.Time
	NextExecution         time.Time
	ExecutionCount        int64
	FailureCount          int64
	LastExecutionDuration time.Duration
	LastError             string
	IsEnabled             bool
	SkippedBreakerOpen    int64
	SkippedHealthGated    int64
}

// jobEntry bundles one named job's configuration and mutable stats.
type jobEntry struct {
	name           string
	spec           string // includes CRON_TZ=... prefix where applicable
	fn             JobFunc
	gateBreaker    bool
	healthGateName string // non-empty only for fetch-paris-data
	periodBucket   time.Duration

	mu    sync.Mutex
	stats JobStats
	cronID cron.EntryID
}

// Scheduler runs the named cron jobs.
type Scheduler struct {
	c       *cron.Cron
	breaker *breaker.Breaker
	health  HealthGate

	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

// New constructs a Scheduler. breaker gates all data-fetch jobs; health
// additionally gates fetch-paris-data.
func New(breaker *breaker.Breaker, health HealthGate) *Scheduler {
	return &Scheduler{
		c:       cron.New(cron.WithSeconds()),
		breaker: breaker,
		health:  health,
		jobs:    make(map[string]*jobEntry),
	}
}

// AddJob registers a named job on a cron spec. gateBreaker gates the tick
// on the shared breaker (§4.6: "before enqueue, consult C2 for data-fetch
// jobs"); healthGateQueue, if non-empty, additionally requires that
// queue's healthScore >= 0.7 before firing. periodBucket is the bucket
// width used to build the dedupe key `<jobname>-<floor(now/periodBucket)>`.
func (s *Scheduler) AddJob(name, spec string, gateBreaker bool, healthGateQueue string, periodBucket time.Duration, fn JobFunc) error {
	entry := &jobEntry{
		name:           name,
		spec:           spec,
		fn:             fn,
		gateBreaker:    gateBreaker,
		healthGateName: healthGateQueue,
		periodBucket:   periodBucket,
		stats:          JobStats{IsEnabled: true},
	}

	id, err := s.c.AddFunc(spec, func() { s.fire(entry) })
	if err != nil {
		return fmt.Errorf("cron: add job %s: %w", name, err)
	}
	entry.cronID = id

	s.mu.Lock()
	s.jobs[name] = entry
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fire(e *jobEntry) {
	e.mu.Lock()
	enabled := e.stats.IsEnabled
	e.mu.Unlock()
	if !enabled {
		return
	}

	if e.gateBreaker && !s.breaker.Allow() {
		e.mu.Lock()
		e.stats.SkippedBreakerOpen++
		e.mu.Unlock()
		log.Printf("cron: %s skipped: breaker-open", e.name)
		return
	}

	if e.healthGateName != "" && s.health != nil {
		if score := s.health(e.healthGateName); score < 0.7 {
			e.mu.Lock()
			e.stats.SkippedHealthGated++
			e.mu.Unlock()
			log.Printf("cron: %s skipped: healthScore %.2f < 0.7", e.name, score)
			return
		}
	}

	s.run(e, context.Background())
}

func (s *Scheduler) run(e *jobEntry, ctx context.Context) {
	start := time.Now()
	err := e.fn(ctx)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.stats.LastExecution = start
	e.stats.ExecutionCount++
	e.stats.LastExecutionDuration = elapsed
	if err != nil {
		e.stats.FailureCount++
		e.stats.LastError = err.Error()
		log.Printf("cron: job %s failed: %v", e.name, err)
	} else {
		e.stats.LastError = ""
	}
	if entries := s.c.Entries(); true {
		for _, ent := range entries {
			if ent.ID == e.cronID {
				e.stats.NextExecution = ent.Next
				break
			}
		}
	}
	e.mu.Unlock()
}

// ExecuteManually runs the named job's body synchronously, bypassing the
// schedule but still subject to breaker/health gating.
func (s *Scheduler) ExecuteManually(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	if e.gateBreaker && !s.breaker.Allow() {
		return fmt.Errorf("cron: %s not executed: breaker open", name)
	}
	if e.healthGateName != "" && s.health != nil {
		if score := s.health(e.healthGateName); score < 0.7 {
			return fmt.Errorf("cron: %s not executed: healthScore %.2f < 0.7", name, score)
		}
	}
	s.run(e, ctx)
	return nil
}

// Toggle enables or disables a named job live.
func (s *Scheduler) Toggle(name string, enabled bool) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	e.mu.Lock()
	e.stats.IsEnabled = enabled
	e.mu.Unlock()
	return nil
}

// Stats returns a snapshot of a named job's stats.
func (s *Scheduler) Stats(name string) (JobStats, error) {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return JobStats{}, fmt.Errorf("cron: unknown job %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, nil
}

// DedupeKey builds the bucketed dedupe key `<jobname>-<floor(now/period)>`
// for a named job, using its configured period bucket. A job registered
// without a period bucket (periodBucket <= 0) has no bucketed dedupe
// concept, so this returns ("", nil) rather than dividing by zero — safe
// for callers to pass straight through as an empty, no-op
// aqi.JobOptions.DedupeKey.
func (s *Scheduler) DedupeKey(name string, now time.Time) (string, error) {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("cron: unknown job %q", name)
	}
	if e.periodBucket <= 0 {
		return "", nil
	}
	bucket := now.Unix() / int64(e.periodBucket.Seconds())
	return fmt.Sprintf("%s-%d", name, bucket), nil
}

// Start begins firing scheduled ticks.
func (s *Scheduler) Start() { s.c.Start() }

// Stop halts the cron scheduler without waiting; the returned context is
// done once any in-flight tick has finished.
func (s *Scheduler) Stop() context.Context { return s.c.Stop() }
