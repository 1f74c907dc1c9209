package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/clock"
)

// heapItem wraps a Job for container/heap ordering. Ordering is priority
// first, then enqueue time — §5 explicitly disclaims any other guarantee,
// so (unlike the teacher's scheduler.TaskQueue) there is no anti-starvation
// aging term here.
type heapItem struct {
	job   *aqi.Job
	index int
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority // higher priority first
	}
	return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x interface{}) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queueState holds one named queue's pending heap plus its claimed/paused
// bookkeeping.
type queueState struct {
	pending jobHeap
	paused  bool
}

// MemoryBroker is an in-process Broker adapter, used for tests. Grounded
// on the teacher's scheduler.ThreadSafeQueue (container/heap + mutex).
type MemoryBroker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	clock  clock.Clock
	queues map[string]*queueState
	jobs   map[string]*aqi.Job
}

func NewMemoryBroker(c clock.Clock) *MemoryBroker {
	b := &MemoryBroker{
		clock:  c,
		queues: make(map[string]*queueState),
		jobs:   make(map[string]*aqi.Job),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) stateFor(name string) *queueState {
	s, ok := b.queues[name]
	if !ok {
		s = &queueState{pending: jobHeap{}}
		b.queues[name] = s
	}
	return s
}

func (b *MemoryBroker) Enqueue(_ context.Context, queueName string, jobType aqi.JobType, payload []byte, opts aqi.JobOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	id := uuid.NewString()
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 3
	}
	job := &aqi.Job{
		ID:               id,
		Queue:            queueName,
		Type:             jobType,
		Priority:         opts.Priority,
		Payload:          payload,
		Attempts:         0,
		MaxAttempts:      attempts,
		CreatedAt:        now,
		CorrelationID:    uuid.NewString(),
		Status:           aqi.JobStatusWaiting,
		DedupeKey:        opts.DedupeKey,
		BackoffKind:      opts.BackoffKind,
		BackoffDelay:     opts.BackoffDelay,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
	}
	if opts.Delay > 0 {
		next := now.Add(opts.Delay)
		job.NextRunAt = &next
		job.Status = aqi.JobStatusDelayed
	}

	b.jobs[id] = job
	s := b.stateFor(queueName)
	heap.Push(&s.pending, &heapItem{job: job})
	b.cond.Broadcast()
	return id, nil
}

// Claim returns the highest-priority ready job, blocking until one is
// available or ctx is cancelled.
func (b *MemoryBroker) Claim(ctx context.Context, queueName string) (*aqi.Job, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := b.stateFor(queueName)
		if !s.paused {
			if job := b.popReady(s); job != nil {
				job.Status = aqi.JobStatusActive
				job.Attempts++
				lease := b.clock.Now().Add(30 * time.Second)
				job.LeaseExpiresAt = &lease
				return job, nil
			}
			if s.pending.Len() > 0 {
				// Only delayed jobs are pending; wake up periodically so one
				// whose NextRunAt passes is claimed without another Broadcast.
				t := time.AfterFunc(10*time.Millisecond, func() {
					b.mu.Lock()
					b.cond.Broadcast()
					b.mu.Unlock()
				})
				b.cond.Wait()
				t.Stop()
				continue
			}
		}
		b.cond.Wait()
	}
}

func (b *MemoryBroker) popReady(s *queueState) *aqi.Job {
	now := b.clock.Now()
	// Re-heapify any delayed jobs whose time has come; scan is fine at
	// in-memory scale.
	var deferred []*heapItem
	var ready *heapItem
	for s.pending.Len() > 0 {
		item := heap.Pop(&s.pending).(*heapItem)
		if item.job.NextRunAt != nil && item.job.NextRunAt.After(now) {
			deferred = append(deferred, item)
			continue
		}
		item.job.NextRunAt = nil
		ready = item
		break
	}
	for _, d := range deferred {
		heap.Push(&s.pending, d)
	}
	if ready == nil {
		return nil
	}
	return ready.job
}

func (b *MemoryBroker) Heartbeat(_ context.Context, job *aqi.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: unknown job %s", job.ID)
	}
	lease := b.clock.Now().Add(30 * time.Second)
	stored.LeaseExpiresAt = &lease
	return nil
}

func (b *MemoryBroker) Complete(_ context.Context, job *aqi.Job, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: unknown job %s", job.ID)
	}
	stored.Status = aqi.JobStatusCompleted
	if stored.RemoveOnComplete {
		delete(b.jobs, job.ID)
	}
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, job *aqi.Job, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.jobs[job.ID]
	if !ok {
		return fmt.Errorf("queue: unknown job %s", job.ID)
	}
	if cause != nil {
		stored.LastError = cause.Error()
	}
	if stored.Attempts >= stored.MaxAttempts {
		stored.Status = aqi.JobStatusFailed
		if stored.RemoveOnFail {
			delete(b.jobs, job.ID)
		}
		return nil
	}
	next := NextRunAt(b.clock.Now(), stored)
	stored.NextRunAt = &next
	stored.Status = aqi.JobStatusDelayed
	s := b.stateFor(stored.Queue)
	heap.Push(&s.pending, &heapItem{job: stored})
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Scan(_ context.Context, queueName string, status aqi.JobStatus) ([]*aqi.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*aqi.Job
	for _, j := range b.jobs {
		if j.Queue == queueName && j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (b *MemoryBroker) Pause(_ context.Context, queueName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateFor(queueName).paused = true
	return nil
}

func (b *MemoryBroker) Resume(_ context.Context, queueName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateFor(queueName).paused = false
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Clean(_ context.Context, queueName string, olderThan time.Duration, status aqi.JobStatus) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.clock.Now().Add(-olderThan)
	n := 0
	for id, j := range b.jobs {
		if j.Queue == queueName && j.Status == status && j.CreatedAt.Before(cutoff) {
			delete(b.jobs, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) GetJob(_ context.Context, id string) (*aqi.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, nil
	}
	return j, nil
}

func (b *MemoryBroker) Progress(_ context.Context, job *aqi.Job, pct int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.jobs[job.ID]
	if !ok {
		return errors.New("queue: unknown job")
	}
	stored.Progress = pct
	return nil
}

// ScanStalled reports jobs whose lease has expired while still Active, and
// flips them to Stalled, incrementing StalledCount. Jobs exceeding
// maxStalledCount are failed outright. Mirrors the teacher's
// coordination.LockJanitor scan-and-reclaim pattern, scoped to job leases.
func (b *MemoryBroker) ScanStalled(_ context.Context, maxStalledCount int) ([]*aqi.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var stalled []*aqi.Job
	for _, j := range b.jobs {
		if j.Status != aqi.JobStatusActive || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.StalledCount++
		if j.StalledCount > maxStalledCount {
			j.Status = aqi.JobStatusFailed
			j.LastError = "stalled: lease expired beyond maxStalledCount"
			continue
		}
		j.Status = aqi.JobStatusStalled
		s := b.stateFor(j.Queue)
		heap.Push(&s.pending, &heapItem{job: j})
		stalled = append(stalled, j)
	}
	if len(stalled) > 0 {
		b.cond.Broadcast()
	}
	return stalled, nil
}
