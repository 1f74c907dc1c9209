package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/clock"
)

// RedisBroker is the durable Broker adapter. It stores each job as a JSON
// string value (SET/GET) under jobKey(id), keeps a per-queue sorted set scored by
// priority (ties broken by enqueue time folded into the score) for claim
// ordering, and a lease key per claimed job. The lease-renewal primitive is
// grounded on the teacher's store/redis.go RenewLock Lua script (GET-then-
// PEXPIRE-if-owner), reused here as the job-lease heartbeat.
type RedisBroker struct {
	client *redis.Client
	clock  clock.Clock
	owner  string // this process's lease-owner identity
}

func NewRedisBroker(client *redis.Client, c clock.Clock) *RedisBroker {
	return &RedisBroker{client: client, clock: c, owner: uuid.NewString()}
}

func jobKey(id string) string      { return "job:" + id }
func pendingKey(queue string) string { return "queue:" + queue + ":pending" }
func leaseKey(id string) string    { return "job:" + id + ":lease" }
func pausedKey(queue string) string { return "queue:" + queue + ":paused" }

// score packs (priority, enqueue-time) into a single float64 so ZPOPMAX
// picks the highest priority first and, within a priority, the earliest
// enqueue time (more negative offset sorts first via ZPOPMIN on a negated
// timestamp component — here we encode priority as the dominant term and
// subtract a fractional time offset so earlier jobs score slightly higher
// within the same priority band).
func score(priority aqi.Priority, createdAt time.Time) float64 {
	return float64(priority)*1e13 - float64(createdAt.UnixMilli())/1e5
}

func (b *RedisBroker) Enqueue(ctx context.Context, queueName string, jobType aqi.JobType, payload []byte, opts aqi.JobOptions) (string, error) {
	now := b.clock.Now()
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 3
	}
	job := &aqi.Job{
		ID:               uuid.NewString(),
		Queue:            queueName,
		Type:             jobType,
		Priority:         opts.Priority,
		Payload:          payload,
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

	if err := b.store(ctx, job); err != nil {
		return "", err
	}
	// Delayed jobs go into the same pending set; Claim re-adds any job
	// whose NextRunAt has not arrived yet instead of handing it out.
	if err := b.client.ZAdd(ctx, pendingKey(queueName), redis.Z{Score: score(job.Priority, job.CreatedAt), Member: job.ID}).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue zadd: %w", err)
	}
	return job.ID, nil
}

func (b *RedisBroker) store(ctx context.Context, job *aqi.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return b.client.Set(ctx, jobKey(job.ID), data, 0).Err()
}

func (b *RedisBroker) load(ctx context.Context, id string) (*aqi.Job, error) {
	data, err := b.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job aqi.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job: %w", err)
	}
	return &job, nil
}

// Claim pops the highest-scored ready job id and grants this broker's
// owner a 30s lease on it. It polls with a short sleep rather than a
// blocking Redis primitive, matching the "cooperative long-poll" framing
// in §4.4 without requiring BZPOPMAX semantics the rest of this adapter
// doesn't otherwise need.
func (b *RedisBroker) Claim(ctx context.Context, queueName string) (*aqi.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paused, err := b.client.Exists(ctx, pausedKey(queueName)).Result()
		if err != nil {
			return nil, err
		}
		if paused == 0 {
			res, err := b.client.ZPopMax(ctx, pendingKey(queueName), 1).Result()
			if err != nil {
				return nil, err
			}
			if len(res) > 0 {
				id, _ := res[0].Member.(string)
				job, err := b.load(ctx, id)
				if err != nil || job == nil {
					continue
				}
				if job.NextRunAt != nil && job.NextRunAt.After(b.clock.Now()) {
					// Not due yet; re-add and keep looking.
					b.client.ZAdd(ctx, pendingKey(queueName), redis.Z{Score: score(job.Priority, job.CreatedAt), Member: job.ID})
					continue
				}
				job.Status = aqi.JobStatusActive
				job.Attempts++
				job.NextRunAt = nil
				if err := b.store(ctx, job); err != nil {
					return nil, err
				}
				ttl := 30 * time.Second
				if err := b.client.Set(ctx, leaseKey(job.ID), b.owner, ttl).Err(); err != nil {
					return nil, err
				}
				return job, nil
			}
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// renewLeaseScript is the teacher's store/redis.go RenewLock Lua script,
// reused verbatim for job-lease heartbeats instead of coordination locks.
const renewLeaseScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

func (b *RedisBroker) Heartbeat(ctx context.Context, job *aqi.Job) error {
	res, err := b.client.Eval(ctx, renewLeaseScript, []string{leaseKey(job.ID)}, b.owner, (30 * time.Second).Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	if n, ok := res.(int64); ok && n < 0 {
		log.Printf("queue: heartbeat for job %s found no valid lease (code=%d)", job.ID, n)
	}
	return nil
}

func (b *RedisBroker) Complete(ctx context.Context, job *aqi.Job, _ []byte) error {
	stored, err := b.load(ctx, job.ID)
	if err != nil || stored == nil {
		return fmt.Errorf("queue: complete: job %s not found", job.ID)
	}
	stored.Status = aqi.JobStatusCompleted
	b.client.Del(ctx, leaseKey(job.ID))
	if stored.RemoveOnComplete {
		return b.client.Del(ctx, jobKey(job.ID)).Err()
	}
	return b.store(ctx, stored)
}

func (b *RedisBroker) Fail(ctx context.Context, job *aqi.Job, cause error) error {
	stored, err := b.load(ctx, job.ID)
	if err != nil || stored == nil {
		return fmt.Errorf("queue: fail: job %s not found", job.ID)
	}
	if cause != nil {
		stored.LastError = cause.Error()
	}
	b.client.Del(ctx, leaseKey(job.ID))

	if stored.Attempts >= stored.MaxAttempts {
		stored.Status = aqi.JobStatusFailed
		if stored.RemoveOnFail {
			return b.client.Del(ctx, jobKey(job.ID)).Err()
		}
		return b.store(ctx, stored)
	}

	next := NextRunAt(b.clock.Now(), stored)
	stored.NextRunAt = &next
	stored.Status = aqi.JobStatusDelayed
	if err := b.store(ctx, stored); err != nil {
		return err
	}
	return b.client.ZAdd(ctx, pendingKey(stored.Queue), redis.Z{Score: score(stored.Priority, stored.CreatedAt), Member: stored.ID}).Err()
}

func (b *RedisBroker) Scan(ctx context.Context, queueName string, status aqi.JobStatus) ([]*aqi.Job, error) {
	ids, err := b.client.ZRange(ctx, pendingKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*aqi.Job
	for _, id := range ids {
		j, err := b.load(ctx, id)
		if err != nil || j == nil {
			continue
		}
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (b *RedisBroker) Pause(ctx context.Context, queueName string) error {
	return b.client.Set(ctx, pausedKey(queueName), "1", 0).Err()
}

func (b *RedisBroker) Resume(ctx context.Context, queueName string) error {
	return b.client.Del(ctx, pausedKey(queueName)).Err()
}

func (b *RedisBroker) Clean(ctx context.Context, queueName string, olderThan time.Duration, status aqi.JobStatus) (int, error) {
	jobs, err := b.Scan(ctx, queueName, status)
	if err != nil {
		return 0, err
	}
	cutoff := b.clock.Now().Add(-olderThan)
	n := 0
	for _, j := range jobs {
		if j.CreatedAt.Before(cutoff) {
			b.client.Del(ctx, jobKey(j.ID))
			b.client.ZRem(ctx, pendingKey(queueName), j.ID)
			n++
		}
	}
	return n, nil
}

func (b *RedisBroker) GetJob(ctx context.Context, id string) (*aqi.Job, error) {
	return b.load(ctx, id)
}

func (b *RedisBroker) Progress(ctx context.Context, job *aqi.Job, pct int) error {
	stored, err := b.load(ctx, job.ID)
	if err != nil || stored == nil {
		return fmt.Errorf("queue: progress: job %s not found", job.ID)
	}
	stored.Progress = pct
	return b.store(ctx, stored)
}

// ScanStalled finds claimed jobs whose lease key has expired (GET returns
// nil) while Status is still Active, re-queues them as Stalled up to
// maxStalledCount, and fails them beyond that. Mirrors the teacher's
// coordination.LockJanitor (scan fluxforge:lock:* for stale/fenced locks)
// but scoped to job leases instead of leader locks.
func (b *RedisBroker) ScanStalled(ctx context.Context, queueName string, maxStalledCount int) ([]*aqi.Job, error) {
	active, err := b.Scan(ctx, queueName, aqi.JobStatusActive)
	if err != nil {
		return nil, err
	}
	var stalled []*aqi.Job
	for _, j := range active {
		exists, err := b.client.Exists(ctx, leaseKey(j.ID)).Result()
		if err != nil || exists == 1 {
			continue
		}
		j.StalledCount++
		if j.StalledCount > maxStalledCount {
			j.Status = aqi.JobStatusFailed
			j.LastError = "stalled: lease expired beyond maxStalledCount"
			if err := b.store(ctx, j); err != nil {
				return nil, err
			}
			continue
		}
		j.Status = aqi.JobStatusStalled
		if err := b.store(ctx, j); err != nil {
			return nil, err
		}
		if err := b.client.ZAdd(ctx, pendingKey(queueName), redis.Z{Score: score(j.Priority, j.CreatedAt), Member: j.ID}).Err(); err != nil {
			return nil, err
		}
		stalled = append(stalled, j)
	}
	return stalled, nil
}
