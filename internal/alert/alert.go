// Package alert implements the alert engine (C10): the six built-in
// conditions, throttle/escalation bookkeeping backed by a CAS
// ThrottleStore, email dispatch through internal/mailer, escalation
// notification through internal/notify, acknowledge semantics and
// retention. Grounded on the teacher's ReconciliationError plus
// scheduler.SchedulerMetrics for the shape of a small table of named,
// severity-tagged conditions each evaluated against a live metrics
// snapshot.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/mailer"
	"github.com/aqiwatch/pipeline/internal/notify"
	"github.com/aqiwatch/pipeline/internal/render"
)

// ConditionID identifies one of the six built-in conditions.
type ConditionID string

const (
	ConditionAPIFailures      ConditionID = "api_failures"
	ConditionHighPollution    ConditionID = "high_pollution"
	ConditionExtremePollution ConditionID = "extreme_pollution"
	ConditionQueueBacklog     ConditionID = "queue_backlog"
	ConditionSystemErrorRate  ConditionID = "system_error_rate"
	ConditionStorageUsage     ConditionID = "storage_usage"
)

// condition is one row of the built-in condition table.
type condition struct {
	id            ConditionID
	severity      aqi.Severity
	throttle      time.Duration
	escalateAfter time.Duration
}

var builtinConditions = map[ConditionID]condition{
	ConditionAPIFailures:      {ConditionAPIFailures, aqi.SeverityCritical, 30 * time.Minute, 60 * time.Minute},
	ConditionHighPollution:    {ConditionHighPollution, aqi.SeverityMedium, 60 * time.Minute, 120 * time.Minute},
	ConditionExtremePollution: {ConditionExtremePollution, aqi.SeverityHigh, 30 * time.Minute, 60 * time.Minute},
	ConditionQueueBacklog:     {ConditionQueueBacklog, aqi.SeverityMedium, 15 * time.Minute, 45 * time.Minute},
	ConditionSystemErrorRate:  {ConditionSystemErrorRate, aqi.SeverityHigh, 10 * time.Minute, 30 * time.Minute},
	ConditionStorageUsage:     {ConditionStorageUsage, aqi.SeverityMedium, 60 * time.Minute, 180 * time.Minute},
}

// Trigger describes a condition firing, carrying whatever detail the
// rendered template needs.
type Trigger struct {
	Condition ConditionID
	Location  string
	AQI       int
	Detail    string
}

// Store persists and queries AlertRecords.
type Store interface {
	Insert(ctx context.Context, record aqi.AlertRecord) error
	Acknowledge(ctx context.Context, id, user string, at time.Time) error
	ListActive(ctx context.Context) ([]aqi.AlertRecord, error)
	ClearOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Engine evaluates conditions and dispatches alerts.
type Engine struct {
	throttles  ThrottleStore
	store      Store
	mailer     mailer.Mailer
	notifier   notify.Notifier
	recipients []string
	escalation []string
	now        func() time.Time
}

func New(throttles ThrottleStore, store Store, m mailer.Mailer, n notify.Notifier, recipients, escalationRecipients []string, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		throttles:  throttles,
		store:      store,
		mailer:     m,
		notifier:   n,
		recipients: recipients,
		escalation: escalationRecipients,
		now:        now,
	}
}

// Evaluate runs the named condition's trigger logic. If throttled, it
// returns (nil, nil) — no alert created, no error.
func (e *Engine) Evaluate(ctx context.Context, trigger Trigger) (*aqi.AlertRecord, error) {
	cond, ok := builtinConditions[trigger.Condition]
	if !ok {
		return nil, fmt.Errorf("alert: unknown condition %q", string(trigger.Condition))
	}
	key := string(trigger.Condition)
	now := e.now()

	for {
		state, existed, err := e.throttles.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existed && now.Sub(state.LastTriggeredAt) < cond.throttle {
			return nil, nil
		}

		escalated := existed && state.Count > 3 && now.Sub(state.LastTriggeredAt) < cond.escalateAfter

		expectedVersion := int64(0)
		if existed {
			expectedVersion = state.Version
		}
		next := aqi.ThrottleState{
			LastTriggeredAt: now,
			Count:           state.Count + 1,
			Escalated:       escalated,
			Version:         expectedVersion + 1,
		}

		applied, err := e.throttles.CompareAndSwap(ctx, key, expectedVersion, next)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue // lost the race, re-read and retry
		}

		return e.fire(ctx, cond, trigger, escalated, now)
	}
}

func (e *Engine) fire(ctx context.Context, cond condition, trigger Trigger, escalated bool, now time.Time) (*aqi.AlertRecord, error) {
	recipients := append([]string(nil), e.recipients...)
	if escalated {
		recipients = append(recipients, e.escalation...)
	}

	body, err := render.Render(string(cond.id), render.Data{
		ConditionID: string(cond.id),
		Severity:    cond.severity,
		Location:    trigger.Location,
		AQI:         trigger.AQI,
		TriggeredAt: now.Format(time.RFC3339),
		Detail:      trigger.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("alert: render %s: %w", cond.id, err)
	}

	record := aqi.AlertRecord{
		ID:          uuid.NewString(),
		Type:        string(cond.id),
		Severity:    cond.severity,
		TriggeredAt: now,
		ThrottleKey: string(cond.id),
		Escalated:   escalated,
		Recipients:  recipients,
	}

	deliveryID, sendErr := e.mailer.Send(ctx, mailer.Message{
		To:      recipients,
		Subject: fmt.Sprintf("[%s] %s", cond.severity, cond.id),
		Body:    body,
	})
	if sendErr != nil {
		record.DispatchError = sendErr.Error()
	} else {
		record.EmailSent = true
		record.EmailDeliveryID = deliveryID
	}

	notifyWorthy := escalated || cond.severity == aqi.SeverityHigh || cond.severity == aqi.SeverityCritical
	if notifyWorthy && e.notifier != nil {
		_ = e.notifier.NotifyEscalation(ctx, string(cond.id), string(cond.severity), body)
	}

	if err := e.store.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("alert: insert record: %w", err)
	}
	return &record, nil
}

// Acknowledge marks an alert acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, id, user string) error {
	return e.store.Acknowledge(ctx, id, user, e.now())
}

// ListActive returns unacknowledged alerts.
func (e *Engine) ListActive(ctx context.Context) ([]aqi.AlertRecord, error) {
	return e.store.ListActive(ctx)
}

// ClearOlderThan removes alert records older than the given retention
// window in days.
func (e *Engine) ClearOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := e.now().AddDate(0, 0, -days)
	return e.store.ClearOlderThan(ctx, cutoff)
}
