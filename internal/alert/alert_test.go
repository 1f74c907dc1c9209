package alert_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/alert"
	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/mailer"
	"github.com/aqiwatch/pipeline/internal/notify"
)

type memStore struct {
	mu      sync.Mutex
	records []aqi.AlertRecord
}

func (s *memStore) Insert(_ context.Context, r aqi.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) Acknowledge(_ context.Context, id, user string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Acknowledged = true
			s.records[i].AcknowledgedBy = user
			s.records[i].AcknowledgedAt = &at
		}
	}
	return nil
}

func (s *memStore) ListActive(_ context.Context) ([]aqi.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []aqi.AlertRecord
	for _, r := range s.records {
		if !r.Acknowledged {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ClearOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []aqi.AlertRecord
	removed := 0
	for _, r := range s.records {
		if r.TriggeredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *recordingNotifier) NotifyEscalation(_ context.Context, _, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func TestEngine_EvaluateNotifiesOnHighSeverityEvenWithoutEscalation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	notifier := &recordingNotifier{}
	eng := alert.New(alert.NewMemoryThrottleStore(), store, mailer.NewLogMailer(), notifier,
		nil, nil, func() time.Time { return now })

	record, err := eng.Evaluate(context.Background(), alert.Trigger{
		Condition: alert.ConditionExtremePollution, Location: "paris", AQI: 240,
	})
	require.NoError(t, err)
	require.False(t, record.Escalated)
	require.Equal(t, aqi.SeverityHigh, record.Severity)
	require.Equal(t, 1, notifier.calls)
}

func TestEngine_EvaluateDoesNotNotifyOnMediumSeverityFirstTrigger(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	notifier := &recordingNotifier{}
	eng := alert.New(alert.NewMemoryThrottleStore(), store, mailer.NewLogMailer(), notifier,
		nil, nil, func() time.Time { return now })

	_, err := eng.Evaluate(context.Background(), alert.Trigger{Condition: alert.ConditionQueueBacklog})
	require.NoError(t, err)
	require.Equal(t, 0, notifier.calls)
}

func TestEngine_EvaluateCreatesAlertOnFirstTrigger(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	eng := alert.New(alert.NewMemoryThrottleStore(), store, mailer.NewLogMailer(), notify.NewLogNotifier(),
		[]string{"ops@example.com"}, []string{"oncall@example.com"}, func() time.Time { return now })

	record, err := eng.Evaluate(context.Background(), alert.Trigger{
		Condition: alert.ConditionHighPollution, Location: "paris", AQI: 160, Detail: "sustained",
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	require.True(t, record.EmailSent)
	require.False(t, record.Escalated)
}

func TestEngine_EvaluateThrottlesWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{}
	eng := alert.New(alert.NewMemoryThrottleStore(), store, mailer.NewLogMailer(), notify.NewLogNotifier(),
		nil, nil, func() time.Time { return now })
	ctx := context.Background()

	_, err := eng.Evaluate(ctx, alert.Trigger{Condition: alert.ConditionQueueBacklog})
	require.NoError(t, err)

	record, err := eng.Evaluate(ctx, alert.Trigger{Condition: alert.ConditionQueueBacklog})
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestEngine_AcknowledgeRemovesFromActive(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	eng := alert.New(alert.NewMemoryThrottleStore(), store, mailer.NewLogMailer(), notify.NewLogNotifier(),
		nil, nil, func() time.Time { return now })
	ctx := context.Background()

	record, err := eng.Evaluate(ctx, alert.Trigger{Condition: alert.ConditionStorageUsage})
	require.NoError(t, err)
	require.NoError(t, eng.Acknowledge(ctx, record.ID, "alice"))

	active, err := eng.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestEngine_ClearOlderThanRemovesOldRecords(t *testing.T) {
	now := time.Now()
	store := &memStore{records: []aqi.AlertRecord{
		{ID: "old", TriggeredAt: now.AddDate(0, 0, -40)},
		{ID: "new", TriggeredAt: now},
	}}
	eng := alert.New(alert.NewMemoryThrottleStore(), store, mailer.NewLogMailer(), notify.NewLogNotifier(),
		nil, nil, func() time.Time { return now })

	removed, err := eng.ClearOlderThan(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
