package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/health"
)

func TestScore_HealthySnapshotIsOne(t *testing.T) {
	score := health.Score(health.QueueSnapshot{FailureRate: 0, AvgProcessingMs: 100, Waiting: 1, ProcessingRate: 50})
	require.Equal(t, 1.0, score)
}

func TestScore_AppliesEachPenalty(t *testing.T) {
	score := health.Score(health.QueueSnapshot{
		FailureRate:     0.5,
		AvgProcessingMs: 15_000,
		Waiting:         900,
		ProcessingRate:  1,
	})
	// 1 - 0.5*0.5 - 0.2 - 0.3(capped) - 0.2 = 0.05
	require.InDelta(t, 0.05, score, 0.001)
}

func TestScore_ClampsToZero(t *testing.T) {
	score := health.Score(health.QueueSnapshot{FailureRate: 1, AvgProcessingMs: 1_000_000, Waiting: 100_000, ProcessingRate: 0})
	require.Equal(t, 0.0, score)
}

func TestBottlenecks_CategorizesBands(t *testing.T) {
	bns := health.Bottlenecks(health.QueueSnapshot{Waiting: 600, FailureRate: 0.3, AvgProcessingMs: 150_000})
	require.Len(t, bns, 3)
	for _, b := range bns {
		require.Equal(t, health.SeverityCritical, b.Severity)
	}
}

type fakeSource struct {
	snapshots map[string]health.QueueSnapshot
}

func (f *fakeSource) Snapshot(queue string) (health.QueueSnapshot, error) {
	return f.snapshots[queue], nil
}

func TestMonitor_ReportComputesSynchronouslyOnFirstCall(t *testing.T) {
	src := &fakeSource{snapshots: map[string]health.QueueSnapshot{"airQuality": {FailureRate: 0, ProcessingRate: 10}}}
	m := health.NewMonitor(src, []string{"airQuality"}, func() time.Time { return time.Unix(0, 0) })

	report, err := m.Report("airQuality")
	require.NoError(t, err)
	require.Equal(t, health.TrendStable, report.Trend)
	require.Equal(t, 1.0, report.HealthScore)
}

func TestMonitor_HealthScoreConvenienceMatchesReport(t *testing.T) {
	src := &fakeSource{snapshots: map[string]health.QueueSnapshot{"airQuality": {FailureRate: 0.9, ProcessingRate: 0}}}
	m := health.NewMonitor(src, []string{"airQuality"}, nil)
	require.Less(t, m.HealthScore("airQuality"), 1.0)
}
