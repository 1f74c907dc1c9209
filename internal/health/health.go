// Package health implements the health monitor (C11): a per-queue
// healthScore, bottleneck categorization, and a trend against the last
// snapshot, recomputed on a ticker and published for the cron
// scheduler's pre-enqueue gate. Grounded on the teacher's
// coordination.AgentMonitor (a ticker loop over a live snapshot,
// re-publishing a derived metric each tick) with the per-agent liveness
// check replaced by the per-queue scoring formula this module specifies.
package health

import (
	"context"
	"log"
	"sync"
	"time"
)

// QueueSnapshot is the raw per-queue metrics input the scorer reads.
type QueueSnapshot struct {
	FailureRate     float64 // [0,1]
	AvgProcessingMs float64
	Waiting         int
	ProcessingRate  float64 // completions per minute
}

// BottleneckKind categorizes a detected bottleneck.
type BottleneckKind string

const (
	BottleneckQueueBacklog   BottleneckKind = "queue_backlog"
	BottleneckHighFailure    BottleneckKind = "high_failure_rate"
	BottleneckSlowProcessing BottleneckKind = "slow_processing"
)

// Bottleneck severity bands.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Bottleneck struct {
	Kind     BottleneckKind
	Severity Severity
}

// Trend compares a snapshot to the one before it.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// Report is the computed health snapshot for one queue.
type Report struct {
	Queue       string
	HealthScore float64
	Bottlenecks []Bottleneck
	Trend       Trend
	ComputedAt  time.Time
}

// Source supplies the live metrics snapshot for a named queue.
type Source interface {
	Snapshot(queue string) (QueueSnapshot, error)
}

// Score computes healthScore per §4.10.
func Score(s QueueSnapshot) float64 {
	score := 1.0
	if s.FailureRate > 0.05 {
		score -= 0.5 * s.FailureRate
	}
	if s.AvgProcessingMs > 10_000 {
		score -= 0.2
	}
	if s.Waiting > 50 {
		penalty := float64(s.Waiting) / 1000
		if penalty > 0.3 {
			penalty = 0.3
		}
		score -= penalty
	}
	if s.ProcessingRate < 5 {
		score -= 0.2
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Bottlenecks categorizes the snapshot's bottlenecks per §4.10's bands.
func Bottlenecks(s QueueSnapshot) []Bottleneck {
	var out []Bottleneck
	if s.Waiting > 100 {
		out = append(out, Bottleneck{Kind: BottleneckQueueBacklog, Severity: bandFor(float64(s.Waiting), 500, 200)})
	}
	if s.FailureRate > 0.10 {
		out = append(out, Bottleneck{Kind: BottleneckHighFailure, Severity: bandFor(s.FailureRate, 0.25, 0.15)})
	}
	if s.AvgProcessingMs > 30_000 {
		out = append(out, Bottleneck{Kind: BottleneckSlowProcessing, Severity: bandFor(s.AvgProcessingMs, 120_000, 60_000)})
	}
	return out
}

func bandFor(value, criticalAt, highAt float64) Severity {
	if value > criticalAt {
		return SeverityCritical
	}
	if value > highAt {
		return SeverityHigh
	}
	return SeverityLow
}

// Monitor polls a Source every tick, computes Reports, and keeps the
// last snapshot per queue for trend comparison.
type Monitor struct {
	source Source
	now    func() time.Time

	mu        sync.RWMutex
	queues    []string
	reports   map[string]Report
	snapshots map[string]QueueSnapshot

	stopCh chan struct{}
}

func NewMonitor(source Source, queues []string, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		source:    source,
		now:       now,
		queues:    queues,
		reports:   make(map[string]Report),
		snapshots: make(map[string]QueueSnapshot),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the 60s recompute loop per §4.10.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

func (m *Monitor) Stop() { close(m.stopCh) }

func (m *Monitor) refresh() {
	for _, q := range m.queues {
		snap, err := m.source.Snapshot(q)
		if err != nil {
			log.Printf("health: snapshot %s: %v", q, err)
			continue
		}
		m.recordSnapshot(q, snap)
	}
}

func (m *Monitor) recordSnapshot(queue string, snap QueueSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score := Score(snap)
	prevReport, hadPrev := m.reports[queue]
	prevSnap := m.snapshots[queue]

	trend := TrendStable
	if hadPrev {
		scoreDelta := score - prevReport.HealthScore
		throughputDelta := snap.ProcessingRate - prevSnap.ProcessingRate
		procMsDelta := snap.AvgProcessingMs - prevSnap.AvgProcessingMs
		switch {
		case scoreDelta > 0.1 && throughputDelta > 0:
			trend = TrendImproving
		case scoreDelta < -0.1 || procMsDelta > 5000:
			trend = TrendDegrading
		}
	}

	m.reports[queue] = Report{
		Queue:       queue,
		HealthScore: score,
		Bottlenecks: Bottlenecks(snap),
		Trend:       trend,
		ComputedAt:  m.now(),
	}
	m.snapshots[queue] = snap
}

// Report returns the last computed Report for a queue, recomputing
// synchronously if none exists yet (used by the cron pre-enqueue gate,
// which cannot wait out a 60s tick on first call).
func (m *Monitor) Report(queue string) (Report, error) {
	m.mu.RLock()
	report, ok := m.reports[queue]
	m.mu.RUnlock()
	if ok {
		return report, nil
	}

	snap, err := m.source.Snapshot(queue)
	if err != nil {
		return Report{}, err
	}
	m.recordSnapshot(queue, snap)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reports[queue], nil
}

// HealthScore is a convenience used by the cron scheduler's HealthGate
// callback signature.
func (m *Monitor) HealthScore(queue string) float64 {
	report, err := m.Report(queue)
	if err != nil {
		return 0
	}
	return report.HealthScore
}
