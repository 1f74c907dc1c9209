// Package aqi holds the shared domain record shapes (§3 of the design): the
// immutable Reading, the Job envelope, DailyAggregation, AlertRecord,
// ThrottleState and CircuitBreakerState. These are plain data — the
// behavior that operates on them lives in internal/fetcher, internal/queue,
// internal/aggregator, internal/alert and internal/breaker respectively.
package aqi

import "time"

// Pollutant is one of the codes the provider reports as the main pollutant.
type Pollutant string

const (
	PollutantP1  Pollutant = "p1"
	PollutantP2  Pollutant = "p2"
	PollutantP3  Pollutant = "p3"
	PollutantP4  Pollutant = "p4"
	PollutantP5  Pollutant = "p5"
	PollutantN2  Pollutant = "n2"
	PollutantS4  Pollutant = "s4"
	PollutantCO  Pollutant = "co"
	PollutantO3  Pollutant = "o3"
	PollutantNO2 Pollutant = "no2"
	PollutantSO2 Pollutant = "so2"
)

// Level is a derived AQI band, see LevelForAQI.
type Level string

const (
	LevelGood                      Level = "Good"
	LevelModerate                  Level = "Moderate"
	LevelUnhealthySensitiveGroups  Level = "Unhealthy for Sensitive Groups"
	LevelUnhealthy                 Level = "Unhealthy"
	LevelVeryUnhealthy             Level = "Very Unhealthy"
	LevelHazardous                 Level = "Hazardous"
)

// LevelForAQI maps an AQI value to its band using the closed/open interval
// boundaries from the external-interfaces table: Good [0,50]; Moderate
// (50,100]; Unhealthy for Sensitive Groups (100,150]; Unhealthy (150,200];
// Very Unhealthy (200,300]; Hazardous (300,500].
func LevelForAQI(v int) Level {
	switch {
	case v <= 50:
		return LevelGood
	case v <= 100:
		return LevelModerate
	case v <= 150:
		return LevelUnhealthySensitiveGroups
	case v <= 200:
		return LevelUnhealthy
	case v <= 300:
		return LevelVeryUnhealthy
	default:
		return LevelHazardous
	}
}

// levelRank orders Level for the "above Unhealthy for Sensitive Groups"
// comparison used by weekly unhealthy-day counting.
var levelRank = map[Level]int{
	LevelGood:                     0,
	LevelModerate:                 1,
	LevelUnhealthySensitiveGroups: 2,
	LevelUnhealthy:                3,
	LevelVeryUnhealthy:            4,
	LevelHazardous:                5,
}

// IsUnhealthy reports whether l ranks above "Unhealthy for Sensitive
// Groups" — the line this module draws for a day counting as unhealthy in
// the weekly rollup (open question in the design notes, resolved here).
func (l Level) IsUnhealthy() bool {
	return levelRank[l] > levelRank[LevelUnhealthySensitiveGroups]
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Weather is the subset of provider weather data this module persists.
type Weather struct {
	Temperature   float64 `json:"temperature" bson:"temperature"`
	Humidity      int     `json:"humidity" bson:"humidity"`
	Pressure      float64 `json:"pressure" bson:"pressure"`
	WindSpeed     float64 `json:"windSpeed" bson:"windSpeed"`
	WindDirection float64 `json:"windDirection" bson:"windDirection"`
}

// Metadata carries fetch-time provenance, never user-supplied.
type Metadata struct {
	APIResponseTimeMs int  `json:"apiResponseTimeMs" bson:"apiResponseTimeMs"`
	Cached            bool `json:"cached" bson:"cached"`
	RetryCount        int  `json:"retryCount" bson:"retryCount"`
}

// Reading is immutable once written; identity is (Location, Timestamp),
// deduplicated at write.
type Reading struct {
	Location      string      `json:"location" bson:"location"`
	Timestamp     time.Time   `json:"timestamp" bson:"timestamp"`
	Coordinates   Coordinates `json:"coordinates" bson:"coordinates"`
	AQI           int         `json:"aqi" bson:"aqi"`
	MainPollutant Pollutant   `json:"mainPollutant" bson:"mainPollutant"`
	Level         Level       `json:"level" bson:"level"`
	Weather       Weather     `json:"weather" bson:"weather"`
	Metadata      Metadata    `json:"metadata" bson:"metadata"`
}

// JobType enumerates the tagged job kinds the dispatcher handles. This
// replaces the teacher's string-keyed task type with a closed set, per the
// redesign note on string-keyed polymorphism.
type JobType string

const (
	JobTypeFetch           JobType = "FETCH"
	JobTypeAggregateDaily  JobType = "AGGREGATE_DAILY"
	JobTypeSendAlert       JobType = "SEND_ALERT"
	JobTypeMigrate         JobType = "MIGRATE"
	JobTypeCleanup         JobType = "CLEANUP"
)

// Priority is one of the five named priority levels a job may be enqueued
// with; higher values are claimed first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityUrgent   Priority = 15
	PriorityCritical Priority = 20
)

// JobStatus is the broker-observable lifecycle state of a Job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusStalled   JobStatus = "stalled"
)

// BackoffKind selects the reschedule policy fail() applies between
// attempts.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// JobOptions carries the per-enqueue knobs the broker honors.
type JobOptions struct {
	Priority         Priority
	Delay            time.Duration
	Attempts         int
	BackoffKind      BackoffKind
	BackoffDelay     time.Duration
	Repeat           string // optional cron spec for self-repeating jobs
	RemoveOnComplete bool
	RemoveOnFail     bool
	DedupeKey        string
}

// Job is the envelope the broker persists and the dispatcher claims.
// Invariant: Attempts <= MaxAttempts at all times; on Attempts==MaxAttempts
// and a further failure, Status becomes JobStatusFailed (terminal).
type Job struct {
	ID            string      `json:"id" bson:"id"`
	Queue         string      `json:"queue" bson:"queue"`
	Type          JobType     `json:"type" bson:"type"`
	Priority      Priority    `json:"priority" bson:"priority"`
	Payload       []byte      `json:"payload" bson:"payload"`
	Attempts      int         `json:"attempts" bson:"attempts"`
	MaxAttempts   int         `json:"maxAttempts" bson:"maxAttempts"`
	CreatedAt     time.Time   `json:"createdAt" bson:"createdAt"`
	NextRunAt     *time.Time  `json:"nextRunAt,omitempty" bson:"nextRunAt,omitempty"`
	CorrelationID string      `json:"correlationId" bson:"correlationId"`
	Status        JobStatus   `json:"status" bson:"status"`
	DedupeKey     string      `json:"dedupeKey,omitempty" bson:"dedupeKey,omitempty"`
	BackoffKind   BackoffKind `json:"backoffKind" bson:"backoffKind"`
	BackoffDelay  time.Duration `json:"backoffDelay" bson:"backoffDelay"`
	RemoveOnComplete bool     `json:"removeOnComplete" bson:"removeOnComplete"`
	RemoveOnFail     bool     `json:"removeOnFail" bson:"removeOnFail"`
	Progress      int         `json:"progress" bson:"progress"`
	LastError     string      `json:"lastError,omitempty" bson:"lastError,omitempty"`
	LeaseOwner    string      `json:"leaseOwner,omitempty" bson:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty" bson:"leaseExpiresAt,omitempty"`
	StalledCount  int         `json:"stalledCount" bson:"stalledCount"`
}

// ExtremeAQI captures a single extreme AQI reading with the time it
// occurred, used by DailyAggregation's MaxAQI and MinAQI.
type ExtremeAQI struct {
	Value   int       `json:"value" bson:"value"`
	TimeISO time.Time `json:"timeISO" bson:"timeISO"`
}

// DailyAggregation is unique by (Location, Date).
type DailyAggregation struct {
	Date              string             `json:"date" bson:"date"` // YYYY-MM-DD
	Location          string             `json:"location" bson:"location"`
	AvgAQI            float64            `json:"avgAqi" bson:"avgAqi"`
	MaxAQI            ExtremeAQI         `json:"maxAqi" bson:"maxAqi"`
	MinAQI            ExtremeAQI         `json:"minAqi" bson:"minAqi"`
	DominantPollutant Pollutant          `json:"dominantPollutant" bson:"dominantPollutant"`
	LevelDistribution map[Level]int      `json:"levelDistribution" bson:"levelDistribution"`
	HourlyAverages    [24]float64        `json:"hourlyAverages" bson:"hourlyAverages"`
	MissingDataHours  []int              `json:"missingDataHours" bson:"missingDataHours"`
	RecordCount       int                `json:"recordCount" bson:"recordCount"`
	PollutionLevel    Level              `json:"pollutionLevel" bson:"pollutionLevel"`
	CalculatedAt      time.Time          `json:"calculatedAt" bson:"calculatedAt"`
}

// Severity orders AlertRecord urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertRecord is mutated only on ack/escalation; every other field is set
// once at creation.
type AlertRecord struct {
	ID              string    `json:"id" bson:"id"`
	Type            string    `json:"type" bson:"type"`
	Severity        Severity  `json:"severity" bson:"severity"`
	Payload         []byte    `json:"payload" bson:"payload"`
	TriggeredAt     time.Time `json:"triggeredAt" bson:"triggeredAt"`
	ThrottleKey     string    `json:"throttleKey" bson:"throttleKey"`
	Acknowledged    bool      `json:"acknowledged" bson:"acknowledged"`
	AcknowledgedBy  string    `json:"acknowledgedBy,omitempty" bson:"acknowledgedBy,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty" bson:"acknowledgedAt,omitempty"`
	Escalated       bool      `json:"escalated" bson:"escalated"`
	Recipients      []string  `json:"recipients" bson:"recipients"`
	EmailDeliveryID string    `json:"emailDeliveryId,omitempty" bson:"emailDeliveryId,omitempty"`
	EmailSent       bool      `json:"emailSent" bson:"emailSent"`
	DispatchError   string    `json:"dispatchError,omitempty" bson:"dispatchError,omitempty"`
}

// ThrottleState is keyed per alert-condition-id. Invariant: an alert with
// throttle key K is suppressed while now - LastTriggeredAt < throttle(K).
type ThrottleState struct {
	LastTriggeredAt time.Time `json:"lastTriggeredAt"`
	Count           int       `json:"count"`
	Escalated       bool      `json:"escalated"`
	Version         int64     `json:"version"`
}

// CircuitState is the three-state breaker state, defined here as a pure
// data enum so CircuitBreakerState snapshots can reference it without
// importing internal/breaker; internal/breaker uses this type directly.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerState is the observable snapshot of a breaker, used for
// metrics and health reporting. Invariant: State==CircuitOpen implies
// OpenedAt is set.
type CircuitBreakerState struct {
	FailureCount int
	State        CircuitState
	OpenedAt     *time.Time
	Threshold    int
	ResetTimeout time.Duration
}
