package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aqiwatch/pipeline/internal/aggregator"
	"github.com/aqiwatch/pipeline/internal/alert"
	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/config"
	"github.com/aqiwatch/pipeline/internal/cron"
	"github.com/aqiwatch/pipeline/internal/dispatcher"
	"github.com/aqiwatch/pipeline/internal/durable"
	"github.com/aqiwatch/pipeline/internal/errs"
	"github.com/aqiwatch/pipeline/internal/fetcher"
	"github.com/aqiwatch/pipeline/internal/observability"
	"github.com/aqiwatch/pipeline/internal/provider"
	"github.com/aqiwatch/pipeline/internal/ratelimit"
	"github.com/aqiwatch/pipeline/internal/tiered"
)

// parisQuery is the single monitored location this deployment fetches.
var parisQuery = provider.CityQuery{City: "Paris", State: "Ile-de-France", Country: "France"}

const parisLocation = "Paris,France"

// fetchPayload is the JSON body carried by FETCH jobs; empty today since
// the pipeline only watches one city, but kept as a distinct type so a
// future multi-city rollout only has to widen this struct.
type fetchPayload struct{}

type aggregatePayload struct {
	Location string `json:"location"`
	Date     string `json:"date"`
	Partial  bool   `json:"partial"`
}

type migratePayload struct {
	FromTier string `json:"fromTier"`
	ToTier   string `json:"toTier"`
	Location string `json:"location"`
}

// registerHandlers wires every job type this deployment processes onto the
// dispatcher, grounded on the external-interfaces job table: FETCH pulls
// the upstream reading and writes it to the hot tier, AGGREGATE_DAILY
// finalizes a day's stats, SEND_ALERT evaluates a trigger through the
// alert engine, MIGRATE moves records between storage tiers, and CLEANUP
// prunes alerts older than 90 days (acknowledged or not) and stale audit
// records.
func registerHandlers(
	disp *dispatcher.Dispatcher,
	f *fetcher.Fetcher,
	limiter ratelimit.Limiter,
	hot *tiered.MongoCollection,
	alertEngine *alert.Engine,
	dailyAggregator *aggregator.Aggregator,
	hotTier, warmTier, coldTier *tiered.MongoCollection,
	cfg config.Config,
	audit *durable.Store,
) {
	disp.Register(queueAirQuality, aqi.JobTypeFetch, 1, cfg.FetchTimeout+5*time.Second, func(ctx context.Context, job *aqi.Job) error {
		allowed, err := limiter.Allow(ctx, "iqair-fetch")
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if !allowed {
			observability.RateLimitRejections.WithLabelValues("hour").Inc()
			return &errs.RateLimitExceededError{Key: "iqair-fetch"}
		}

		result := f.Fetch(ctx, parisQuery)
		if !result.Ok {
			observability.FetchAttempts.WithLabelValues("retryable_failure").Inc()
			return result.Err
		}
		observability.FetchAttempts.WithLabelValues("success").Inc()

		reading := fetcher.ToReading(parisLocation, result.Data, result.ResponseTimeMs, result.Retries)
		if err := hot.Insert(ctx, reading); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}

		if reading.AQI >= 150 {
			severity := alert.ConditionHighPollution
			if reading.AQI >= 200 {
				severity = alert.ConditionExtremePollution
			}
			if _, err := alertEngine.Evaluate(ctx, alert.Trigger{
				Condition: severity,
				Location:  parisLocation,
				AQI:       reading.AQI,
				Detail:    fmt.Sprintf("AQI %d (%s)", reading.AQI, reading.MainPollutant),
			}); err != nil {
				return fmt.Errorf("evaluate pollution alert: %w", err)
			}
		}
		return nil
	})

	disp.Register(queueAirQuality, aqi.JobTypeAggregateDaily, 1, 30*time.Second, func(ctx context.Context, job *aqi.Job) error {
		var p aggregatePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode aggregate payload: %w", err)
		}
		date, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			return fmt.Errorf("parse aggregate date: %w", err)
		}
		_, err = dailyAggregator.Finalize(ctx, p.Location, date, p.Partial)
		return err
	})

	disp.Register(queueAirQuality, aqi.JobTypeSendAlert, 4, 15*time.Second, func(ctx context.Context, job *aqi.Job) error {
		var trigger alert.Trigger
		if err := json.Unmarshal(job.Payload, &trigger); err != nil {
			return fmt.Errorf("decode alert trigger: %w", err)
		}
		_, err := alertEngine.Evaluate(ctx, trigger)
		return err
	})

	disp.Register(queueAirQuality, aqi.JobTypeMigrate, 1, 5*time.Minute, func(ctx context.Context, job *aqi.Job) error {
		var p migratePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("decode migrate payload: %w", err)
		}
		source, target, cutoff := tierFor(p.FromTier, hotTier, warmTier, coldTier), tierFor(p.ToTier, hotTier, warmTier, coldTier), migrationCutoff(p.FromTier)
		stats, err := tiered.Migrate(ctx, source, target, cutoff, p.Location, 500)
		if err != nil {
			return err
		}
		observability.MigrationRecords.WithLabelValues(p.FromTier, p.ToTier, "migrated").Add(float64(stats.Migrated))
		if stats.Errors > 0 {
			observability.MigrationRecords.WithLabelValues(p.FromTier, p.ToTier, "error").Add(float64(stats.Errors))
		}
		return nil
	})

	disp.Register(queueAirQuality, aqi.JobTypeCleanup, 1, time.Minute, func(ctx context.Context, job *aqi.Job) error {
		if _, err := alertEngine.ClearOlderThan(ctx, 90); err != nil {
			return fmt.Errorf("clear old alerts: %w", err)
		}
		if audit != nil {
			if _, err := audit.ClearOlderThan(ctx, time.Now().AddDate(0, 0, -365)); err != nil {
				return fmt.Errorf("clear old audit records: %w", err)
			}
		}
		return nil
	})
}

func tierFor(name string, hot, warm, cold *tiered.MongoCollection) *tiered.MongoCollection {
	switch name {
	case "hot":
		return hot
	case "warm":
		return warm
	default:
		return cold
	}
}

func migrationCutoff(fromTier string) time.Time {
	if fromTier == "hot" {
		return time.Now().AddDate(0, 0, -30)
	}
	return time.Now().AddDate(-1, 0, 0)
}

// registerCronJobs schedules the named jobs from the cron package's
// Specs/PeriodBuckets tables, submitting one dispatcher job per tick
// rather than running the work inline on the scheduler goroutine.
func registerCronJobs(s *cron.Scheduler, disp *dispatcher.Dispatcher) error {
	// submit builds the bucketed dedupe key for name's tick (empty, and so
	// a no-op, for jobs with no configured period bucket) and enqueues one
	// dispatcher job per tick through it, per §4.6's duplicate-prevention
	// rule.
	submit := func(name string, jobType aqi.JobType, payload interface{}) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		dedupeKey, err := s.DedupeKey(name, time.Now())
		if err != nil {
			return err
		}
		_, err = disp.Submit(context.Background(), queueAirQuality, jobType, body, aqi.JobOptions{Priority: aqi.PriorityNormal, Attempts: 3, DedupeKey: dedupeKey})
		return err
	}

	if err := s.AddJob(cron.JobFetchParisData, cron.Specs[cron.JobFetchParisData], true, queueAirQuality, cron.PeriodBuckets[cron.JobFetchParisData], func(ctx context.Context) error {
		return submit(cron.JobFetchParisData, aqi.JobTypeFetch, fetchPayload{})
	}); err != nil {
		return err
	}

	if err := s.AddJob(cron.JobHourlyAggregations, cron.Specs[cron.JobHourlyAggregations], false, "", 0, func(ctx context.Context) error {
		return submit(cron.JobHourlyAggregations, aqi.JobTypeAggregateDaily, aggregatePayload{Location: parisLocation, Date: time.Now().UTC().Format("2006-01-02"), Partial: true})
	}); err != nil {
		return err
	}

	if err := s.AddJob(cron.JobFinalizeDailyStats, cron.Specs[cron.JobFinalizeDailyStats], false, "", 0, func(ctx context.Context) error {
		return submit(cron.JobFinalizeDailyStats, aqi.JobTypeAggregateDaily, aggregatePayload{Location: parisLocation, Date: time.Now().UTC().Format("2006-01-02"), Partial: false})
	}); err != nil {
		return err
	}

	if err := s.AddJob(cron.JobWeeklyCleanup, cron.Specs[cron.JobWeeklyCleanup], false, "", 0, func(ctx context.Context) error {
		return submit(cron.JobWeeklyCleanup, aqi.JobTypeCleanup, struct{}{})
	}); err != nil {
		return err
	}

	if err := s.AddJob(cron.JobHealthCheck, cron.Specs[cron.JobHealthCheck], false, "", 0, func(ctx context.Context) error {
		return nil // health.Monitor already self-refreshes; this tick just keeps the cron table's entry observable
	}); err != nil {
		return err
	}

	if err := s.AddJob(cron.JobMigrateHotToWarm, cron.Specs[cron.JobMigrateHotToWarm], false, "", 0, func(ctx context.Context) error {
		return submit(cron.JobMigrateHotToWarm, aqi.JobTypeMigrate, migratePayload{FromTier: "hot", ToTier: "warm", Location: parisLocation})
	}); err != nil {
		return err
	}

	if err := s.AddJob(cron.JobMigrateWarmToCold, cron.Specs[cron.JobMigrateWarmToCold], false, "", 0, func(ctx context.Context) error {
		return submit(cron.JobMigrateWarmToCold, aqi.JobTypeMigrate, migratePayload{FromTier: "warm", ToTier: "cold", Location: parisLocation})
	}); err != nil {
		return err
	}

	return nil
}
