package cron

import "time"

// Named job specs from the external-interfaces cron table. robfig/cron/v3
// honors a leading "CRON_TZ=<zone> " prefix for per-job time zones, which
// is how fetch-paris-data gets Europe/Paris scoping (the
// Cron constructed in New uses cron.WithSeconds(), so these six-field
// specs carry a leading "0" seconds slot).
const (
	JobFetchParisData      = "fetch-paris-data"
	JobHourlyAggregations  = "hourly-aggregations"
	JobFinalizeDailyStats  = "finalize-daily-stats"
	JobWeeklyCleanup       = "weekly-cleanup"
	JobHealthCheck         = "health-check"
	JobMigrateHotToWarm    = "migrate-hot-to-warm"
	JobMigrateWarmToCold   = "migrate-warm-to-cold"
)

// Specs maps each named job to its six-field (seconds-first) cron
// expression, each carrying an explicit CRON_TZ prefix (UTC unless the
// job's own zone differs).
var Specs = map[string]string{
	JobFetchParisData:     "CRON_TZ=Europe/Paris 0 * * * * *",
	JobHourlyAggregations: "CRON_TZ=UTC 0 0 * * * *",
	JobFinalizeDailyStats: "CRON_TZ=UTC 0 59 23 * * *",
	JobWeeklyCleanup:      "CRON_TZ=UTC 0 0 2 * * 0",
	JobHealthCheck:        "CRON_TZ=UTC 0 */5 * * * *",
	JobMigrateHotToWarm:   "CRON_TZ=UTC 0 0 2 * * *",
	JobMigrateWarmToCold:  "CRON_TZ=UTC 0 0 3 1 * *",
}

// PeriodBuckets gives the dedupe bucket width for jobs that need one.
var PeriodBuckets = map[string]time.Duration{
	JobFetchParisData: time.Minute,
}
