// Package config parses the typed environment configuration surface
// enumerated in the external-interfaces section, replacing the teacher's
// manual os.Getenv/fmt.Sscanf main.go wiring with a single caarlos0/env
// struct validated at boot.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/aqiwatch/pipeline/internal/errs"
)

// Config is the full process configuration surface.
type Config struct {
	// Upstream provider.
	IQAirAPIKey  string `env:"IQAIR_API_KEY,required" validate:"required"`
	IQAirBaseURL string `env:"IQAIR_BASE_URL" envDefault:"https://api.airvisual.com/v2"`

	// Fetcher.
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	FetchMaxRetries int          `env:"FETCH_MAX_RETRIES" envDefault:"5" validate:"gte=0"`
	FetchBaseDelay time.Duration `env:"FETCH_BASE_DELAY" envDefault:"30s"`
	FetchMaxDelay  time.Duration `env:"FETCH_MAX_DELAY" envDefault:"10m"`

	// Circuit breaker.
	BreakerFailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5" validate:"gte=1"`
	BreakerResetTimeout      time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"5m"`
	BreakerMonitoringWindow  time.Duration `env:"BREAKER_MONITORING_WINDOW" envDefault:"1m"`

	// Queue default job options.
	QueueRemoveOnComplete bool          `env:"QUEUE_REMOVE_ON_COMPLETE" envDefault:"true"`
	QueueRemoveOnFail     bool          `env:"QUEUE_REMOVE_ON_FAIL" envDefault:"false"`
	QueueAttempts         int           `env:"QUEUE_ATTEMPTS" envDefault:"3" validate:"gte=1"`
	QueueBackoffKind      string        `env:"QUEUE_BACKOFF_KIND" envDefault:"exponential" validate:"oneof=exponential fixed"`
	QueueBackoffDelay     time.Duration `env:"QUEUE_BACKOFF_DELAY" envDefault:"5s"`
	QueueStalledInterval  time.Duration `env:"QUEUE_STALLED_INTERVAL" envDefault:"30s"`
	QueueMaxStalledCount  int           `env:"QUEUE_MAX_STALLED_COUNT" envDefault:"1"`

	// Alert thresholds.
	AlertConsecutiveAPIFailures int     `env:"ALERT_CONSECUTIVE_API_FAILURES" envDefault:"5"`
	AlertHighPollutionAQI       int     `env:"ALERT_HIGH_POLLUTION_AQI" envDefault:"150"`
	AlertExtremePollutionAQI    int     `env:"ALERT_EXTREME_POLLUTION_AQI" envDefault:"200"`
	AlertQueueBacklogSize       int     `env:"ALERT_QUEUE_BACKLOG_SIZE" envDefault:"100"`
	AlertSystemErrorRate        float64 `env:"ALERT_SYSTEM_ERROR_RATE" envDefault:"0.1"`
	AlertStorageUsageThreshold  float64 `env:"ALERT_STORAGE_USAGE_THRESHOLD" envDefault:"0.8"`
	AlertEmailRateLimit         int     `env:"ALERT_EMAIL_RATE_LIMIT" envDefault:"50"`

	// Email rate limits.
	EmailMaxPerHour    int           `env:"EMAIL_MAX_PER_HOUR" envDefault:"50"`
	EmailMaxPerDay     int           `env:"EMAIL_MAX_PER_DAY" envDefault:"1000"`
	EmailRetryAttempts int           `env:"EMAIL_RETRY_ATTEMPTS" envDefault:"3"`
	EmailRetryDelay    time.Duration `env:"EMAIL_RETRY_DELAY" envDefault:"5s"`

	// Infra.
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"aqiwatch"`
	PostgresDSN   string `env:"POSTGRES_DSN" envDefault:"postgres://localhost:5432/aqiwatch?sslmode=disable"`

	// Mailer / notify.
	SMTPHost           string   `env:"SMTP_HOST"`
	SMTPPort           int      `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername       string   `env:"SMTP_USERNAME"`
	SMTPPassword       string   `env:"SMTP_PASSWORD"`
	SMTPFrom           string   `env:"SMTP_FROM" envDefault:"alerts@aqiwatch.local"`
	AlertRecipients    []string `env:"ALERT_RECIPIENTS" envSeparator:","`
	EscalationRecipients []string `env:"ALERT_ESCALATION_RECIPIENTS" envSeparator:","`
	SlackWebhookURL    string   `env:"SLACK_WEBHOOK_URL"`
	SlackChannel       string   `env:"SLACK_CHANNEL" envDefault:"#air-quality-alerts"`

	// Process lifecycle.
	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:":8080"`
	DrainTimeout   time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`
	DispatcherWorkersPerQueue int `env:"DISPATCHER_WORKERS_PER_QUEUE" envDefault:"4" validate:"gte=1"`
}

// Load parses environment variables into a Config and validates it. A
// validation failure is reported as a ConfigInvalidError, which callers
// treat as fatal at boot.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, &errs.ConfigInvalidError{Field: "env", Reason: err.Error()}
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, &errs.ConfigInvalidError{Field: "validate", Reason: err.Error()}
	}
	if cfg.FetchBaseDelay <= 0 {
		return Config{}, &errs.ConfigInvalidError{Field: "FetchBaseDelay", Reason: "must be positive"}
	}
	return cfg, nil
}

// String redacts secrets when the config is logged.
func (c Config) String() string {
	return fmt.Sprintf("Config{IQAirBaseURL:%s RedisAddr:%s MongoURI:%s HTTPAddr:%s}",
		c.IQAirBaseURL, c.RedisAddr, c.MongoURI, c.HTTPAddr)
}
