// Command aqipipeline wires the ingestion-and-dispatch pipeline together:
// config, storage clients, the breaker/fetcher/rate-limiter chain, the
// durable queue and dispatcher, the tiered store and smart router, the
// daily aggregator, the alert engine, the health monitor, and the named
// cron jobs — then serves readiness, liveness, and metrics endpoints.
// Process lifecycle follows the external-interfaces table: load config,
// init clients, start dispatchers, start the scheduler, expose
// readiness; on shutdown, stop the scheduler, quiesce the dispatcher,
// close clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"

	"github.com/aqiwatch/pipeline/internal/aggregator"
	"github.com/aqiwatch/pipeline/internal/alert"
	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/breaker"
	"github.com/aqiwatch/pipeline/internal/clock"
	"github.com/aqiwatch/pipeline/internal/config"
	"github.com/aqiwatch/pipeline/internal/cron"
	"github.com/aqiwatch/pipeline/internal/dispatcher"
	"github.com/aqiwatch/pipeline/internal/durable"
	"github.com/aqiwatch/pipeline/internal/fetcher"
	"github.com/aqiwatch/pipeline/internal/health"
	"github.com/aqiwatch/pipeline/internal/mailer"
	"github.com/aqiwatch/pipeline/internal/notify"
	"github.com/aqiwatch/pipeline/internal/queue"
	"github.com/aqiwatch/pipeline/internal/ratelimit"
	"github.com/aqiwatch/pipeline/internal/resilience"
	"github.com/aqiwatch/pipeline/internal/router"
	"github.com/aqiwatch/pipeline/internal/tiered"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const queueAirQuality = "airQuality"

func main() {
	if err := run(); err != nil {
		log.Fatalf("aqipipeline: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Printf("aqipipeline: starting with %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real{}
	degraded := resilience.NewDegradedMode()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		degraded.MarkBrokerUnavailable()
		log.Printf("aqipipeline: redis unreachable at boot: %v", err)
	}
	defer redisClient.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoClient.Disconnect(ctx)
	db := mongoClient.Database(cfg.MongoDatabase)

	hot := tiered.NewMongoCollection(db.Collection("air_quality_hot"), tiered.TierHot)
	warm := tiered.NewMongoCollection(db.Collection("air_quality_warm"), tiered.TierWarm)
	cold := tiered.NewMongoCollection(db.Collection("air_quality_cold"), tiered.TierCold)
	for _, c := range []*tiered.MongoCollection{hot, warm, cold} {
		if err := c.EnsureIndexes(ctx); err != nil {
			log.Printf("aqipipeline: ensure indexes: %v", err)
		}
	}

	auditStore, err := durable.New(ctx, cfg.PostgresDSN)
	if err != nil {
		degraded.MarkStoreUnavailable()
		log.Printf("aqipipeline: postgres unreachable at boot: %v", err)
	} else {
		defer auditStore.Close()
	}

	queryRouter := router.New(hot, warm, cold, router.NewRedisCache(redisClient), nil)

	sharedBreaker := breaker.New(realClock, cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout)

	fetchPacer := xrate.NewLimiter(xrate.Every(time.Second), 1)
	iqairFetcher := fetcher.New(fetcher.Config{
		BaseURL:    cfg.IQAirBaseURL,
		APIKey:     cfg.IQAirAPIKey,
		Timeout:    cfg.FetchTimeout,
		MaxRetries: cfg.FetchMaxRetries,
		BaseDelay:  cfg.FetchBaseDelay,
		MaxDelay:   cfg.FetchMaxDelay,
	}, sharedBreaker, fetchPacer)

	fetchLimiter := ratelimit.NewRedisSlidingWindow(redisClient, ratelimit.Windows{
		MaxPerHour: cfg.EmailMaxPerHour, // upstream fetch quota reuses the same windowed shape as the email ceilings
		MaxPerDay:  cfg.EmailMaxPerDay,
	})

	broker := queue.NewRedisBroker(redisClient, realClock)

	dedupe := dispatcher.NewDedupeStore(realClock, 5*time.Minute)
	dedupe.StartSweep(time.Minute)
	defer dedupe.Stop()

	disp := dispatcher.New(broker, realClock, dedupe)

	throttles := alert.NewRedisThrottleStore(redisClient)
	var alertStore alert.Store = auditStore
	if auditStore == nil {
		alertStore = newMemoryAlertStore()
	}

	var mail mailer.Mailer = mailer.NewLogMailer()
	if cfg.SMTPHost != "" {
		mail = mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	}
	var notifier notify.Notifier = notify.NewLogNotifier()
	if cfg.SlackWebhookURL != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel)
	}

	alertEngine := alert.New(throttles, alertStore, mail, notifier, cfg.AlertRecipients, cfg.EscalationRecipients, nil)

	dailyAggregator := aggregator.New(aggregator.FromRouter(queryRouter), dailyAggregationStore{auditStore}, aggregator.NewRedisCache(redisClient), nil)

	healthSource := dispatcherHealthSource{disp}
	healthMonitor := health.NewMonitor(healthSource, []string{queueAirQuality}, nil)
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	registerHandlers(disp, iqairFetcher, fetchLimiter, hot, alertEngine, dailyAggregator, hot, warm, cold, cfg, auditStore)

	disp.OnFinalFailure(func(job *aqi.Job, cause error) {
		_, _ = alertEngine.Evaluate(context.Background(), alert.Trigger{
			Condition: alert.ConditionSystemErrorRate,
			Detail:    fmt.Sprintf("job %s (%s/%s) failed terminally: %v", job.ID, job.Queue, job.Type, cause),
		})
	})

	scheduler := cron.New(sharedBreaker, healthMonitor.HealthScore)
	if err := registerCronJobs(scheduler, disp); err != nil {
		return fmt.Errorf("register cron jobs: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	go func() {
		if err := disp.Run(dispatchCtx, queueAirQuality, cfg.DispatcherWorkersPerQueue); err != nil {
			log.Printf("aqipipeline: dispatcher stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if degraded.IsDegraded() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(degraded.HealthCheck())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("aqipipeline: http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("aqipipeline: shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)

	scheduler.Stop()
	cancelDispatch()
	disp.Drain(cfg.DrainTimeout)

	return nil
}

// dailyAggregationStore adapts durable.Store (or a nil fallback) to
// aggregator.Store.
type dailyAggregationStore struct {
	store *durable.Store
}

func (s dailyAggregationStore) Upsert(ctx context.Context, agg aqi.DailyAggregation) error {
	if s.store == nil {
		return nil
	}
	return s.store.UpsertDailyAggregation(ctx, agg)
}

// dispatcherHealthSource adapts the dispatcher's per-type stats into the
// health package's queue-level snapshot shape.
type dispatcherHealthSource struct {
	disp *dispatcher.Dispatcher
}

func (s dispatcherHealthSource) Snapshot(queueName string) (health.QueueSnapshot, error) {
	var (
		totalProcessed int64
		totalFailed    int64
		totalDuration  time.Duration
		typeCount      int
	)
	for _, jt := range []aqi.JobType{aqi.JobTypeFetch, aqi.JobTypeAggregateDaily, aqi.JobTypeSendAlert, aqi.JobTypeMigrate, aqi.JobTypeCleanup} {
		st := s.disp.Stats(queueName, jt)
		if st.Processed == 0 {
			continue
		}
		totalProcessed += st.Processed
		totalFailed += st.Failed
		totalDuration += st.AvgExecutionTime
		typeCount++
	}
	if totalProcessed == 0 {
		return health.QueueSnapshot{ProcessingRate: 100}, nil
	}
	avgMs := float64(0)
	if typeCount > 0 {
		avgMs = float64(totalDuration.Milliseconds()) / float64(typeCount)
	}
	return health.QueueSnapshot{
		FailureRate:     float64(totalFailed) / float64(totalProcessed),
		AvgProcessingMs: avgMs,
		Waiting:         0,
		ProcessingRate:  float64(totalProcessed),
	}, nil
}

// memoryAlertStore is the in-process alert.Store fallback used when
// Postgres is unreachable at boot; the dispatcher calls it from several
// worker goroutines concurrently so it guards its slice with a mutex.
type memoryAlertStore struct {
	mu      sync.Mutex
	records []aqi.AlertRecord
}

func newMemoryAlertStore() *memoryAlertStore {
	return &memoryAlertStore{}
}

func (s *memoryAlertStore) Insert(_ context.Context, r aqi.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memoryAlertStore) Acknowledge(_ context.Context, id, user string, at time.Time) error {
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

func (s *memoryAlertStore) ListActive(_ context.Context) ([]aqi.AlertRecord, error) {
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

func (s *memoryAlertStore) ClearOlderThan(_ context.Context, cutoff time.Time) (int, error) {
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
