// Package fetcher implements the resilient upstream HTTP client (C4): a
// per-attempt timeout, jittered exponential backoff, and circuit-breaker
// gating in front of the air-quality provider. Grounded on the teacher's
// jobs.go DispatchJob (context-aware request construction, timeout
// http.Client, status-code branching) generalized from a one-shot POST
// into a retrying GET loop, and on coordination/leader.go's backoff loop
// shape for the retry delay calculation.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/aqiwatch/pipeline/internal/breaker"
	"github.com/aqiwatch/pipeline/internal/errs"
	"github.com/aqiwatch/pipeline/internal/provider"
	xrate "golang.org/x/time/rate"
)

// Config holds the fetcher's tunables, mirroring the external-interfaces
// configuration surface.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Result is the contract the fetcher returns: fetch(location) ->
// ApiResult{ok, data?, error?, responseTimeMs, retries}.
type Result struct {
	Ok             bool
	Data           *provider.Response
	Err            error
	ResponseTimeMs int
	Retries        int
}

// Fetcher performs retrying, breaker-gated GETs against the provider.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	breaker *breaker.Breaker
	pacer   *xrate.Limiter
}

// New constructs a Fetcher. breaker is the single shared instance for this
// upstream endpoint (per the design notes). pacer is an ambient outbound
// pacing limiter (golang.org/x/time/rate, kept from the teacher's own
// import) distinct from the per-recipient quota in internal/ratelimit.
func New(cfg Config, b *breaker.Breaker, pacer *xrate.Limiter) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: b,
		pacer:  pacer,
	}
}

// Fetch retries up to cfg.MaxRetries times, gated by the circuit breaker,
// following the retry predicate in §4.3: network errors, any HTTP status
// >= 500, 429, 408 are retryable; other 4xx are not.
func (f *Fetcher) Fetch(ctx context.Context, q provider.CityQuery) Result {
	if !f.breaker.Allow() {
		return Result{Ok: false, Err: &errs.CircuitOpenError{Endpoint: f.cfg.BaseURL}}
	}

	start := time.Now()
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoffDelay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{Ok: false, Err: ctx.Err(), ResponseTimeMs: int(time.Since(start).Milliseconds()), Retries: retries}
			}
		}

		if f.pacer != nil {
			if err := f.pacer.Wait(ctx); err != nil {
				return Result{Ok: false, Err: err, ResponseTimeMs: int(time.Since(start).Milliseconds()), Retries: retries}
			}
		}

		data, retryable, err := f.attempt(ctx, q)
		if err == nil {
			f.breaker.OnSuccess()
			log.Printf("fetcher: fetch succeeded for %s after %d retries", q.City, retries)
			return Result{Ok: true, Data: data, ResponseTimeMs: int(time.Since(start).Milliseconds()), Retries: retries}
		}

		lastErr = err
		if !retryable {
			f.breaker.OnFailure()
			return Result{Ok: false, Err: err, ResponseTimeMs: int(time.Since(start).Milliseconds()), Retries: retries}
		}
		retries++
	}

	f.breaker.OnFailure()
	return Result{Ok: false, Err: lastErr, ResponseTimeMs: int(time.Since(start).Milliseconds()), Retries: retries}
}

// backoffDelay implements delay_n = baseDelay*2^n + U(0, 0.1*baseDelay*2^n),
// capped at MaxDelay.
func (f *Fetcher) backoffDelay(n int) time.Duration {
	base := float64(f.cfg.BaseDelay) * pow2(n)
	jitter := rand.Float64() * 0.1 * base
	d := time.Duration(base + jitter)
	if d > f.cfg.MaxDelay {
		return f.cfg.MaxDelay
	}
	return d
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// attempt performs a single HTTP round trip. The returned bool reports
// whether a non-nil error is retryable.
func (f *Fetcher) attempt(ctx context.Context, q provider.CityQuery) (*provider.Response, bool, error) {
	u, err := url.Parse(f.cfg.BaseURL + "/city")
	if err != nil {
		return nil, false, &errs.UpstreamPermanentError{StatusCode: 0, Body: err.Error()}
	}
	vals := u.Query()
	vals.Set("city", q.City)
	vals.Set("state", q.State)
	vals.Set("country", q.Country)
	vals.Set("key", f.cfg.APIKey)
	u.RawQuery = vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, &errs.UpstreamPermanentError{StatusCode: 0, Body: err.Error()}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Network errors (reset/timeout/DNS) are retryable.
		return nil, true, &errs.UpstreamTransientError{Cause: err}
	}
	defer resp.Body.Close()

	if isRetryableStatus(resp.StatusCode) {
		return nil, true, &errs.UpstreamTransientError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &errs.UpstreamPermanentError{StatusCode: resp.StatusCode}
	}

	var body provider.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, &errs.UpstreamPermanentError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("decode: %v", err)}
	}
	if !body.Ok() {
		return nil, false, &errs.UpstreamPermanentError{StatusCode: resp.StatusCode, Body: body.Status}
	}
	return &body, false, nil
}

func isRetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
