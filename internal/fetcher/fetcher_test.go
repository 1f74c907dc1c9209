package fetcher_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	xrate "golang.org/x/time/rate"

	"github.com/aqiwatch/pipeline/internal/breaker"
	"github.com/aqiwatch/pipeline/internal/clock"
	"github.com/aqiwatch/pipeline/internal/fetcher"
	"github.com/aqiwatch/pipeline/internal/provider"
)

func TestFetcher_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"location":{"coordinates":[2.35,48.85]},"current":{"pollution":{"aqius":210,"mainus":"p2"},"weather":{"tp":20,"pr":1013,"hu":50,"ws":3.1,"wd":180}}}}`))
	}))
	defer srv.Close()

	b := breaker.New(clock.Real{}, 100, time.Minute)
	pacer := xrate.NewLimiter(xrate.Inf, 1)
	f := fetcher.New(fetcher.Config{
		BaseURL:    srv.URL,
		APIKey:     "k",
		Timeout:    2 * time.Second,
		MaxRetries: 5,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}, b, pacer)

	res := f.Fetch(t.Context(), provider.CityQuery{City: "Paris", Country: "France"})
	require.True(t, res.Ok)
	require.Equal(t, 2, res.Retries)
	require.Equal(t, 210, res.Data.Data.Current.Pollution.AQIUS)
}

func TestFetcher_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := breaker.New(clock.Real{}, 100, time.Minute)
	pacer := xrate.NewLimiter(xrate.Inf, 1)
	f := fetcher.New(fetcher.Config{
		BaseURL:    srv.URL,
		APIKey:     "k",
		Timeout:    2 * time.Second,
		MaxRetries: 5,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}, b, pacer)

	res := f.Fetch(t.Context(), provider.CityQuery{City: "Paris", Country: "France"})
	require.False(t, res.Ok)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetcher_CircuitOpenFailsFast(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	b := breaker.New(clock.Real{}, 1, time.Hour)
	b.OnFailure()
	pacer := xrate.NewLimiter(xrate.Inf, 1)
	f := fetcher.New(fetcher.Config{
		BaseURL:    srv.URL,
		APIKey:     "k",
		Timeout:    2 * time.Second,
		MaxRetries: 5,
		BaseDelay:  1 * time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}, b, pacer)

	res := f.Fetch(t.Context(), provider.CityQuery{City: "Paris", Country: "France"})
	require.False(t, res.Ok)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
