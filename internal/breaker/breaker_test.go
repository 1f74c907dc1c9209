package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/breaker"
	"github.com/aqiwatch/pipeline/internal/clock"
)

func TestBreaker_TripsAfterThresholdFailures(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := breaker.New(fc, 3, 5*time.Minute)

	require.True(t, b.Allow())
	b.OnFailure()
	b.OnFailure()
	require.Equal(t, aqi.CircuitClosed, b.State())
	b.OnFailure()

	require.Equal(t, aqi.CircuitOpen, b.State())
	require.False(t, b.Allow())
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := breaker.New(fc, 1, 1*time.Minute)

	b.OnFailure()
	require.Equal(t, aqi.CircuitOpen, b.State())
	require.False(t, b.Allow())

	fc.Advance(61 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, aqi.CircuitHalfOpen, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := breaker.New(fc, 1, 1*time.Minute)

	b.OnFailure()
	fc.Advance(2 * time.Minute)
	require.True(t, b.Allow())
	require.Equal(t, aqi.CircuitHalfOpen, b.State())

	b.OnSuccess()
	require.Equal(t, aqi.CircuitClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := breaker.New(fc, 1, 1*time.Minute)

	b.OnFailure()
	fc.Advance(2 * time.Minute)
	require.True(t, b.Allow())
	require.Equal(t, aqi.CircuitHalfOpen, b.State())

	b.OnFailure()
	require.Equal(t, aqi.CircuitOpen, b.State())
}

func TestBreaker_ClosedFailureCountDecaysOnSuccess(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	b := breaker.New(fc, 5, time.Minute)

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	require.Equal(t, 1, b.Snapshot().FailureCount)
}
