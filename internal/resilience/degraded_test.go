package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/resilience"
)

func TestDegradedMode_MarkUnavailableEntersDegraded(t *testing.T) {
	d := resilience.NewDegradedMode()
	require.False(t, d.IsDegraded())

	d.MarkStoreUnavailable()
	require.True(t, d.IsDegraded())
	require.False(t, d.IsStoreAvailable())
}

func TestDegradedMode_RecoveringAllDependenciesExitsDegraded(t *testing.T) {
	d := resilience.NewDegradedMode()
	d.MarkStoreUnavailable()
	d.MarkBrokerUnavailable()
	require.True(t, d.IsDegraded())

	d.MarkStoreAvailable()
	require.True(t, d.IsDegraded())
	d.MarkBrokerAvailable()
	require.False(t, d.IsDegraded())
}

func TestDegradedMode_CacheRoundTrip(t *testing.T) {
	d := resilience.NewDegradedMode()
	d.SetInCache("daily-stats:paris:2026-03-10", []byte("payload"), 0)

	value, ok := d.GetFromCache("daily-stats:paris:2026-03-10")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), value)
	require.Equal(t, 1, d.PendingWriteCount())
}

func TestDegradedMode_WithFallbackUsesFallbackOnPrimaryFailure(t *testing.T) {
	d := resilience.NewDegradedMode()
	called := false
	err := d.WithFallback(context.Background(),
		func(context.Context) error { return errors.New("primary down") },
		func(context.Context) error { called = true; return nil },
	)
	require.NoError(t, err)
	require.True(t, called)
}

func TestDegradedMode_WithFallbackReturnsErrorWhenBothFail(t *testing.T) {
	d := resilience.NewDegradedMode()
	err := d.WithFallback(context.Background(),
		func(context.Context) error { return errors.New("primary down") },
		func(context.Context) error { return errors.New("fallback down") },
	)
	require.Error(t, err)
}
