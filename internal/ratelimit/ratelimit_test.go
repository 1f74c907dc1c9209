package ratelimit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aqiwatch/pipeline/internal/ratelimit"
)

func TestLocalWindow_RespectsBurst(t *testing.T) {
	lw := ratelimit.NewLocalWindow(ratelimit.Windows{MaxPerHour: 3, MaxPerDay: 100})
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		ok, err := lw.Allow(ctx, "paris")
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	require.Equal(t, 3, admitted)
}

func TestLocalWindow_KeysAreIndependent(t *testing.T) {
	lw := ratelimit.NewLocalWindow(ratelimit.Windows{MaxPerHour: 1, MaxPerDay: 100})
	ctx := context.Background()

	ok1, _ := lw.Allow(ctx, "paris")
	ok2, _ := lw.Allow(ctx, "london")
	require.True(t, ok1)
	require.True(t, ok2)
}
