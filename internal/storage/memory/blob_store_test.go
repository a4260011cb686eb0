package memory

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabnet-cells/internal/metrics"
)

func TestStoreCreateAndCollision(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	first, err := store.Create(ctx, "e/q/a_tb1_ce1.html", []byte("v1"))
	require.NoError(t, err)
	second, err := store.Create(ctx, "e/q/a_tb1_ce1.html", []byte("v2"))
	require.NoError(t, err)

	assert.Equal(t, "e/q/a_tb1_ce1.html", first)
	assert.Equal(t, "e/q/a_tb1_ce1(1).html", second)

	got, ok := store.Get(first)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, []string{"e/q/a_tb1_ce1(1).html", "e/q/a_tb1_ce1.html"}, store.Paths())
}

func collisionCount(t *testing.T) float64 {
	t.Helper()
	metrics.Init()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "tabnet_artifact_collisions_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// Not parallel: the collision counter is process-wide.
func TestStoreCountsCollisions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	before := collisionCount(t)
	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, "x_tb1_ce1.html", []byte("v"))
		require.NoError(t, err)
	}
	assert.Equal(t, before+2, collisionCount(t))
	assert.Equal(t, []string{"x_tb1_ce1(1).html", "x_tb1_ce1(2).html", "x_tb1_ce1.html"}, store.Paths())
}

func TestStoreRejectsBadPath(t *testing.T) {
	t.Parallel()

	_, err := NewStore().Create(context.Background(), "../x", []byte("x"))
	assert.Error(t, err)
}
