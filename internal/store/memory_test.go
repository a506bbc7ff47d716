package store

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMemoryStore_InvalidPattern(t *testing.T) {
	s, err := NewMemoryStore(10, clockwork.NewFakeClock())
	require.NoError(t, err)

	_, err = s.KeysMatching(context.Background(), "user:[")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMemoryStore_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := NewMemoryStore(2, clockwork.NewFakeClock())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	_, _, err = s.Get(ctx, "a")
	require.NoError(t, err)
	before := counterValue(t, metrics.MemoryStoreEvictionsTotal)
	require.NoError(t, s.Set(ctx, "a", "1b", 0))
	assert.Equal(t, before, counterValue(t, metrics.MemoryStoreEvictionsTotal), "overwrite is not an eviction")
	require.NoError(t, s.Set(ctx, "c", "3", 0))
	assert.Equal(t, before+1, counterValue(t, metrics.MemoryStoreEvictionsTotal))

	ok, err := s.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
