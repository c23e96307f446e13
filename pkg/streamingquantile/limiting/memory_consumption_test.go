// SPDX-License-Identifier: AGPL-3.0-only

package limiting

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMemoryConsumptionTracker_Unlimited(t *testing.T) {
	tracker := NewMemoryConsumptionTracker(0, nil)

	require.NoError(t, tracker.IncreaseMemoryConsumption(128))
	require.Equal(t, uint64(128), tracker.CurrentEstimatedMemoryConsumptionBytes)
	require.Equal(t, uint64(128), tracker.PeakEstimatedMemoryConsumptionBytes)

	require.NoError(t, tracker.IncreaseMemoryConsumption(2))
	require.Equal(t, uint64(130), tracker.CurrentEstimatedMemoryConsumptionBytes)
	require.Equal(t, uint64(130), tracker.PeakEstimatedMemoryConsumptionBytes)

	// Returning memory should reduce the current consumption but leave the peak unchanged.
	tracker.DecreaseMemoryConsumption(128)
	require.Equal(t, uint64(2), tracker.CurrentEstimatedMemoryConsumptionBytes)
	require.Equal(t, uint64(130), tracker.PeakEstimatedMemoryConsumptionBytes)

	require.NoError(t, tracker.IncreaseMemoryConsumption(8))
	require.Equal(t, uint64(10), tracker.CurrentEstimatedMemoryConsumptionBytes)
	require.Equal(t, uint64(130), tracker.PeakEstimatedMemoryConsumptionBytes)
}

func TestMemoryConsumptionTracker_Limited(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	rejectionCount := promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "rejected_queries"})
	tracker := NewMemoryConsumptionTracker(10, rejectionCount)

	require.NoError(t, tracker.IncreaseMemoryConsumption(8))
	require.Equal(t, float64(0), testutil.ToFloat64(rejectionCount))

	err := tracker.IncreaseMemoryConsumption(4)
	require.ErrorContains(t, err, "the query exceeded the maximum allowed estimated amount of memory consumed by a single query (limit: 10 bytes)")
	require.True(t, IsLimitError(err))
	require.Equal(t, uint64(8), tracker.CurrentEstimatedMemoryConsumptionBytes)
	require.Equal(t, uint64(8), tracker.PeakEstimatedMemoryConsumptionBytes)
	require.Equal(t, float64(1), testutil.ToFloat64(rejectionCount))

	// The rejection count should only ever be incremented once per query, even if the limit is hit multiple times.
	err = tracker.IncreaseMemoryConsumption(3)
	require.Error(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(rejectionCount))

	// Getting back under the limit should allow further increases.
	tracker.DecreaseMemoryConsumption(8)
	require.NoError(t, tracker.IncreaseMemoryConsumption(10))
	require.Equal(t, uint64(10), tracker.CurrentEstimatedMemoryConsumptionBytes)
	require.Equal(t, uint64(10), tracker.PeakEstimatedMemoryConsumptionBytes)
}

func TestMemoryConsumptionTracker_PanicsIfMoreMemoryReturnedThanConsumed(t *testing.T) {
	tracker := NewMemoryConsumptionTracker(0, nil)
	require.NoError(t, tracker.IncreaseMemoryConsumption(8))

	require.Panics(t, func() {
		tracker.DecreaseMemoryConsumption(9)
	})
}

func TestIsLimitError(t *testing.T) {
	require.False(t, IsLimitError(errors.New("something else")))
	require.True(t, IsLimitError(NewMaxEstimatedMemoryConsumptionPerQueryLimitError(123)))
}
