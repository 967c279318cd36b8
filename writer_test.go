package tsdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriterPoisonsSeriesOnBatchFailure(t *testing.T) {
	s := openTestSeries(t, WithBatchLinger(time.Millisecond))

	// Simulate a fatal append failure mid-batch by closing one Column
	// out from under the Writer; its next AppendBatch call fails.
	require.NoError(t, s.timestamps.Close())

	require.NoError(t, s.Append(1, 1.0, 1))

	err := s.Sync()
	require.ErrorIs(t, err, ErrSeriesPoisoned)

	require.ErrorIs(t, s.Append(2, 2.0, 2), ErrSeriesPoisoned)

	_, err = s.QueryRange(0, 10)
	require.ErrorIs(t, err, ErrSeriesPoisoned)
}

func TestBatchLingerBoundsLatencyForSparseProducer(t *testing.T) {
	s := openTestSeries(t, WithBatchLinger(5*time.Millisecond), WithBatchSize(1000))

	require.NoError(t, s.Append(1, 1.0, 1))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		count, err := s.Count()
		require.NoError(t, err)
		if count == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("single tick was not committed within the linger-bounded window")
}

func TestQueueNeverDropsTicksUnderBurst(t *testing.T) {
	s := openTestSeries(t, WithBatchSize(16))

	const n = 5000
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, s.Append(i, float64(i), i))
	}
	require.NoError(t, s.Sync())

	count, err := s.Count()
	require.NoError(t, err)
	require.EqualValues(t, n, count)
}
