package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTestClockAdvance(t *testing.T) {
	defer UseRealClock()

	mock := UseTestClock()
	start := Now()

	mock.Add(5 * time.Millisecond)
	require.Equal(t, start.Add(5*time.Millisecond), Now())
}

func TestUseRealClock(t *testing.T) {
	defer UseRealClock()

	UseTestClock()
	UseRealClock()
	require.WithinDuration(t, time.Now(), Now(), time.Second)
}
