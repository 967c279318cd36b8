// Package clock provides a package-level, swappable time source so the
// Writer's batch linger timer (see Series' WithBatchLinger option) can be
// driven deterministically in tests instead of depending on wall time.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source used throughout the module. It is satisfied
// by both the real clock and benbjohnson/clock's mock, which is what
// NewTimer/Timer/After calls use under the hood.
type Clock = clock.Clock

var (
	C Clock = R
	R       = clock.New()
	T       = clock.NewMock()
)

// Now returns the current time according to the active clock.
func Now() time.Time {
	return C.Now()
}

// UseRealClock restores the wall-clock time source.
func UseRealClock() {
	C = R
}

// UseTestClock switches to a mock clock and returns it so tests can
// advance time deterministically (e.g. T.Add(d)).
func UseTestClock() *clock.Mock {
	C = T
	return T
}
