package tsdb

import "github.com/pkg/errors"

var (
	// ErrSeriesPoisoned is returned by every Series operation except
	// Close after a background Writer batch has failed. The rationale (see Writer):
	// a failed append after a partial cross-column write can
	// desynchronize the three Columns, so the safe policy is to stop
	// accepting work rather than attempt a rollback on a memory-mapped
	// region.
	ErrSeriesPoisoned = errors.New("tsdb: series poisoned by a failed write")

	// ErrLocked is returned by Open when the advisory lock on the
	// symbol's data directory is already held, whether by another
	// process or by another open Series in this one.
	ErrLocked = errors.New("tsdb: symbol directory already locked by another process")

	// ErrClosed is returned by any operation on a Series after Close.
	ErrClosed = errors.New("tsdb: use of closed series")
)
