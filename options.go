package tsdb

import (
	"time"

	"go.uber.org/zap"

	tsclock "github.com/SSYernar/Low-Latency-Time-Series-Database-TSDB-for-Market-Data/clock"
	"github.com/SSYernar/Low-Latency-Time-Series-Database-TSDB-for-Market-Data/index"
)

// defaultBatchSize is the maximum number of ticks the Writer drains from
// the queue in one commit.
const defaultBatchSize = 1000

// defaultBatchLinger bounds how long a tick can sit in the queue before
// the Writer commits a partial batch, so a sparse producer doesn't wait
// forever for the queue to reach defaultBatchSize.
const defaultBatchLinger = 5 * time.Millisecond

type options struct {
	logger       *zap.Logger
	branchFactor int
	batchSize    int
	batchLinger  time.Duration
	clock        tsclock.Clock
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		branchFactor: index.DefaultOrder,
		batchSize:    defaultBatchSize,
		batchLinger:  defaultBatchLinger,
		clock:        tsclock.C,
	}
}

// Option configures a Series at Open time.
type Option func(*options)

// WithLogger sets the structured logger used for growth, batching,
// desync, and poisoning diagnostics. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBranchingFactor sets the B+ tree's branching factor. Must be at
// least index.MinOrder; invalid values are rejected by Open.
func WithBranchingFactor(n int) Option {
	return func(o *options) { o.branchFactor = n }
}

// WithBatchSize sets the maximum number of ticks committed per Writer
// batch. Defaults to 1000, as specified.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithBatchLinger bounds how long the Writer waits for the queue to
// reach WithBatchSize before committing whatever has accumulated.
func WithBatchLinger(d time.Duration) Option {
	return func(o *options) { o.batchLinger = d }
}

// WithClock overrides the clock used for the batch linger timer. Tests
// use this with a clock.Mock for deterministic timing.
func WithClock(c tsclock.Clock) Option {
	return func(o *options) { o.clock = c }
}
