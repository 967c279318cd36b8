package tsdb

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SSYernar/Low-Latency-Time-Series-Database-TSDB-for-Market-Data/column"
	"github.com/SSYernar/Low-Latency-Time-Series-Database-TSDB-for-Market-Data/index"
)

const elementSize = 8 // every column stores fixed 8-byte little-endian records

// Series is the per-symbol engine: three Columns (timestamps, prices,
// volumes), one ordered Index, a write queue, and the background Writer
// that drains it. Series exclusively owns its Columns and Index; query
// results it returns are copies, independent of its storage.
type Series struct {
	opts   options
	logger *zap.Logger
	symbol string

	lockFile *os.File

	timestamps *column.Column
	prices     *column.Column
	volumes    *column.Column

	idx *index.BPlusTree

	// rw guards the Index and the read path through the Columns. The
	// Writer is the only exclusive holder, taken once per committed
	// batch; readers take it shared. Growth inside a Column only ever
	// happens while this is held exclusively, so no reader can hold a
	// raw reference into a mapping that gets remapped underneath it.
	rw sync.RWMutex

	queue *tickQueue

	pending atomic.Int64

	syncMu        sync.Mutex
	syncCond      *sync.Cond
	syncRequested bool

	poisoned atomic.Bool
	poisonMu sync.Mutex
	poisonErr error

	closed     atomic.Bool
	writerDone chan struct{}

	// state is the Writer's current stage, exposed read-only via
	// writerStateForTest for diagnostics. It is not part of the public
	// API.
	state atomic.Int32
}

// writerStateForTest returns the Writer's current stage. It exists so
// tests can assert the Writer returns to stateIdle between batches; it
// is not meant for production use.
func (s *Series) writerStateForTest() writerState {
	return writerState(s.state.Load())
}

// Open opens (or creates) data_dir/symbol/ with its three Columns,
// rebuilds the Index by scanning the timestamp column, takes an
// advisory lock on the symbol directory, and starts the Writer.
func Open(dataDir, symbol string, opts ...Option) (*Series, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	tree, err := index.New(o.branchFactor)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(dataDir, symbol)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "tsdb: create symbol directory %s", dir)
	}

	lockFile, err := acquireLock(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, err
	}

	s := &Series{
		opts:       o,
		logger:     o.logger,
		symbol:     symbol,
		lockFile:   lockFile,
		idx:        tree,
		queue:      newTickQueue(),
		writerDone: make(chan struct{}),
	}
	s.syncCond = sync.NewCond(&s.syncMu)

	columns, err := openColumns(dir, o.logger)
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}
	s.timestamps, s.prices, s.volumes = columns[0], columns[1], columns[2]

	if err := s.rebuildIndex(); err != nil {
		s.closeColumns()
		releaseLock(lockFile)
		return nil, err
	}

	go s.writerLoop()

	return s, nil
}

func openColumns(dir string, logger *zap.Logger) ([3]*column.Column, error) {
	names := [3]string{"timestamps.bin", "prices.bin", "volumes.bin"}
	var cols [3]*column.Column

	for i, name := range names {
		c, err := column.Open(column.Options{
			Path:        filepath.Join(dir, name),
			ElementSize: elementSize,
			Logger:      logger,
		})
		if err != nil {
			for j := 0; j < i; j++ {
				cols[j].Close()
			}
			return cols, err
		}
		cols[i] = c
	}

	return cols, nil
}

func (s *Series) rebuildIndex() error {
	count := s.timestamps.Count()
	buf := make([]byte, elementSize)

	for i := int64(0); i < count; i++ {
		if err := s.timestamps.Read(i, buf); err != nil {
			return err
		}
		s.idx.Insert(binary.LittleEndian.Uint64(buf), i)
	}

	return nil
}

// Append enqueues a tick and returns once it is queued; it does not
// wait for the Writer to commit it to disk.
func (s *Series) Append(ts uint64, price float64, vol uint64) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	s.pending.Add(1)
	s.queue.push(Tick{Timestamp: ts, Price: price, Volume: vol})
	return nil
}

// AppendBatch enqueues all ticks atomically with respect to other
// producers and increments pending-writes by len(ticks).
func (s *Series) AppendBatch(ticks []Tick) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if len(ticks) == 0 {
		return nil
	}
	s.pending.Add(int64(len(ticks)))
	s.queue.push(ticks...)
	return nil
}

// QueryRange returns every tick with lo <= timestamp <= hi, ascending by
// timestamp, ties in insertion order.
func (s *Series) QueryRange(lo, hi uint64) ([]Tick, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	s.rw.RLock()
	defer s.rw.RUnlock()

	entries := s.idx.RangeQuery(lo, hi)
	result := make([]Tick, 0, len(entries))
	for _, e := range entries {
		tick, err := s.readRow(e.Value)
		if err != nil {
			return nil, err
		}
		result = append(result, tick)
	}
	return result, nil
}

// QueryLast returns the last min(n, Count()) rows in insertion order.
func (s *Series) QueryLast(n int) ([]Tick, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	s.rw.RLock()
	defer s.rw.RUnlock()

	count := s.minColumnCount()
	start := count - int64(n)
	if start < 0 {
		start = 0
	}

	result := make([]Tick, 0, count-start)
	for i := start; i < count; i++ {
		tick, err := s.readRow(i)
		if err != nil {
			return nil, err
		}
		result = append(result, tick)
	}
	return result, nil
}

// Count returns min(count(timestamps), count(prices), count(volumes)).
// In correct operation the three always agree at rest; disagreement is
// logged as ColumnDesync, a warning, not an error.
func (s *Series) Count() (uint64, error) {
	if err := s.checkUsable(); err != nil {
		return 0, err
	}

	s.rw.RLock()
	defer s.rw.RUnlock()

	return uint64(s.minColumnCount()), nil
}

// Sync blocks until every tick enqueued before this call has been
// committed to the Columns and indexed. It is a writer-drain barrier,
// not a durability barrier: it does not imply fsync to physical media.
func (s *Series) Sync() error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	s.syncMu.Lock()
	s.syncRequested = true
	for s.pending.Load() != 0 && !s.poisoned.Load() {
		s.syncCond.Wait()
	}
	s.syncRequested = false
	s.syncMu.Unlock()

	if s.poisoned.Load() {
		return s.poisonError()
	}
	return nil
}

// Close stops the Writer, drains any remaining queued ticks, then
// closes the Columns and releases the advisory lock.
func (s *Series) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	s.queue.close()
	<-s.writerDone

	return s.closeColumns()
}

func (s *Series) closeColumns() error {
	var merr *multierror.Error
	merr = multierror.Append(merr, s.timestamps.Close())
	merr = multierror.Append(merr, s.prices.Close())
	merr = multierror.Append(merr, s.volumes.Close())
	merr = multierror.Append(merr, releaseLock(s.lockFile))
	return merr.ErrorOrNil()
}

func (s *Series) checkUsable() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.poisoned.Load() {
		return s.poisonError()
	}
	return nil
}

func (s *Series) poisonError() error {
	s.poisonMu.Lock()
	defer s.poisonMu.Unlock()
	return errors.Wrap(ErrSeriesPoisoned, s.poisonErr.Error())
}

// minColumnCount returns the minimum of the three Columns' counts,
// logging ColumnDesync if they disagree. Callers must hold s.rw.
func (s *Series) minColumnCount() int64 {
	ts, pr, vo := s.timestamps.Count(), s.prices.Count(), s.volumes.Count()
	min := ts
	if pr < min {
		min = pr
	}
	if vo < min {
		min = vo
	}

	if ts != pr || pr != vo {
		s.logger.Warn("tsdb: column desync",
			zap.String("symbol", s.symbol),
			zap.Int64("timestamps", ts),
			zap.Int64("prices", pr),
			zap.Int64("volumes", vo),
		)
	}

	return min
}

// readRow reads one row from all three Columns. Callers must hold s.rw.
func (s *Series) readRow(row int64) (Tick, error) {
	buf := make([]byte, elementSize)

	if err := s.timestamps.Read(row, buf); err != nil {
		return Tick{}, err
	}
	ts := binary.LittleEndian.Uint64(buf)

	if err := s.prices.Read(row, buf); err != nil {
		return Tick{}, err
	}
	price := math.Float64frombits(binary.LittleEndian.Uint64(buf))

	if err := s.volumes.Read(row, buf); err != nil {
		return Tick{}, err
	}
	vol := binary.LittleEndian.Uint64(buf)

	return Tick{Timestamp: ts, Price: price, Volume: vol}, nil
}
