// Package column implements a single mmap-backed append-only vector of
// fixed-size records, persisted as one file with an 8-byte count header.
// It is the storage primitive a Series composes three of (timestamps,
// prices, volumes) to keep one symbol's ticks on disk.
//
// Adapted from the teacher repo's pslice (a persistable mmap'd float64
// slice): same open/grow/remap/close shape, generalized from a fixed
// float64 element to an arbitrary fixed-size byte record, with the
// header/count/capacity contract spec'd for this store.
package column

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	headerSize = 8

	// initialChunkBytes is the minimum size a freshly created column file
	// is pre-allocated to, beyond the header.
	initialChunkBytes = 4096

	// growChunkBytes is the minimum amount of additional space reserved
	// on each growth, beyond doubling and beyond what's required.
	growChunkBytes = 4096
)

var (
	// ErrCorruptHeader is returned when an existing column file is too
	// small to contain a header, or its persisted count exceeds the
	// capacity implied by the file size.
	ErrCorruptHeader = errors.New("column: corrupt header")

	// ErrOutOfRange is returned by Read when index >= Count().
	ErrOutOfRange = errors.New("column: index out of range")

	// ErrClosed is returned by any operation on a closed Column.
	ErrClosed = errors.New("column: use of closed column")
)

// Options configures a Column.
type Options struct {
	// Path is the backing file's path. It is created if it does not exist.
	Path string

	// ElementSize is the fixed size, in bytes, of every record.
	ElementSize int64

	// Logger receives growth and lifecycle diagnostics. Defaults to a
	// no-op logger.
	Logger *zap.Logger
}

// Column is one mmap-backed append-only vector of fixed-size records.
type Column struct {
	opts   Options
	file   *os.File
	logger *zap.Logger

	// dataMu guards data and capacity against concurrent remap during
	// growth. Readers and appenders hold an RLock for as long as they
	// touch the mapping; grow takes the write lock to swap it out.
	dataMu   sync.RWMutex
	data     []byte
	capacity int64

	// growMu serializes the grow operation itself, so only one
	// goroutine extends and remaps the file at a time.
	growMu sync.Mutex

	count  atomic.Int64
	closed atomic.Bool
}

// Open opens the column file at opts.Path, creating and pre-allocating it
// if it does not exist, and memory-maps it in full.
func Open(opts Options) (*Column, error) {
	if opts.ElementSize <= 0 {
		return nil, errors.New("column: element size must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "column: open %s", opts.Path)
	}

	c := &Column{opts: opts, file: f, logger: logger}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "column: stat %s", opts.Path)
	}

	if fi.Size() == 0 {
		capacity := initialChunkBytes / opts.ElementSize
		if capacity == 0 {
			capacity = 1
		}
		if err := c.truncate(headerSize + capacity*opts.ElementSize); err != nil {
			f.Close()
			return nil, err
		}
		if err := c.remap(capacity); err != nil {
			f.Close()
			return nil, err
		}
		c.count.Store(0)
		if err := c.flushHeaderLocked(); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}

	if fi.Size() < headerSize {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptHeader, "%s: file size %d < header size", opts.Path, fi.Size())
	}

	capacity := (fi.Size() - headerSize) / opts.ElementSize
	if err := c.remap(capacity); err != nil {
		f.Close()
		return nil, err
	}

	count := int64(binary.LittleEndian.Uint64(c.data[:headerSize]))
	if count > capacity {
		c.Close()
		return nil, errors.Wrapf(ErrCorruptHeader, "%s: count %d exceeds capacity %d", opts.Path, count, capacity)
	}
	c.count.Store(count)

	return c, nil
}

// Count returns the logical number of elements currently present.
func (c *Column) Count() int64 {
	return c.count.Load()
}

// Capacity returns the physical number of element slots currently backed
// by the file.
func (c *Column) Capacity() int64 {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.capacity
}

// Append reserves the next slot, copies b into it, and issues an
// asynchronous flush hint on the written range. b must be exactly
// ElementSize bytes.
func (c *Column) Append(b []byte) (int64, error) {
	start, err := c.AppendBatch(b, 1)
	return start, err
}

// AppendBatch reserves n consecutive slots, copies buf (which must be
// exactly n*ElementSize bytes) into them, and issues an asynchronous
// flush hint on the written range. It grows the backing file first if
// there is not enough capacity. The returned index is the position of
// the first of the n newly written elements.
func (c *Column) AppendBatch(buf []byte, n int64) (start int64, err error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, errors.New("column: n must be positive")
	}
	if int64(len(buf)) != n*c.opts.ElementSize {
		return 0, errors.Errorf("column: buf has %d bytes, want %d", len(buf), n*c.opts.ElementSize)
	}

	start, err = c.reserve(n)
	if err != nil {
		return 0, err
	}

	// Held for the whole copy, not just to snapshot the slice: a
	// concurrent grow's remap munmaps the old mapping, and releasing
	// the lock early would let this write land on unmapped memory.
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	offset := headerSize + start*c.opts.ElementSize
	copy(c.data[offset:offset+n*c.opts.ElementSize], buf)

	if err := msyncAsync(c.data[offset : offset+n*c.opts.ElementSize]); err != nil {
		c.logger.Warn("column: async flush hint failed", zap.String("path", c.opts.Path), zap.Error(err))
	}

	return start, nil
}

// reserve atomically allocates n consecutive slots, growing the file
// under growMu if the current capacity cannot satisfy the request.
func (c *Column) reserve(n int64) (int64, error) {
	for {
		current := c.count.Load()
		capacity := c.Capacity()

		if current+n <= capacity {
			if c.count.CompareAndSwap(current, current+n) {
				return current, nil
			}
			continue
		}

		if err := c.growFor(current + n); err != nil {
			return 0, err
		}
	}
}

// growFor ensures capacity is at least required, growing the file and
// remapping it if necessary. It is safe to call concurrently; only one
// caller performs the actual grow.
func (c *Column) growFor(required int64) error {
	c.growMu.Lock()
	defer c.growMu.Unlock()

	capacity := c.Capacity()
	if capacity >= required {
		// another goroutine already grew enough while we waited.
		return nil
	}

	newCapacity := capacity + growChunkBytes/c.opts.ElementSize
	if newCapacity < capacity*2 {
		newCapacity = capacity * 2
	}
	if newCapacity < required {
		newCapacity = required
	}

	if err := c.truncate(headerSize + newCapacity*c.opts.ElementSize); err != nil {
		return err
	}
	if err := c.remap(newCapacity); err != nil {
		return err
	}

	c.logger.Debug("column: grew",
		zap.String("path", c.opts.Path),
		zap.Int64("old_capacity", capacity),
		zap.Int64("new_capacity", newCapacity),
	)

	return nil
}

// Read copies the element at index into out, which must be exactly
// ElementSize bytes.
func (c *Column) Read(index int64, out []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if index < 0 || index >= c.count.Load() {
		return errors.Wrapf(ErrOutOfRange, "index %d, count %d", index, c.count.Load())
	}
	if int64(len(out)) != c.opts.ElementSize {
		return errors.Errorf("column: out has %d bytes, want %d", len(out), c.opts.ElementSize)
	}

	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	offset := headerSize + index*c.opts.ElementSize
	copy(out, c.data[offset:offset+c.opts.ElementSize])
	return nil
}

// FlushHeader writes the current count into the first 8 bytes of the
// mapping and issues an asynchronous flush hint on the header range.
func (c *Column) FlushHeader() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.flushHeaderLocked()
}

func (c *Column) flushHeaderLocked() error {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	binary.LittleEndian.PutUint64(c.data[:headerSize], uint64(c.count.Load()))
	if err := msyncAsync(c.data[:headerSize]); err != nil {
		c.logger.Warn("column: header flush hint failed", zap.String("path", c.opts.Path), zap.Error(err))
	}
	return nil
}

// Close flushes the header synchronously, unmaps the region, and closes
// the file descriptor. It is an error to call Close more than once.
func (c *Column) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	binary.LittleEndian.PutUint64(c.data[:headerSize], uint64(c.count.Load()))
	if err := msyncSync(c.data[:headerSize]); err != nil {
		c.logger.Warn("column: header flush on close failed", zap.String("path", c.opts.Path), zap.Error(err))
	}

	if err := munmap(c.data); err != nil {
		c.file.Close()
		return err
	}
	c.data = nil

	return c.file.Close()
}

func (c *Column) truncate(size int64) error {
	if err := c.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "column: truncate %s to %d", c.opts.Path, size)
	}
	return nil
}

// remap drops the current mapping (if any) and maps the whole file,
// whose size must already reflect newCapacity.
func (c *Column) remap(newCapacity int64) error {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	if c.data != nil {
		if err := munmap(c.data); err != nil {
			return err
		}
		c.data = nil
	}

	size := headerSize + newCapacity*c.opts.ElementSize
	data, err := mmapFile(c.file, size)
	if err != nil {
		return errors.Wrapf(err, "column: mmap %s", c.opts.Path)
	}

	c.data = data
	c.capacity = newCapacity
	return nil
}
