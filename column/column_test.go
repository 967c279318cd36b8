package column

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func encode(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decode(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func TestOpenNewFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)
	defer c.Close()

	require.EqualValues(t, 0, c.Count())
	require.Greater(t, c.Capacity(), int64(0))
}

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)
	defer c.Close()

	idx, err := c.Append(encode(42))
	require.NoError(t, err)
	require.EqualValues(t, 0, idx)

	out := make([]byte, 8)
	require.NoError(t, c.Read(0, out))
	require.EqualValues(t, 42, decode(out))
	require.EqualValues(t, 1, c.Count())
}

func TestReadOutOfRange(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)
	defer c.Close()

	out := make([]byte, 8)
	err = c.Read(0, out)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAppendBatch(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 0, 80)
	for i := uint64(0); i < 10; i++ {
		buf = append(buf, encode(i)...)
	}

	start, err := c.AppendBatch(buf, 10)
	require.NoError(t, err)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 10, c.Count())

	for i := int64(0); i < 10; i++ {
		out := make([]byte, 8)
		require.NoError(t, c.Read(i, out))
		require.EqualValues(t, i, decode(out))
	}
}

func TestGrowthAcrossManyAppends(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)
	defer c.Close()

	const n = 20_000
	for i := uint64(0); i < n; i++ {
		_, err := c.Append(encode(i))
		require.NoError(t, err)
	}

	require.EqualValues(t, n, c.Count())
	require.GreaterOrEqual(t, c.Capacity(), int64(n))

	for i := int64(0); i < n; i += 997 {
		out := make([]byte, 8)
		require.NoError(t, c.Read(i, out))
		require.EqualValues(t, i, decode(out))
	}
}

func TestReopenPreservesCountAndData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.bin")

	c, err := Open(Options{Path: path, ElementSize: 8})
	require.NoError(t, err)
	for i := uint64(0); i < 100; i++ {
		_, err := c.Append(encode(i))
		require.NoError(t, err)
	}
	require.NoError(t, c.FlushHeader())
	require.NoError(t, c.Close())

	c2, err := Open(Options{Path: path, ElementSize: 8})
	require.NoError(t, err)
	defer c2.Close()

	require.EqualValues(t, 100, c2.Count())
	out := make([]byte, 8)
	require.NoError(t, c2.Read(50, out))
	require.EqualValues(t, 50, decode(out))
}

func TestConcurrentAppendsReserveDistinctSlots(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)
	defer c.Close()

	const goroutines = 16
	const perGoroutine = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := c.Append(encode(uint64(g)))
				require.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	require.EqualValues(t, goroutines*perGoroutine, c.Count())
}

func TestCloseTwiceErrors(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{Path: filepath.Join(dir, "c.bin"), ElementSize: 8})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Close(), ErrClosed)
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.bin")

	// a file shorter than the header is corrupt.
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))

	_, err := Open(Options{Path: path, ElementSize: 8})
	require.ErrorIs(t, err, ErrCorruptHeader)
}
