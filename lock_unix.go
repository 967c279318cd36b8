//go:build unix

package tsdb

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// acquireLock takes a non-blocking exclusive advisory lock on a sentinel
// file inside a symbol's data directory, so a second process opening the
// same symbol fails fast with ErrLocked instead of corrupting the
// column files underneath a concurrent writer. The file format itself
// carries no lock or epoch (per spec), so this is enforced entirely at
// the filesystem layer, the same way influxdata-influxdb's mmap helpers
// lean on golang.org/x/sys/unix rather than the raw syscall package.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "tsdb: open lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "%s", path)
		}
		return nil, errors.Wrapf(err, "tsdb: flock %s", path)
	}

	return f, nil
}

func releaseLock(f *os.File) error {
	if f == nil {
		return nil
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
