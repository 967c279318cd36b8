//go:build unix

package column

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapFile maps the first size bytes of f for shared reading and writing.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return data, nil
}

func munmap(data []byte) error {
	if data == nil {
		return nil
	}
	return errors.Wrap(unix.Munmap(data), "munmap")
}

// msyncAsync marks the given mapped range dirty and requests an
// asynchronous flush; it does not block for the write to reach disk.
func msyncAsync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(unix.Msync(data, unix.MS_ASYNC), "msync")
}

// msyncSync requests a synchronous flush of the given mapped range.
func msyncSync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(unix.Msync(data, unix.MS_SYNC), "msync")
}
