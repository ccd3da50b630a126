//go:build unix

package container

import (
	"errors"

	"golang.org/x/sys/unix"
)

// lockFile takes a non-blocking exclusive advisory lock on the container.
// Closing the file releases it.
func lockFile(f *File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	}
	if err != nil {
		return ioError("lock", 0, err)
	}
	return nil
}
