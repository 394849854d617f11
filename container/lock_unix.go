//go:build unix

package container

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is a fail-fast advisory lock on the memory file itself.
type fileLock struct {
	fd int
}

func acquireLock(f *os.File) (*fileLock, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock memory file: %w", err)
	}
	return &fileLock{fd: fd}, nil
}

func (l *fileLock) release() {
	_ = unix.Flock(l.fd, unix.LOCK_UN)
}
