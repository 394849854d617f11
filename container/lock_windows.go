//go:build windows

package container

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// fileLock is a fail-fast advisory lock on the memory file itself.
type fileLock struct {
	handle windows.Handle
}

func acquireLock(f *os.File) (*fileLock, error) {
	handle := windows.Handle(f.Fd())
	var ol windows.Overlapped
	err := windows.LockFileEx(handle,
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, &ol)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock memory file: %w", err)
	}
	return &fileLock{handle: handle}, nil
}

func (l *fileLock) release() {
	var ol windows.Overlapped
	_ = windows.UnlockFileEx(l.handle, 0, 1, 0, &ol)
}
