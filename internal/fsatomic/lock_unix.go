//go:build unix

package fsatomic

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func flockExclusive(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return false, fmt.Errorf("held by another process")
	}
	if err != nil {
		// Filesystems without flock support (some network mounts) fall
		// back to the single-writer assumption.
		return false, nil
	}
	return true, nil
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
