//go:build !unix

package fsatomic

import "os"

// Advisory locking is unavailable; callers run under the single-writer
// assumption.
func flockExclusive(_ *os.File) (bool, error) { return false, nil }

func funlock(_ *os.File) error { return nil }
