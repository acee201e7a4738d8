package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type LockMode string

const (
	LockAdvisory LockMode = "advisory"
	LockNone     LockMode = "none"
)

// AppendHandle is a single-writer append handle with per-line fsync.
// In advisory mode the underlying file carries an exclusive flock for the
// handle's lifetime; on platforms without flock the mode degrades to the
// single-writer assumption.
type AppendHandle struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	locked bool
}

func OpenAppend(path string, mode LockMode) (*AppendHandle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	h := &AppendHandle{f: f, path: path}
	if mode == LockAdvisory {
		locked, err := flockExclusive(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		h.locked = locked
	}
	return h, nil
}

// AppendLine writes line plus a trailing newline and fsyncs before
// returning. Lines are never rewritten.
func (h *AppendHandle) AppendLine(line []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := h.f.Write(buf); err != nil {
		return err
	}
	return h.f.Sync()
}

func (h *AppendHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	if h.locked {
		_ = funlock(h.f)
	}
	err := h.f.Close()
	h.f = nil
	return err
}
