package fsatomic

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestWriteAtomic_CreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "doc.json")

	if err := WriteAtomic(path, []byte("one")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteAtomic(path, []byte("two")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("got %q, want %q", got, "two")
	}
}

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := WriteAtomic(path, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAppendLine_AppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")

	h, err := OpenAppend(path, LockNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.AppendLine([]byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h, err = OpenAppend(path, LockNone)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := h.AppendLine([]byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "a\nb\n" {
		t.Fatalf("got %q, want %q", got, "a\nb\n")
	}
}

func TestOpenAppend_AdvisoryLockExcludesSecondHandle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is unix-only")
	}
	path := filepath.Join(t.TempDir(), "log.jsonl")

	h1, err := OpenAppend(path, LockAdvisory)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer h1.Close()

	if _, err := OpenAppend(path, LockAdvisory); err == nil {
		t.Fatalf("expected second advisory open to fail while lock is held")
	}
}

func TestOpenAppend_LockReleasedOnClose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is unix-only")
	}
	path := filepath.Join(t.TempDir(), "log.jsonl")

	h1, err := OpenAppend(path, LockAdvisory)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h2, err := OpenAppend(path, LockAdvisory)
	if err != nil {
		t.Fatalf("open after close: %v", err)
	}
	_ = h2.Close()
}
