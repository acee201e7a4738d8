package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/fsatomic"
)

func openTemp(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, fsatomic.LockNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppend_SequencesAreDenseFromZero(t *testing.T) {
	l, _ := openTemp(t)
	for want := uint64(0); want < 5; want++ {
		got, err := l.Append(NewEvent("run_x", EventBoot, nil))
		if err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("sequence = %d, want %d", got, want)
		}
	}
	if l.LastSequence() != 4 {
		t.Fatalf("LastSequence = %d, want 4", l.LastSequence())
	}
}

func TestOpen_ResumesSequenceFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, fsatomic.LockNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(NewEvent("run_x", EventWSUpdateApplied, map[string]any{"after_seq": i + 1})); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := Open(path, fsatomic.LockNone)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	got, err := l2.Append(NewEvent("run_x", EventEpisodeSealed, nil))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if got != 3 {
		t.Fatalf("sequence after reopen = %d, want 3", got)
	}
}

func TestReadAll_EmptyWhenFileMissing(t *testing.T) {
	l := &Ledger{path: filepath.Join(t.TempDir(), "absent.jsonl"), last: -1}
	events, err := l.ReadAll()
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestReadAll_CorruptLineReportsByteOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, fsatomic.LockNone)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Append(NewEvent("run_x", EventBoot, nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for tamper: %v", err)
	}
	if _, err := f.WriteString("{truncated\n"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = f.Close()

	_, err = Open(path, fsatomic.LockNone)
	if !fault.IsKind(err, fault.Corruption) {
		t.Fatalf("expected corruption fault, got %v", err)
	}
	fe := err.(*fault.Error)
	off, ok := fe.Details["byte_offset"].(int64)
	if !ok {
		t.Fatalf("missing byte_offset detail: %+v", fe.Details)
	}
	if off != info.Size() {
		t.Fatalf("byte_offset = %d, want %d", off, info.Size())
	}
}

func TestReadRange_InclusiveBounds(t *testing.T) {
	l, _ := openTemp(t)
	for i := 0; i < 6; i++ {
		if _, err := l.Append(NewEvent("run_x", EventBoot, nil)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := l.ReadRange(2, 4)
	if err != nil {
		t.Fatalf("readrange: %v", err)
	}
	if len(events) != 3 || events[0].SequenceID != 2 || events[2].SequenceID != 4 {
		t.Fatalf("unexpected range: %+v", events)
	}
}

func TestAppend_RejectsUnknownEventType(t *testing.T) {
	l, _ := openTemp(t)
	_, err := l.Append(NewEvent("run_x", "NOT_AN_EVENT", nil))
	if !fault.IsKind(err, fault.Schema) {
		t.Fatalf("expected schema fault, got %v", err)
	}
	// The failed append must not consume a sequence.
	got, err := l.Append(NewEvent("run_x", EventBoot, nil))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != 0 {
		t.Fatalf("sequence = %d, want 0", got)
	}
}

func TestAppend_ClosedLedgerFails(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := l.Append(NewEvent("run_x", EventBoot, nil)); !fault.IsKind(err, fault.IO) {
		t.Fatalf("expected io fault on closed ledger, got %v", err)
	}
}
