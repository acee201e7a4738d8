// Package ledger implements the append-only, crash-safe, sequence-numbered
// event log for one run. One JSON object per line; lines are never
// rewritten; sequences are dense starting at 0.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/fsatomic"
	"github.com/sp103107/context-module/internal/schema"
)

// Event types recorded in a run ledger.
const (
	EventBoot             = "BOOT"
	EventWSUpdateApplied  = "WS_UPDATE_APPLIED"
	EventWSUpdateRejected = "WS_UPDATE_REJECTED"
	EventMemoryProposed   = "MEMORY_PROPOSED"
	EventMemoryCommitted  = "MEMORY_COMMITTED"
	EventEpisodeSealed    = "EPISODE_SEALED"
	EventResumeSnapshot   = "RESUME_SNAPSHOT"
	EventResumeLoaded     = "RESUME_LOADED"
)

const SchemaVersion = "2.1"

type Event struct {
	SchemaVersion string         `json:"_schema_version"`
	SequenceID    uint64         `json:"sequence_id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Timestamp     string         `json:"timestamp"`
	RunID         string         `json:"run_id"`
	Payload       map[string]any `json:"payload"`
}

// Ledger serializes appends with an in-process mutex; cross-process
// writers are fenced by the append handle's advisory lock where available.
type Ledger struct {
	path string
	mu   sync.Mutex
	h    *fsatomic.AppendHandle
	last int64 // -1 when empty
}

// Open primes the sequence counter by scanning the existing file, then
// holds an append handle for the ledger's lifetime.
func Open(path string, lockMode fsatomic.LockMode) (*Ledger, error) {
	l := &Ledger{path: path, last: -1}
	events, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if n := len(events); n > 0 {
		l.last = int64(events[n-1].SequenceID)
	}
	h, err := fsatomic.OpenAppend(path, lockMode)
	if err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	l.h = h
	return l, nil
}

// NewEvent fills the boilerplate fields of a ledger event.
func NewEvent(runID, eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		SchemaVersion: SchemaVersion,
		EventID:       ulid.Make().String(),
		EventType:     eventType,
		Timestamp:     UTCNow(),
		RunID:         runID,
		Payload:       payload,
	}
}

// Append validates ev, assigns the next dense sequence id, and writes it
// as one fsynced line. The assigned sequence is returned.
func (l *Ledger) Append(ev Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil {
		return 0, fault.New(fault.IO, "ledger %s is closed", l.path)
	}
	ev.SequenceID = uint64(l.last + 1)
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fault.Wrap(fault.IO, err)
	}
	if err := schema.ValidateJSON(schema.KindLedgerEvent, raw); err != nil {
		return 0, err
	}
	if err := l.h.AppendLine(raw); err != nil {
		return 0, fault.Wrap(fault.IO, err)
	}
	l.last++
	return ev.SequenceID, nil
}

// ReadAll streams every event in sequence order, stopping with a
// corruption fault (carrying the byte offset) at the first malformed line.
func (l *Ledger) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.IO, err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	offset := int64(0)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) > 0 {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return events, corruptionAt(l.path, offset, err)
			}
			if err := schema.ValidateJSON(schema.KindLedgerEvent, line); err != nil {
				return events, corruptionAt(l.path, offset, err)
			}
			events = append(events, ev)
		}
		offset += int64(len(line)) + 1
	}
	if err := sc.Err(); err != nil {
		return events, fault.Wrap(fault.IO, err)
	}
	return events, nil
}

// ReadRange returns events with from <= sequence_id <= to.
func (l *Ledger) ReadRange(from, to uint64) ([]Event, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.SequenceID >= from && ev.SequenceID <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LastSequence returns the highest assigned sequence, or -1 when empty.
func (l *Ledger) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil {
		return nil
	}
	err := l.h.Close()
	l.h = nil
	return err
}

func corruptionAt(path string, offset int64, err error) error {
	return fault.New(fault.Corruption, "ledger %s corrupt at byte %d: %v", path, offset, err).
		With("byte_offset", offset)
}

// UTCNow formats the current time the way every persisted artifact does.
func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
