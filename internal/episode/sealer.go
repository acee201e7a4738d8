// Package episode seals milestones: immutable checkpoints that snapshot
// the working set, span a ledger window, and mint the one-shot token that
// gates long-term memory commits.
package episode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/fsatomic"
	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/memory"
	"github.com/sp103107/context-module/internal/schema"
	"github.com/sp103107/context-module/internal/workingset"
)

const SchemaVersion = "2.1"

type Span struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

type Episode struct {
	SchemaVersion      string                 `json:"_schema_version"`
	EpisodeID          string                 `json:"episode_id"`
	RunID              string                 `json:"run_id"`
	Reason             string                 `json:"reason"`
	CreatedAt          string                 `json:"created_at"`
	WSBefore           *workingset.WorkingSet `json:"ws_before"`
	WSAfter            *workingset.WorkingSet `json:"ws_after"`
	LedgerSpan         Span                   `json:"ledger_span"`
	CommittedMemoryIDs []string               `json:"committed_memory_ids"`
	NextEntryPoint     string                 `json:"next_entry_point"`
	Summary            string                 `json:"summary"`
}

// Sealer binds the subsystems a milestone touches. Callers hold the
// per-run mutex across Seal.
type Sealer struct {
	Dir    string // episodes directory for the run
	Ledger *ledger.Ledger
	WS     *workingset.Manager
	Memory memory.Store
	Vault  *memory.TokenVault
}

type SealRequest struct {
	RunID          string
	Reason         string
	MemoryBatchID  string
	NextEntryPoint string
}

type SealResult struct {
	EpisodeID    string
	Path         string
	CommittedIDs []string
	// MilestoneToken is returned only when no batch was committed in-seal;
	// the caller may spend it on one later commit.
	MilestoneToken string
}

// Seal checkpoints the run. The ledger span starts one past the previous
// seal event (or at 0) and ends at this seal's own EPISODE_SEALED event.
func (s *Sealer) Seal(req SealRequest) (*SealResult, error) {
	wsBefore, err := s.WS.Load()
	if err != nil {
		return nil, err
	}

	events, err := s.Ledger.ReadAll()
	if err != nil {
		return nil, err
	}
	fromSeq := uint64(0)
	for _, ev := range events {
		if ev.EventType == ledger.EventEpisodeSealed {
			fromSeq = ev.SequenceID + 1
		}
	}

	token := s.Vault.Mint(req.RunID)

	var committed []string
	if req.MemoryBatchID != "" {
		res, err := s.Memory.Commit(req.RunID, req.MemoryBatchID, token, false)
		if err != nil {
			s.Vault.Invalidate(req.RunID)
			_, _ = s.Ledger.Append(ledger.NewEvent(req.RunID, ledger.EventWSUpdateRejected, map[string]any{
				"reason":   "episode_commit_failed",
				"batch_id": req.MemoryBatchID,
				"error":    err.Error(),
			}))
			return nil, err
		}
		committed = res.CommittedIDs
		token = "" // consumed by the in-seal commit
		if _, err := s.Ledger.Append(ledger.NewEvent(req.RunID, ledger.EventMemoryCommitted, map[string]any{
			"batch_id": req.MemoryBatchID,
			"ids":      committed,
		})); err != nil {
			return nil, err
		}
	}

	// The seal event has not been appended yet; its sequence is known
	// because the caller holds the run lock.
	sealSeq := uint64(s.Ledger.LastSequence() + 1)

	spanEvents, err := s.Ledger.ReadRange(fromSeq, sealSeq)
	if err != nil {
		return nil, err
	}

	ep := &Episode{
		SchemaVersion:      SchemaVersion,
		EpisodeID:          "ep_" + ulid.Make().String(),
		RunID:              req.RunID,
		Reason:             req.Reason,
		CreatedAt:          ledger.UTCNow(),
		WSBefore:           wsBefore.Clone(),
		WSAfter:            wsBefore.Clone(),
		LedgerSpan:         Span{FromSeq: fromSeq, ToSeq: sealSeq},
		CommittedMemoryIDs: emptyIDs(committed),
		NextEntryPoint:     req.NextEntryPoint,
		Summary:            summarize(spanEvents),
	}
	if err := schema.ValidateValue(schema.KindEpisode, ep); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}
	raw = append(raw, '\n')
	path := filepath.Join(s.Dir, ep.EpisodeID+".json")
	if err := fsatomic.WriteAtomic(path, raw); err != nil {
		return nil, fault.Wrap(fault.IO, err)
	}

	sum := blake3.Sum256(raw)
	gotSeq, err := s.Ledger.Append(ledger.NewEvent(req.RunID, ledger.EventEpisodeSealed, map[string]any{
		"episode_id":    ep.EpisodeID,
		"ledger_from":   fromSeq,
		"ledger_to":     sealSeq,
		"committed_ids": emptyIDs(committed),
		"reason":        req.Reason,
		"content_hash":  hex.EncodeToString(sum[:]),
	}))
	if err != nil {
		return nil, err
	}
	if gotSeq != sealSeq {
		// The run lock should make this impossible; treat it as corruption.
		return nil, fault.New(fault.Corruption,
			"seal event landed at seq %d, expected %d", gotSeq, sealSeq)
	}

	return &SealResult{
		EpisodeID:      ep.EpisodeID,
		Path:           path,
		CommittedIDs:   committed,
		MilestoneToken: token,
	}, nil
}

// summarize builds the deterministic episode summary: event-type counts
// plus the last five events of the span.
func summarize(events []ledger.Event) string {
	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.EventType]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	out := "Event counts:\n"
	for _, t := range types {
		out += fmt.Sprintf("- %s: %d\n", t, counts[t])
	}
	tail := events
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	out += "\nLast events (tail):\n"
	for _, ev := range tail {
		out += fmt.Sprintf("- %s @ %s\n", ev.EventType, ev.Timestamp)
	}
	if len(out) > 1200 {
		out = out[:1200]
	}
	return out
}

func emptyIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
