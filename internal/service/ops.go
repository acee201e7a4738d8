package service

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sp103107/context-module/internal/brief"
	"github.com/sp103107/context-module/internal/episode"
	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/memory"
	"github.com/sp103107/context-module/internal/resumepack"
	"github.com/sp103107/context-module/internal/workingset"
)

type BootRequest struct {
	Objective          string
	AcceptanceCriteria []string
	Constraints        []string
	TaskID             string
	ThreadID           string
}

type BootResult struct {
	RunID string
	WS    *workingset.WorkingSet
}

// Boot creates a run directory, the seq-0 working set, and the BOOT
// ledger event.
func (s *Service) Boot(req BootRequest) (*BootResult, error) {
	runID := mintRunID()
	dir := s.runDir(runID)
	for _, sub := range []string{"state", "ledger", "episodes", "resume"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fault.Wrap(fault.IO, err)
		}
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = mintTaskID()
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = mintThreadID()
	}

	wsm := workingset.NewManager(filepath.Join(dir, "state", "working_set.json"), s.wsConfig())
	ws, err := wsm.CreateInitial(workingset.InitialParams{
		RunID:              runID,
		TaskID:             taskID,
		ThreadID:           threadID,
		Objective:          req.Objective,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Constraints:        req.Constraints,
	})
	if err != nil {
		return nil, err
	}

	h, err := s.adopt(runID, wsm)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.led.Append(ledger.NewEvent(runID, ledger.EventBoot, map[string]any{
		"objective": req.Objective,
		"task_id":   taskID,
		"thread_id": threadID,
	})); err != nil {
		return nil, err
	}
	return &BootResult{RunID: runID, WS: ws}, nil
}

func (s *Service) GetWS(runID string) (*workingset.WorkingSet, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wsm.Load()
}

type PatchResult struct {
	WS           *workingset.WorkingSet
	ContextBrief string
}

// ApplyPatch applies an optimistic-CAS patch; rejections (conflict or
// schema) are themselves ledgered as WS_UPDATE_REJECTED.
func (s *Service) ApplyPatch(runID string, rawPatch []byte) (*PatchResult, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.wsm.ApplyPatchJSON(rawPatch)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.Conflict:
			_, _ = h.led.Append(ledger.NewEvent(runID, ledger.EventWSUpdateRejected, map[string]any{
				"reason": "conflict",
				"error":  err.Error(),
			}))
		case fault.Schema, fault.Overflow:
			_, _ = h.led.Append(ledger.NewEvent(runID, ledger.EventWSUpdateRejected, map[string]any{
				"reason": "schema",
				"error":  err.Error(),
			}))
		}
		return nil, err
	}

	if _, err := h.led.Append(ledger.NewEvent(runID, ledger.EventWSUpdateApplied, map[string]any{
		"before_seq":         res.BeforeSeq,
		"after_seq":          res.AfterSeq,
		"directives_summary": res.Summary,
	})); err != nil {
		// The WS write is already durable; the repair path is the
		// reconcile warning on next open.
		s.logger.Printf("run %s: ws update applied but ledger append failed: %v", runID, err)
		return nil, err
	}

	return &PatchResult{WS: res.WS, ContextBrief: s.renderBrief(res.WS)}, nil
}

func (s *Service) renderBrief(ws *workingset.WorkingSet) string {
	results, err := s.memory.Search(ownerOf(ws), memory.Query{Text: ws.Objective, TopK: 8})
	if err != nil {
		results = nil
	}
	return brief.Render(brief.Input{WS: ws, Memory: results})
}

func ownerOf(ws *workingset.WorkingSet) memory.Owner {
	return memory.Owner{RunID: ws.RunID, TaskID: ws.TaskID, ThreadID: ws.ThreadID}
}

type ProposeMemoryRequest struct {
	RunID        string
	MCRs         []memory.MCR
	ScopeFilters memory.ScopeFilters
}

func (s *Service) ProposeMemory(req ProposeMemoryRequest) (*memory.ProposeResult, error) {
	h, err := s.handle(req.RunID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ws, err := h.wsm.Load()
	if err != nil {
		return nil, err
	}
	res, err := s.memory.Propose(ownerOf(ws), req.MCRs, req.ScopeFilters)
	if err != nil {
		return nil, err
	}
	if _, err := h.led.Append(ledger.NewEvent(req.RunID, ledger.EventMemoryProposed, map[string]any{
		"batch_id": res.BatchID,
		"count":    len(req.MCRs),
	})); err != nil {
		return nil, err
	}
	return res, nil
}

type CommitMemoryRequest struct {
	RunID                 string
	BatchID               string
	MilestoneToken        string
	AllowOutsideMilestone bool
}

func (s *Service) CommitMemory(req CommitMemoryRequest) (*memory.CommitResult, error) {
	h, err := s.handle(req.RunID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := s.memory.Commit(req.RunID, req.BatchID, req.MilestoneToken, req.AllowOutsideMilestone)
	if err != nil {
		return nil, err
	}
	if _, err := h.led.Append(ledger.NewEvent(req.RunID, ledger.EventMemoryCommitted, map[string]any{
		"batch_id": req.BatchID,
		"ids":      res.CommittedIDs,
	})); err != nil {
		return nil, err
	}
	return res, nil
}

type SearchMemoryRequest struct {
	RunID  string
	Query  string
	TopK   int
	Scope  string
	Status string
	Type   string
}

func (s *Service) SearchMemory(req SearchMemoryRequest) ([]memory.Item, error) {
	h, err := s.handle(req.RunID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	ws, err := h.wsm.Load()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.memory.Search(ownerOf(ws), memory.Query{
		Text:   req.Query,
		Scope:  req.Scope,
		Type:   req.Type,
		Status: req.Status,
		TopK:   req.TopK,
	})
}

type MilestoneRequest struct {
	RunID          string
	Reason         string
	MemoryBatchID  string
	NextEntryPoint string
}

// Milestone seals an episode for the run, committing the named batch (if
// any) under the freshly minted token.
func (s *Service) Milestone(req MilestoneRequest) (*episode.SealResult, error) {
	h, err := s.handle(req.RunID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	sealer := &episode.Sealer{
		Dir:    filepath.Join(h.dir, "episodes"),
		Ledger: h.led,
		WS:     h.wsm,
		Memory: s.memory,
		Vault:  s.vault,
	}
	return sealer.Seal(episode.SealRequest{
		RunID:          req.RunID,
		Reason:         req.Reason,
		MemoryBatchID:  req.MemoryBatchID,
		NextEntryPoint: req.NextEntryPoint,
	})
}

type SnapshotRequest struct {
	RunID    string
	Zip      bool
	Pointers map[string]any
	Include  []string
}

func (s *Service) ResumeSnapshot(req SnapshotRequest) (*resumepack.SnapshotResult, error) {
	h, err := s.handle(req.RunID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := resumepack.Snapshot(resumepack.SnapshotRequest{
		RunDir:   h.dir,
		RunID:    req.RunID,
		Zip:      req.Zip,
		Pointers: req.Pointers,
		Include:  req.Include,
	})
	if err != nil {
		return nil, err
	}
	if _, err := h.led.Append(ledger.NewEvent(req.RunID, ledger.EventResumeSnapshot, map[string]any{
		"pack_id": res.PackID,
	})); err != nil {
		return nil, err
	}
	return res, nil
}

type LoadPackRequest struct {
	PackPath string
	NewRunID string
}

type LoadPackResult struct {
	RunID string
	WS    *workingset.WorkingSet
}

func (s *Service) ResumeLoad(req LoadPackRequest) (*LoadPackResult, error) {
	res, err := resumepack.Load(resumepack.LoadRequest{
		PackPath: req.PackPath,
		RunsRoot: s.cfg.RunsRoot,
		NewRunID: req.NewRunID,
		LockMode: s.cfg.LockMode(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.handle(res.RunID); err != nil {
		return nil, err
	}
	return &LoadPackResult{RunID: res.RunID, WS: res.WS}, nil
}

type HealthResult struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Service) Health() HealthResult {
	return HealthResult{Status: "ok", Version: Version}
}

// ApplyPatchValue is a typed-path convenience for callers that build
// patches in code rather than JSON.
func (s *Service) ApplyPatchValue(runID string, patch *workingset.Patch) (*PatchResult, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fault.New(fault.Schema, "patch: %v", err)
	}
	return s.ApplyPatch(runID, raw)
}
