// Package workingset manages the live task-state document for one run:
// optimistic concurrency on a versioned document with deterministic
// eviction under a token budget.
package workingset

import "slices"

const SchemaVersion = "2.1"

// Run status values.
const (
	StatusBoot   = "BOOT"
	StatusBusy   = "BUSY"
	StatusIdle   = "IDLE"
	StatusDone   = "DONE"
	StatusFailed = "FAILED"
)

// ContextItem is one unit of pinned or sliding context. Tokens, when set,
// overrides the estimator for this item.
type ContextItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Priority  int    `json:"priority"`
	Tokens    int    `json:"tokens,omitempty"`
}

type WorkingSet struct {
	SchemaVersion      string        `json:"_schema_version"`
	UpdateSeq          uint64        `json:"_update_seq"`
	RunID              string        `json:"run_id"`
	TaskID             string        `json:"task_id"`
	ThreadID           string        `json:"thread_id"`
	Status             string        `json:"status"`
	Objective          string        `json:"objective"`
	AcceptanceCriteria []string      `json:"acceptance_criteria"`
	Constraints        []string      `json:"constraints"`
	CurrentStage       string        `json:"current_stage"`
	NextAction         string        `json:"next_action"`
	Blockers           []string      `json:"blockers"`
	LastActionSummary  string        `json:"last_action_summary"`
	PinnedContext      []ContextItem `json:"pinned_context"`
	SlidingContext     []ContextItem `json:"sliding_context"`
}

// Clone returns a deep copy. Episodes snapshot working sets by value;
// nothing may share the backing slices.
func (ws *WorkingSet) Clone() *WorkingSet {
	if ws == nil {
		return nil
	}
	cp := *ws
	cp.AcceptanceCriteria = slices.Clone(ws.AcceptanceCriteria)
	cp.Constraints = slices.Clone(ws.Constraints)
	cp.Blockers = slices.Clone(ws.Blockers)
	cp.PinnedContext = slices.Clone(ws.PinnedContext)
	cp.SlidingContext = slices.Clone(ws.SlidingContext)
	return &cp
}

// Patch is the mutation request shape for ApplyPatch. Directives apply in
// the order set, pinned_remove, pinned_append, sliding_remove,
// sliding_append; Status is a convenience alias for set.status.
type Patch struct {
	SchemaVersion string         `json:"_schema_version"`
	ExpectedSeq   uint64         `json:"expected_seq"`
	Set           map[string]any `json:"set,omitempty"`
	PinnedAppend  []ContextItem  `json:"pinned_append,omitempty"`
	PinnedRemove  []string       `json:"pinned_remove,omitempty"`
	SlidingAppend []ContextItem  `json:"sliding_append,omitempty"`
	SlidingRemove []string       `json:"sliding_remove,omitempty"`
	Status        string         `json:"status,omitempty"`
}

// DirectivesSummary counts what a patch carries, for ledger payloads.
func (p *Patch) DirectivesSummary() map[string]any {
	s := map[string]any{}
	if len(p.Set) > 0 {
		s["set"] = len(p.Set)
	}
	if len(p.PinnedAppend) > 0 {
		s["pinned_append"] = len(p.PinnedAppend)
	}
	if len(p.PinnedRemove) > 0 {
		s["pinned_remove"] = len(p.PinnedRemove)
	}
	if len(p.SlidingAppend) > 0 {
		s["sliding_append"] = len(p.SlidingAppend)
	}
	if len(p.SlidingRemove) > 0 {
		s["sliding_remove"] = len(p.SlidingRemove)
	}
	if p.Status != "" {
		s["status"] = p.Status
	}
	return s
}
