package server

import "github.com/sp103107/context-module/internal/memory"

// BootRequest is the POST /runs/boot request body.
type BootRequest struct {
	Objective          string   `json:"objective"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`
	TaskID             string   `json:"task_id,omitempty"`
	ThreadID           string   `json:"thread_id,omitempty"`
}

// PatchRequest is the POST /runs/{id}/patch request body. Patch is the
// raw patch document; it is validated downstream so schema errors carry
// a JSON pointer.
type PatchRequest struct {
	Patch map[string]any `json:"patch"`
}

// ProposeRequest is the POST /runs/{id}/memory/propose request body.
type ProposeRequest struct {
	MCRs         []memory.MCR        `json:"mcrs"`
	ScopeFilters memory.ScopeFilters `json:"scope_filters,omitempty"`
}

// CommitRequest is the POST /runs/{id}/memory/commit request body.
type CommitRequest struct {
	BatchID               string `json:"batch_id"`
	MilestoneToken        string `json:"milestone_token,omitempty"`
	AllowOutsideMilestone bool   `json:"allow_outside_milestone,omitempty"`
}

// SearchRequest is the POST /runs/{id}/memory/search request body.
type SearchRequest struct {
	Query  string `json:"query,omitempty"`
	TopK   int    `json:"top_k,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Status string `json:"status,omitempty"`
	Type   string `json:"type,omitempty"`
}

// MilestoneRequest is the POST /runs/{id}/milestone request body.
type MilestoneRequest struct {
	Reason         string `json:"reason"`
	MemoryBatchID  string `json:"memory_batch_id,omitempty"`
	NextEntryPoint string `json:"next_entry_point,omitempty"`
}

// SnapshotRequest is the POST /runs/{id}/resume/snapshot request body.
type SnapshotRequest struct {
	Zip      bool           `json:"zip,omitempty"`
	Pointers map[string]any `json:"pointers,omitempty"`
	Include  []string       `json:"include,omitempty"`
}

// LoadRequest is the POST /resume/load request body.
type LoadRequest struct {
	PackPath string `json:"pack_path"`
	NewRunID string `json:"new_run_id,omitempty"`
}

// ErrorResponse is the error envelope every failing endpoint returns.
type ErrorResponse struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}
