// Package memory implements the two-phase long-term memory store:
// mutations land as proposed batches and only flip to committed through a
// double-key commit (batch id plus a one-shot milestone token).
package memory

// Memory item types and scopes.
const (
	TypeFact       = "fact"
	TypePreference = "preference"
	TypeSkill      = "skill"
	TypeOther      = "other"

	ScopeGlobal = "global"
	ScopeRun    = "run"
	ScopeTask   = "task"
	ScopeThread = "thread"

	StatusProposed  = "proposed"
	StatusCommitted = "committed"
	StatusRetracted = "retracted"
)

const SchemaVersion = "2.1"

type Item struct {
	SchemaVersion string   `json:"_schema_version"`
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Scope         string   `json:"scope"`
	Content       string   `json:"content"`
	Confidence    float64  `json:"confidence"`
	Rationale     string   `json:"rationale"`
	SourceRefs    []string `json:"source_refs"`
	Status        string   `json:"status"`
	BatchID       string   `json:"batch_id"`
	CreatedAt     string   `json:"created_at"`
	CommittedAt   string   `json:"committed_at,omitempty"`
	RetractReason string   `json:"retract_reason,omitempty"`

	// Owner identifiers for non-global scopes.
	RunID    string `json:"run_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// MCR is a Memory Change Request: one proposed mutation.
type MCR struct {
	Op         string   `json:"op"`
	TargetID   string   `json:"target_id,omitempty"`
	Type       string   `json:"type,omitempty"`
	Scope      string   `json:"scope,omitempty"`
	Content    string   `json:"content,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	SourceRefs []string `json:"source_refs,omitempty"`
}

const (
	OpAdd     = "add"
	OpUpdate  = "update"
	OpRetract = "retract"
)

// Owner names the run submitting or reading memory; it scopes visibility
// for run/task/thread items.
type Owner struct {
	RunID    string
	TaskID   string
	ThreadID string
}

// ScopeFilters is the advisory pre-check on propose: when Scopes is
// non-empty, MCRs whose scope is not listed fail validation before
// staging.
type ScopeFilters struct {
	Scopes []string `json:"scopes,omitempty"`
}

type Query struct {
	Text   string
	Scope  string
	Type   string
	Status string // defaults to committed
	TopK   int
}

type ProposeResult struct {
	BatchID     string
	ProposedIDs []string
}

type CommitResult struct {
	CommittedIDs []string
}

// Store is the substitution boundary for alternative backends (e.g. a
// vector database). Implementations must keep the gating, filter, and
// deterministic-ordering guarantees so tests port across backends.
type Store interface {
	Propose(owner Owner, mcrs []MCR, filters ScopeFilters) (*ProposeResult, error)
	Commit(runID, batchID, token string, allowOutsideMilestone bool) (*CommitResult, error)
	Search(owner Owner, q Query) ([]Item, error)
	Retract(runID, id, reason, token string, allowOutsideMilestone bool) error
}
