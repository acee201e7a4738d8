package workingset

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/fsatomic"
	"github.com/sp103107/context-module/internal/schema"
)

type Config struct {
	TokenBudget int
	PinnedMax   int
}

type InitialParams struct {
	RunID              string
	TaskID             string
	ThreadID           string
	Objective          string
	AcceptanceCriteria []string
	Constraints        []string
	Timestamp          string
}

// ApplyResult reports what a successful patch did.
type ApplyResult struct {
	WS        *WorkingSet
	BeforeSeq uint64
	AfterSeq  uint64
	Evicted   []string
	Summary   map[string]any
}

// Manager owns the working_set.json file for one run. Callers serialize
// access with the per-run mutex in the service layer; the manager's own
// mutex covers direct use.
type Manager struct {
	path string
	cfg  Config
	mu   sync.Mutex
}

func NewManager(path string, cfg Config) *Manager {
	return &Manager{path: path, cfg: cfg}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// CreateInitial refuses if a working set already exists, then persists a
// seq-0 document atomically.
func (m *Manager) CreateInitial(p InitialParams) (*WorkingSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Exists() {
		return nil, fault.New(fault.Conflict, "working set already exists at %s", m.path)
	}
	ws := &WorkingSet{
		SchemaVersion:      SchemaVersion,
		UpdateSeq:          0,
		RunID:              p.RunID,
		TaskID:             p.TaskID,
		ThreadID:           p.ThreadID,
		Status:             StatusBoot,
		Objective:          p.Objective,
		AcceptanceCriteria: emptyIfNil(p.AcceptanceCriteria),
		Constraints:        emptyIfNil(p.Constraints),
		CurrentStage:       StatusBoot,
		NextAction:         "",
		Blockers:           []string{},
		LastActionSummary:  "",
		PinnedContext:      []ContextItem{},
		SlidingContext:     []ContextItem{},
	}
	if err := m.persist(ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// Load reads and validates the on-disk document.
func (m *Manager) Load() (*WorkingSet, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.NotFound, "working set not found at %s", m.path)
		}
		return nil, fault.Wrap(fault.IO, err)
	}
	if err := schema.ValidateJSON(schema.KindWorkingSet, raw); err != nil {
		return nil, fault.New(fault.Corruption, "working set %s: %v", m.path, err)
	}
	var ws WorkingSet
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fault.New(fault.Corruption, "working set %s: %v", m.path, err)
	}
	return &ws, nil
}

// ApplyPatchJSON decodes a raw patch document and applies it. The raw
// bytes are re-validated under the patch schema inside the lock, so
// unknown fields anywhere in the patch are rejected rather than silently
// dropped by the JSON decoder.
func (m *Manager) ApplyPatchJSON(raw []byte) (*ApplyResult, error) {
	var patch Patch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, fault.New(fault.Schema, "patch: invalid JSON: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(&patch, raw)
}

// ApplyPatch runs the optimistic-concurrency update protocol: CAS on
// expected_seq, schema validation, directive application in fixed order,
// invariant enforcement with deterministic eviction, then one atomic
// write bumping _update_seq by exactly 1. Nothing mutates on error.
func (m *Manager) ApplyPatch(patch *Patch) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(patch, nil)
}

func (m *Manager) applyLocked(patch *Patch, raw []byte) (*ApplyResult, error) {
	// Re-read from disk each time for re-entrancy safety.
	current, err := m.Load()
	if err != nil {
		return nil, err
	}
	if patch.ExpectedSeq != current.UpdateSeq {
		return nil, fault.New(fault.Conflict,
			"expected_seq=%d current_seq=%d", patch.ExpectedSeq, current.UpdateSeq).
			With("current_seq", current.UpdateSeq)
	}
	if raw != nil {
		err = schema.ValidateJSON(schema.KindPatch, raw)
	} else {
		err = schema.ValidateValue(schema.KindPatch, patch)
	}
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := applyDirectives(next, patch); err != nil {
		return nil, err
	}

	if m.cfg.PinnedMax > 0 && len(next.PinnedContext) > m.cfg.PinnedMax {
		return nil, fault.New(fault.Overflow,
			"pinned context has %d items, max %d", len(next.PinnedContext), m.cfg.PinnedMax)
	}
	evicted := evict(next, m.cfg.TokenBudget)
	if TotalEstimate(next) > m.cfg.TokenBudget {
		// Sliding is empty and the pinned/base load alone busts the budget.
		return nil, fault.New(fault.Overflow,
			"working set estimate %d exceeds token budget %d", TotalEstimate(next), m.cfg.TokenBudget)
	}

	next.UpdateSeq = current.UpdateSeq + 1
	if err := m.persist(next); err != nil {
		return nil, err
	}
	return &ApplyResult{
		WS:        next,
		BeforeSeq: current.UpdateSeq,
		AfterSeq:  next.UpdateSeq,
		Evicted:   evicted,
		Summary:   patch.DirectivesSummary(),
	}, nil
}

func applyDirectives(ws *WorkingSet, patch *Patch) error {
	if err := applySet(ws, patch.Set); err != nil {
		return err
	}
	if patch.Status != "" {
		ws.Status = patch.Status
	}
	ws.PinnedContext = removeItems(ws.PinnedContext, patch.PinnedRemove)
	for _, it := range patch.PinnedAppend {
		if hasItem(ws, it.ID) {
			return fault.New(fault.Schema, "duplicate context item id %q", it.ID)
		}
		ws.PinnedContext = append(ws.PinnedContext, it)
	}
	ws.SlidingContext = removeItems(ws.SlidingContext, patch.SlidingRemove)
	for _, it := range patch.SlidingAppend {
		if hasItem(ws, it.ID) {
			return fault.New(fault.Schema, "duplicate context item id %q", it.ID)
		}
		ws.SlidingContext = append(ws.SlidingContext, it)
	}
	return nil
}

// applySet handles the shallow field overrides. The patch schema has
// already rejected unknown and immutable keys; this switch is the typed
// landing for the allowed ones.
func applySet(ws *WorkingSet, set map[string]any) error {
	for key, v := range set {
		switch key {
		case "status":
			ws.Status = asString(v)
		case "current_stage":
			ws.CurrentStage = asString(v)
		case "next_action":
			ws.NextAction = asString(v)
		case "last_action_summary":
			ws.LastActionSummary = asString(v)
		case "acceptance_criteria":
			ws.AcceptanceCriteria = asStrings(v)
		case "constraints":
			ws.Constraints = asStrings(v)
		case "blockers":
			ws.Blockers = asStrings(v)
		default:
			return fault.New(fault.Schema, "immutable or unknown field in set: %s", key)
		}
	}
	return nil
}

// removeItems drops the listed ids; unknown ids are a no-op.
func removeItems(items []ContextItem, ids []string) []ContextItem {
	if len(ids) == 0 {
		return items
	}
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := items[:0]
	for _, it := range items {
		if !drop[it.ID] {
			kept = append(kept, it)
		}
	}
	return kept
}

func hasItem(ws *WorkingSet, id string) bool {
	for _, it := range ws.PinnedContext {
		if it.ID == id {
			return true
		}
	}
	for _, it := range ws.SlidingContext {
		if it.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) persist(ws *WorkingSet) error {
	if err := schema.ValidateValue(schema.KindWorkingSet, ws); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fault.Wrap(fault.IO, err)
	}
	raw = append(raw, '\n')
	if err := fsatomic.WriteAtomic(m.path, raw); err != nil {
		return fault.Wrap(fault.IO, err)
	}
	return nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, asString(e))
		}
		return out
	default:
		return []string{}
	}
}
