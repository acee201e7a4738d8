package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/schema"
)

type stagedOp struct {
	mcr    MCR
	itemID string // minted id for add ops
}

type stagedBatch struct {
	runID string
	ops   []stagedOp
}

// InMemoryStore is the baseline Store. Reads copy items out (snapshot
// semantics); writes take the store mutex, which is always acquired after
// any per-run mutex.
type InMemoryStore struct {
	mu       sync.Mutex
	vault    *TokenVault
	testMode bool
	items    map[string]*Item
	versions map[string][]Item // prior versions, newest last
	batches  map[string]*stagedBatch
}

type Options struct {
	Vault    *TokenVault
	TestMode bool
}

func NewInMemoryStore(opts Options) *InMemoryStore {
	v := opts.Vault
	if v == nil {
		v = NewTokenVault()
	}
	return &InMemoryStore{
		vault:    v,
		testMode: opts.TestMode,
		items:    map[string]*Item{},
		versions: map[string][]Item{},
		batches:  map[string]*stagedBatch{},
	}
}

// Propose validates each MCR, mints a batch, and stages the mutations.
// Adds become proposed items immediately; updates and retracts stage an
// intent without touching the committed target.
func (s *InMemoryStore) Propose(owner Owner, mcrs []MCR, filters ScopeFilters) (*ProposeResult, error) {
	if len(mcrs) == 0 {
		return nil, fault.New(fault.Schema, "propose requires at least one mcr")
	}
	for i := range mcrs {
		if err := schema.ValidateValue(schema.KindMCR, &mcrs[i]); err != nil {
			return nil, err
		}
		if mcrs[i].Op == OpAdd && !filters.allows(mcrs[i].Scope) {
			return nil, fault.New(fault.Schema,
				"mcr scope %q not allowed by scope filters", mcrs[i].Scope)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchID := "batch_" + ulid.Make().String()
	batch := &stagedBatch{runID: owner.RunID}
	var proposedIDs []string
	for _, m := range mcrs {
		op := stagedOp{mcr: m}
		switch m.Op {
		case OpAdd:
			item := &Item{
				SchemaVersion: SchemaVersion,
				ID:            "mem_" + ulid.Make().String(),
				Type:          m.Type,
				Scope:         m.Scope,
				Content:       m.Content,
				Confidence:    m.Confidence,
				Rationale:     m.Rationale,
				SourceRefs:    emptyRefs(m.SourceRefs),
				Status:        StatusProposed,
				BatchID:       batchID,
				CreatedAt:     ledger.UTCNow(),
				RunID:         owner.RunID,
				TaskID:        owner.TaskID,
				ThreadID:      owner.ThreadID,
			}
			if err := schema.ValidateValue(schema.KindMemoryItem, item); err != nil {
				return nil, err
			}
			s.items[item.ID] = item
			op.itemID = item.ID
			proposedIDs = append(proposedIDs, item.ID)
		case OpUpdate, OpRetract:
			target, ok := s.items[m.TargetID]
			if !ok {
				return nil, fault.New(fault.NotFound, "memory item %q not found", m.TargetID)
			}
			if target.Status == StatusRetracted {
				return nil, fault.New(fault.Conflict,
					"memory item %q is retracted; status transitions are one-way", m.TargetID)
			}
			op.itemID = m.TargetID
		}
		batch.ops = append(batch.ops, op)
	}
	s.batches[batchID] = batch
	return &ProposeResult{BatchID: batchID, ProposedIDs: proposedIDs}, nil
}

// Commit performs the double-key commit: the batch id from propose and
// the run's pending milestone token. The token is consumed even when the
// caller is the sealer. The test-mode escape requires both the explicit
// flag and a store constructed in test mode.
func (s *InMemoryStore) Commit(runID, batchID, token string, allowOutsideMilestone bool) (*CommitResult, error) {
	if !(allowOutsideMilestone && s.testMode) {
		if err := s.vault.Consume(runID, token); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return nil, fault.New(fault.UnknownBatch, "batch %q not proposed or already consumed", batchID)
	}

	now := ledger.UTCNow()
	var committed []string
	for _, op := range batch.ops {
		switch op.mcr.Op {
		case OpAdd:
			item := s.items[op.itemID]
			item.Status = StatusCommitted
			item.CommittedAt = now
			committed = append(committed, item.ID)
		case OpUpdate:
			target, ok := s.items[op.itemID]
			if !ok {
				return nil, fault.New(fault.NotFound, "memory item %q not found", op.itemID)
			}
			s.versions[target.ID] = append(s.versions[target.ID], *target)
			applyOverrides(target, op.mcr)
			committed = append(committed, target.ID)
		case OpRetract:
			target, ok := s.items[op.itemID]
			if !ok {
				return nil, fault.New(fault.NotFound, "memory item %q not found", op.itemID)
			}
			s.versions[target.ID] = append(s.versions[target.ID], *target)
			target.Status = StatusRetracted
			target.RetractReason = op.mcr.Rationale
			committed = append(committed, target.ID)
		}
	}
	delete(s.batches, batchID)
	return &CommitResult{CommittedIDs: committed}, nil
}

// Retract flips one item to retracted directly, still gated by the
// milestone token.
func (s *InMemoryStore) Retract(runID, id, reason, token string, allowOutsideMilestone bool) error {
	if !(allowOutsideMilestone && s.testMode) {
		if err := s.vault.Consume(runID, token); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.items[id]
	if !ok {
		return fault.New(fault.NotFound, "memory item %q not found", id)
	}
	if target.Status == StatusRetracted {
		return fault.New(fault.Conflict, "memory item %q already retracted", id)
	}
	s.versions[target.ID] = append(s.versions[target.ID], *target)
	target.Status = StatusRetracted
	target.RetractReason = reason
	return nil
}

// Search returns up to TopK visible items. Ranking baseline:
// case-insensitive substring match on content; non-matching items are
// excluded when the query is non-empty. Ties break by (confidence DESC,
// created_at DESC, id ASC) so identical inputs order identically.
func (s *InMemoryStore) Search(owner Owner, q Query) ([]Item, error) {
	status := q.Status
	if status == "" {
		status = StatusCommitted
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 8
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	s.mu.Lock()
	var matched []Item
	for _, it := range s.items {
		if it.Status != status {
			continue
		}
		if q.Scope != "" && it.Scope != q.Scope {
			continue
		}
		if q.Type != "" && it.Type != q.Type {
			continue
		}
		if !visible(it, owner) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(it.Content), needle) {
			continue
		}
		matched = append(matched, *it)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})
	if len(matched) > topK {
		matched = matched[:topK]
	}
	return matched, nil
}

func visible(it *Item, owner Owner) bool {
	switch it.Scope {
	case ScopeGlobal:
		return true
	case ScopeRun:
		return it.RunID == owner.RunID
	case ScopeTask:
		return it.TaskID == owner.TaskID
	case ScopeThread:
		return it.ThreadID == owner.ThreadID
	default:
		return false
	}
}

func applyOverrides(target *Item, m MCR) {
	if m.Content != "" {
		target.Content = m.Content
	}
	if m.Confidence != 0 {
		target.Confidence = m.Confidence
	}
	if m.Rationale != "" {
		target.Rationale = m.Rationale
	}
	if m.Type != "" {
		target.Type = m.Type
	}
	if len(m.SourceRefs) > 0 {
		target.SourceRefs = append([]string(nil), m.SourceRefs...)
	}
}

func (f ScopeFilters) allows(scope string) bool {
	if len(f.Scopes) == 0 {
		return true
	}
	for _, s := range f.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func emptyRefs(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
