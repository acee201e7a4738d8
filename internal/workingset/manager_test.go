package workingset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sp103107/context-module/internal/fault"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = 8192
	}
	if cfg.PinnedMax == 0 {
		cfg.PinnedMax = 32
	}
	m := NewManager(filepath.Join(t.TempDir(), "working_set.json"), cfg)
	if _, err := m.CreateInitial(InitialParams{
		RunID:     "run_t",
		TaskID:    "task_t",
		ThreadID:  "thread_t",
		Objective: "ship",
	}); err != nil {
		t.Fatalf("create initial: %v", err)
	}
	return m
}

func item(id string, tokens, priority int, ts string) ContextItem {
	return ContextItem{ID: id, Content: "c-" + id, Timestamp: ts, Priority: priority, Tokens: tokens}
}

func TestCreateInitial_SeqZeroAndRefusesExisting(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "ws.json"), Config{TokenBudget: 8192, PinnedMax: 32})
	ws, err := m.CreateInitial(InitialParams{RunID: "run_t", Objective: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ws.UpdateSeq != 0 || ws.Status != StatusBoot {
		t.Fatalf("initial ws: seq=%d status=%s", ws.UpdateSeq, ws.Status)
	}
	if _, err := m.CreateInitial(InitialParams{RunID: "run_t"}); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict on second create, got %v", err)
	}
}

func TestApplyPatch_BumpsSeqByExactlyOne(t *testing.T) {
	m := newTestManager(t, Config{})
	res, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		Set:           map[string]any{"next_action": "write code"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.BeforeSeq != 0 || res.AfterSeq != 1 {
		t.Fatalf("seqs: before=%d after=%d", res.BeforeSeq, res.AfterSeq)
	}
	ws, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ws.UpdateSeq != 1 || ws.NextAction != "write code" {
		t.Fatalf("persisted ws: %+v", ws)
	}
}

func TestApplyPatch_StaleSeqIsConflictAndMutatesNothing(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.ApplyPatch(&Patch{SchemaVersion: SchemaVersion, ExpectedSeq: 0, Status: StatusBusy}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// A second writer still holding seq 0 must lose.
	_, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		Set:           map[string]any{"next_action": "stale"},
	})
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	fe := err.(*fault.Error)
	if got, ok := fe.Details["current_seq"].(uint64); !ok || got != 1 {
		t.Fatalf("current_seq detail = %v", fe.Details["current_seq"])
	}
	ws, _ := m.Load()
	if ws.UpdateSeq != 1 || ws.NextAction != "" {
		t.Fatalf("stale patch leaked into ws: %+v", ws)
	}
}

func TestApplyPatch_ConflictCheckedBeforeSchema(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.ApplyPatch(&Patch{SchemaVersion: SchemaVersion, ExpectedSeq: 0, Status: StatusBusy}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Stale seq AND a bad field: the conflict wins.
	raw := []byte(`{"_schema_version":"2.1","expected_seq":0,"set":{"run_id":"run_evil"}}`)
	if _, err := m.ApplyPatchJSON(raw); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict before schema validation, got %v", err)
	}
}

func TestApplyPatchJSON_UnknownPatchFieldRejected(t *testing.T) {
	m := newTestManager(t, Config{})
	raw := []byte(`{"_schema_version":"2.1","expected_seq":0,"rename_run":"x"}`)
	if _, err := m.ApplyPatchJSON(raw); !fault.IsKind(err, fault.Schema) {
		t.Fatalf("expected schema fault, got %v", err)
	}
}

func TestApplyPatch_ImmutableSetKeyRejected(t *testing.T) {
	m := newTestManager(t, Config{})
	raw := []byte(`{"_schema_version":"2.1","expected_seq":0,"set":{"run_id":"run_other"}}`)
	if _, err := m.ApplyPatchJSON(raw); !fault.IsKind(err, fault.Schema) {
		t.Fatalf("expected schema fault for immutable key, got %v", err)
	}
	ws, _ := m.Load()
	if ws.UpdateSeq != 0 {
		t.Fatalf("rejected patch bumped seq to %d", ws.UpdateSeq)
	}
}

func TestApplyPatch_DirectivesApplyInFixedOrder(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		SlidingAppend: []ContextItem{item("a", 1, 1, "t1")},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Remove "a" and append a new "a" in the same patch: remove runs first,
	// so the append does not collide.
	res, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   1,
		SlidingRemove: []string{"a"},
		SlidingAppend: []ContextItem{item("a", 2, 3, "t2")},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(res.WS.SlidingContext) != 1 || res.WS.SlidingContext[0].Priority != 3 {
		t.Fatalf("replace did not land: %+v", res.WS.SlidingContext)
	}
}

func TestApplyPatch_DuplicateItemIDRejected(t *testing.T) {
	m := newTestManager(t, Config{})
	if _, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend:  []ContextItem{item("dup", 1, 1, "t1")},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Same id in sliding collides with the pinned one.
	if _, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   1,
		SlidingAppend: []ContextItem{item("dup", 1, 1, "t2")},
	}); !fault.IsKind(err, fault.Schema) {
		t.Fatalf("expected schema fault for duplicate id, got %v", err)
	}
	// Two same-id items inside one patch collide too.
	if _, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   1,
		SlidingAppend: []ContextItem{item("twin", 1, 1, "t1"), item("twin", 1, 1, "t2")},
	}); !fault.IsKind(err, fault.Schema) {
		t.Fatalf("expected schema fault for in-patch duplicate, got %v", err)
	}
}

func TestApplyPatch_PinnedCapOverflow(t *testing.T) {
	m := newTestManager(t, Config{PinnedMax: 2})
	if _, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend:  []ContextItem{item("p1", 1, 1, "t1"), item("p2", 1, 1, "t1")},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   1,
		PinnedAppend:  []ContextItem{item("p3", 1, 1, "t1")},
	}); !fault.IsKind(err, fault.Overflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestApplyPatch_EvictsLowestPriorityOldestFirst(t *testing.T) {
	// Base document ("ship" + BOOT/BOOT) estimates to 3 tokens; budget 10
	// leaves room for 7 item tokens.
	m := newTestManager(t, Config{TokenBudget: 10})
	res, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		SlidingAppend: []ContextItem{
			item("a", 3, 5, "2026-01-01T00:00:00Z"),
			item("b", 3, 1, "2026-01-02T00:00:00Z"),
			item("c", 3, 1, "2026-01-01T00:00:00Z"),
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// c loses: same priority as b but older.
	if len(res.Evicted) != 1 || res.Evicted[0] != "c" {
		t.Fatalf("evicted = %v, want [c]", res.Evicted)
	}
	ids := slidingIDs(res.WS)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("survivors = %v, want [a b]", ids)
	}
}

func TestApplyPatch_EvictionCascadesUntilUnderBudget(t *testing.T) {
	m := newTestManager(t, Config{TokenBudget: 10})
	content := strings.Repeat("x", 20) // 5 tokens each
	res, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		SlidingAppend: []ContextItem{
			{ID: "A", Content: content, Timestamp: "2026-01-01T00:00:01Z", Priority: 1},
			{ID: "B", Content: content, Timestamp: "2026-01-01T00:00:02Z", Priority: 2},
			{ID: "C", Content: content, Timestamp: "2026-01-01T00:00:03Z", Priority: 1},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Low-priority A and C both go; higher-priority B alone fits.
	if len(res.Evicted) != 2 || res.Evicted[0] != "A" || res.Evicted[1] != "C" {
		t.Fatalf("evicted = %v, want [A C]", res.Evicted)
	}
	ids := slidingIDs(res.WS)
	if len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("survivors = %v, want [B]", ids)
	}
}

func TestApplyPatch_EvictionIsDeterministic(t *testing.T) {
	patch := func() *Patch {
		return &Patch{
			SchemaVersion: SchemaVersion,
			ExpectedSeq:   0,
			SlidingAppend: []ContextItem{
				item("x1", 4, 2, "t1"),
				item("x2", 4, 2, "t1"),
				item("x3", 4, 2, "t1"),
			},
		}
	}
	var first []string
	for i := 0; i < 3; i++ {
		m := newTestManager(t, Config{TokenBudget: 11})
		res, err := m.ApplyPatch(patch())
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if i == 0 {
			first = res.Evicted
			continue
		}
		if len(res.Evicted) != len(first) {
			t.Fatalf("run %d evicted %v, first run evicted %v", i, res.Evicted, first)
		}
		for j := range first {
			if res.Evicted[j] != first[j] {
				t.Fatalf("run %d evicted %v, first run evicted %v", i, res.Evicted, first)
			}
		}
	}
}

func TestApplyPatch_PinnedNeverEvicted(t *testing.T) {
	m := newTestManager(t, Config{TokenBudget: 10})
	res, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend:  []ContextItem{item("pin", 5, 0, "t1")},
		SlidingAppend: []ContextItem{item("sl", 5, 9, "t1")},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.WS.PinnedContext) != 1 {
		t.Fatalf("pinned item evicted")
	}
	if len(res.Evicted) != 1 || res.Evicted[0] != "sl" {
		t.Fatalf("evicted = %v, want [sl]", res.Evicted)
	}
}

func TestApplyPatch_OverflowWhenPinnedAloneBustsBudget(t *testing.T) {
	m := newTestManager(t, Config{TokenBudget: 10})
	_, err := m.ApplyPatch(&Patch{
		SchemaVersion: SchemaVersion,
		ExpectedSeq:   0,
		PinnedAppend:  []ContextItem{item("huge", 50, 0, "t1")},
	})
	if !fault.IsKind(err, fault.Overflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	ws, _ := m.Load()
	if ws.UpdateSeq != 0 {
		t.Fatalf("failed patch bumped seq")
	}
}

func TestLoad_RejectsTamperedDocument(t *testing.T) {
	m := newTestManager(t, Config{})
	raw, err := json.Marshal(map[string]any{"_schema_version": "2.1", "garbage": true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(m.Path(), raw, 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := m.Load(); !fault.IsKind(err, fault.Corruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func slidingIDs(ws *WorkingSet) []string {
	var ids []string
	for _, it := range ws.SlidingContext {
		ids = append(ids, it.ID)
	}
	return ids
}
