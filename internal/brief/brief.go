// Package brief renders the context brief: a deterministic, model-facing
// markdown digest of a working set. Identical inputs yield identical
// bytes; nothing here reads the clock or iterates a map.
package brief

import (
	"fmt"
	"strings"

	"github.com/sp103107/context-module/internal/ledger"
	"github.com/sp103107/context-module/internal/memory"
	"github.com/sp103107/context-module/internal/workingset"
)

// DefaultMinConfidence is the floor below which retrieved memories are
// omitted from the brief.
const DefaultMinConfidence = 0.8

type Input struct {
	WS            *workingset.WorkingSet
	LedgerTail    []ledger.Event // optional
	Memory        []memory.Item  // optional; pre-ranked by the store
	MinConfidence float64        // 0 means DefaultMinConfidence
}

// Render produces the brief with fixed section ordering.
func Render(in Input) string {
	ws := in.WS
	minConf := in.MinConfidence
	if minConf == 0 {
		minConf = DefaultMinConfidence
	}

	var b strings.Builder
	b.WriteString("# CONTEXT BRIEF\n\n")

	b.WriteString("## 1. OBJECTIVE\n")
	b.WriteString(orUnset(ws.Objective) + "\n\n")

	b.WriteString("## 2. ACCEPTANCE CRITERIA\n")
	writeList(&b, ws.AcceptanceCriteria)

	b.WriteString("## 3. CONSTRAINTS\n")
	writeList(&b, ws.Constraints)

	b.WriteString("## 4. STAGE & NEXT ACTION\n")
	fmt.Fprintf(&b, "- status: %s\n", ws.Status)
	fmt.Fprintf(&b, "- stage: %s\n", ws.CurrentStage)
	fmt.Fprintf(&b, "- next_action: %s\n", ws.NextAction)
	if len(ws.Blockers) > 0 {
		b.WriteString("- blockers:\n")
		for _, bl := range ws.Blockers {
			fmt.Fprintf(&b, "  - %s\n", bl)
		}
	} else {
		b.WriteString("- blockers: (none)\n")
	}
	if ws.LastActionSummary != "" {
		fmt.Fprintf(&b, "- last_action: %s\n", ws.LastActionSummary)
	}
	b.WriteString("\n")

	b.WriteString("## 5. PINNED CONTEXT\n")
	writeItems(&b, ws.PinnedContext, false)

	b.WriteString("## 6. SLIDING CONTEXT\n")
	writeItems(&b, ws.SlidingContext, true)

	if in.Memory != nil {
		b.WriteString("## 7. RETRIEVED LONG-TERM MEMORY\n")
		shown := 0
		for _, m := range in.Memory {
			if m.Confidence < minConf {
				continue
			}
			fmt.Fprintf(&b, "- %s (memory_id=%s conf=%.2f)\n", strings.TrimSpace(m.Content), m.ID, m.Confidence)
			shown++
		}
		if shown == 0 {
			b.WriteString("- (none)\n")
		}
		b.WriteString("\n")
	}

	if in.LedgerTail != nil {
		b.WriteString("## 8. RECENT EVENTS\n")
		if len(in.LedgerTail) == 0 {
			b.WriteString("- (none)\n")
		}
		for _, ev := range in.LedgerTail {
			fmt.Fprintf(&b, "- %s seq=%d @ %s\n", ev.EventType, ev.SequenceID, ev.Timestamp)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func orUnset(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unset)"
	}
	return s
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- (none)\n\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func writeItems(b *strings.Builder, items []workingset.ContextItem, withMeta bool) {
	if len(items) == 0 {
		b.WriteString("- (none)\n\n")
		return
	}
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if withMeta {
			fmt.Fprintf(b, "- %s (pri=%d ts=%s)\n", content, it.Priority, it.Timestamp)
		} else {
			fmt.Fprintf(b, "- %s (id=%s)\n", content, it.ID)
		}
	}
	b.WriteString("\n")
}
