package workingset

import (
	"sort"

	"github.com/sp103107/context-module/internal/tokenest"
)

func itemTokens(it ContextItem) int {
	if it.Tokens > 0 {
		return it.Tokens
	}
	return tokenest.Estimate(it.Content)
}

// TotalEstimate is the budgeted size of a working set: every rendered
// field plus the content of every pinned and sliding item, all through
// the one shared estimator.
func TotalEstimate(ws *WorkingSet) int {
	total := tokenest.Estimate(ws.Objective)
	total += tokenest.EstimateAll(ws.AcceptanceCriteria)
	total += tokenest.EstimateAll(ws.Constraints)
	total += tokenest.Estimate(ws.Status)
	total += tokenest.Estimate(ws.CurrentStage)
	total += tokenest.Estimate(ws.NextAction)
	total += tokenest.EstimateAll(ws.Blockers)
	total += tokenest.Estimate(ws.LastActionSummary)
	for _, it := range ws.PinnedContext {
		total += itemTokens(it)
	}
	for _, it := range ws.SlidingContext {
		total += itemTokens(it)
	}
	return total
}

// evict removes sliding items until TotalEstimate(ws) <= budget. Victims
// go in (priority ASC, timestamp ASC, id ASC) order; pinned items are
// never touched. The tie-break is total, so reruns on identical input
// produce identical output. Returns the removed ids in eviction order.
func evict(ws *WorkingSet, budget int) []string {
	if TotalEstimate(ws) <= budget {
		return nil
	}
	order := append([]ContextItem(nil), ws.SlidingContext...)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})

	var evicted []string
	doomed := map[string]bool{}
	total := TotalEstimate(ws)
	for _, victim := range order {
		if total <= budget {
			break
		}
		doomed[victim.ID] = true
		evicted = append(evicted, victim.ID)
		total -= itemTokens(victim)
	}
	if len(doomed) == 0 {
		return nil
	}
	kept := ws.SlidingContext[:0]
	for _, it := range ws.SlidingContext {
		if !doomed[it.ID] {
			kept = append(kept, it)
		}
	}
	ws.SlidingContext = kept
	return evicted
}
