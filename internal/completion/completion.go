// Package completion evaluates board progress for the worlds of a
// multiverse from the aggregated uber state values.
package completion

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/model"
)

// StateView reads aggregated values; *cache.StateCache satisfies it.
type StateView interface {
	Get(scope model.ScopeKey, id model.UberStateID) (float64, bool)
}

// PolicySource resolves the policy of an identifier; *aggregation.Registry
// satisfies it.
type PolicySource interface {
	PolicyFor(id model.UberStateID) aggregation.Policy
}

// Tracker recomputes the completion summary of the multiverse topo belongs
// to. It runs inside the multiverse's aggregation job and must not block.
type Tracker interface {
	Recompute(view StateView, board *model.Board, topo model.Topology) model.CompletionSummary
}

// BoardEvaluator scores board goals against each world's effective value:
// the value in the scope the goal's uber state aggregates into for that world.
type BoardEvaluator struct {
	policies PolicySource
}

// NewBoardEvaluator constructs an evaluator resolving scopes through policies.
func NewBoardEvaluator(policies PolicySource) *BoardEvaluator {
	return &BoardEvaluator{policies: policies}
}

// Recompute implements Tracker. A nil board or an orphaned world yields an
// empty summary.
func (e *BoardEvaluator) Recompute(view StateView, board *model.Board, topo model.Topology) model.CompletionSummary {
	summary := model.CompletionSummary{MultiverseID: topo.MultiverseID}
	if board == nil || len(board.Goals) == 0 || topo.Orphaned {
		return summary
	}

	worlds := slices.Clone(topo.MultiverseWorldIDs)
	slices.Sort(worlds)
	for _, wid := range worlds {
		summary.Worlds = append(summary.Worlds, e.evaluate(view, board, topo.Sibling(wid)))
	}
	rank(summary.Worlds)
	return summary
}

func (e *BoardEvaluator) evaluate(view StateView, board *model.Board, world model.Topology) model.WorldCompletion {
	done := make(map[[2]int]bool, len(board.Goals))
	squares := 0
	for _, g := range board.Goals {
		v, _ := view.Get(e.policies.PolicyFor(g.State).Target(world), g.State)
		if met(g, v) {
			done[[2]int{g.X, g.Y}] = true
			squares++
		}
	}
	lines := countLines(board.Size, done)
	return model.WorldCompletion{
		WorldID: world.WorldID,
		Squares: squares,
		Lines:   lines,
		Score:   fmt.Sprintf("%d lines, %d/%d", lines, squares, len(board.Goals)),
	}
}

// met treats a non-positive threshold as "any non-zero value".
func met(g model.Goal, v float64) bool {
	if g.Threshold <= 0 {
		return v != 0
	}
	return v >= g.Threshold
}

// countLines counts fully completed rows, columns and both diagonals.
func countLines(size int, done map[[2]int]bool) int {
	if size <= 0 {
		return 0
	}
	full := func(cell func(i int) [2]int) bool {
		for i := 0; i < size; i++ {
			if !done[cell(i)] {
				return false
			}
		}
		return true
	}

	lines := 0
	for n := 0; n < size; n++ {
		if full(func(i int) [2]int { return [2]int{i, n} }) {
			lines++
		}
		if full(func(i int) [2]int { return [2]int{n, i} }) {
			lines++
		}
	}
	if full(func(i int) [2]int { return [2]int{i, i} }) {
		lines++
	}
	if full(func(i int) [2]int { return [2]int{i, size - 1 - i} }) {
		lines++
	}
	return lines
}

// rank assigns competition ranks (1, 2, 2, 4) by lines, then squares.
func rank(worlds []model.WorldCompletion) {
	order := make([]int, len(worlds))
	for i := range order {
		order[i] = i
	}
	better := func(a, b model.WorldCompletion) int {
		if c := cmp.Compare(b.Lines, a.Lines); c != 0 {
			return c
		}
		return cmp.Compare(b.Squares, a.Squares)
	}
	slices.SortStableFunc(order, func(i, j int) int { return better(worlds[i], worlds[j]) })

	for pos, idx := range order {
		if pos > 0 && better(worlds[order[pos-1]], worlds[idx]) == 0 {
			worlds[idx].Rank = worlds[order[pos-1]].Rank
			continue
		}
		worlds[idx].Rank = pos + 1
	}
}
