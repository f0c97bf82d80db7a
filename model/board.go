package model

// Goal is one board square: it is complete for a world once the value of
// State in the world's effective scope reaches Threshold.
type Goal struct {
	X, Y      int
	Text      string
	State     UberStateID
	Threshold float64
}

// Board is a square card of goals.
type Board struct {
	Size  int
	Goals []Goal
}

// States lists the uber states referenced by the board's goals.
func (b *Board) States() []UberStateID {
	if b == nil {
		return nil
	}
	seen := make(map[UberStateID]struct{}, len(b.Goals))
	out := make([]UberStateID, 0, len(b.Goals))
	for _, g := range b.Goals {
		if _, ok := seen[g.State]; ok {
			continue
		}
		seen[g.State] = struct{}{}
		out = append(out, g.State)
	}
	return out
}

// WorldCompletion summarises one world's board progress.
type WorldCompletion struct {
	WorldID int64
	Squares int
	Lines   int
	Rank    int
	Score   string
}

// CompletionSummary is the board progress of every world in a multiverse.
type CompletionSummary struct {
	MultiverseID int64
	Worlds       []WorldCompletion
}
