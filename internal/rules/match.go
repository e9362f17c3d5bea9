// Package rules holds the pure scoring and standings logic of the tournament.
// Every function takes values and returns new values; inputs are never mutated.
package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/example/volley-sync/internal/types"
)

const (
	setsPerMatch      = 3
	setsToWin         = 2
	tiebreakIndex     = 2
	regularSetPoints  = 25
	tiebreakSetPoints = 15
	winMargin         = 2
)

// CreateMatch builds a fresh pending match with three empty sets. The group
// label is kept only for group stage matches.
func CreateMatch(stage types.Stage, group, team1ID, team2ID string, now time.Time) types.Match {
	if stage != types.StageGroup {
		group = ""
	}
	m := types.Match{
		ID:        uuid.NewString(),
		Stage:     stage,
		Group:     group,
		Team1ID:   team1ID,
		Team2ID:   team2ID,
		Sets:      make([]types.Set, setsPerMatch),
		Status:    types.StatusPending,
		CreatedAt: now.UTC(),
	}
	m.ASets, m.BSets = tally(m.Sets)
	return m
}

// IsTiebreak reports whether the set at idx is the shortened deciding set.
func IsTiebreak(idx int) bool {
	return idx == tiebreakIndex
}

// MinPointsForSet is the score a side must reach to win the set at idx.
func MinPointsForSet(idx int) int {
	if IsTiebreak(idx) {
		return tiebreakSetPoints
	}
	return regularSetPoints
}

// IsSetFinished reports whether either side has won the set at idx.
func IsSetFinished(set types.Set, idx int) bool {
	return setWinner(set, idx) != ""
}

func setWinner(set types.Set, idx int) types.Side {
	target := MinPointsForSet(idx)
	switch {
	case set.A >= target && set.A-set.B >= winMargin:
		return types.SideA
	case set.B >= target && set.B-set.A >= winMargin:
		return types.SideB
	}
	return ""
}

// CurrentSetIndex returns the first unfinished set, or the last set when all
// are finished.
func CurrentSetIndex(m types.Match) int {
	for i, set := range m.Sets {
		if !IsSetFinished(set, i) {
			return i
		}
	}
	if len(m.Sets) == 0 {
		return 0
	}
	return len(m.Sets) - 1
}

func tally(sets []types.Set) (aSets, bSets int) {
	for i, set := range sets {
		switch setWinner(set, i) {
		case types.SideA:
			aSets++
		case types.SideB:
			bSets++
		}
	}
	return aSets, bSets
}

// RecomputeMatchSummary derives set counts, status and winner from the set
// scores. A finished or confirmed match is never moved back to live, even when
// edited scores no longer satisfy the win condition.
func RecomputeMatchSummary(m types.Match) types.Match {
	out := m.Clone()
	out.ASets, out.BSets = tally(out.Sets)

	if out.ASets >= setsToWin || out.BSets >= setsToWin {
		if out.Status != types.StatusConfirmed {
			out.Status = types.StatusFinished
		}
		out.Winner = types.SideB
		if out.ASets > out.BSets {
			out.Winner = types.SideA
		}
		return out
	}

	if !isClosed(out.Status) {
		out.Status = types.StatusLive
		out.Winner = ""
	}
	return out
}

func isClosed(s types.Status) bool {
	return s == types.StatusFinished || s == types.StatusConfirmed
}

// CanScore reports whether points may still be added to the match.
func CanScore(m types.Match) bool {
	return !isClosed(m.Status)
}

// ApplyPoint adds delta to side's score in the current set. The score never
// drops below zero. Closed matches and unknown sides are returned unchanged.
// A pending match always becomes live on its first point.
func ApplyPoint(m types.Match, side types.Side, delta int) types.Match {
	if !CanScore(m) || (side != types.SideA && side != types.SideB) {
		return m
	}

	out := m.Clone()
	for len(out.Sets) < setsPerMatch {
		out.Sets = append(out.Sets, types.Set{})
	}
	idx := CurrentSetIndex(out)
	set := &out.Sets[idx]
	if side == types.SideA {
		set.A = max(0, set.A+delta)
	} else {
		set.B = max(0, set.B+delta)
	}

	prior := out.Status
	out = RecomputeMatchSummary(out)
	if prior == types.StatusPending && out.Status == types.StatusPending {
		out.Status = types.StatusLive
	}
	return out
}
