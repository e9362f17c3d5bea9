package rules

import (
	"sort"

	"github.com/example/volley-sync/internal/types"
)

// DefaultGroups is used when no team carries a group label.
var DefaultGroups = []string{"A", "B", "C", "D"}

// Standing is one row of a group table.
type Standing struct {
	TeamID     string  `json:"teamId"`
	Name       string  `json:"name"`
	Group      string  `json:"group"`
	Played     int     `json:"matches"`
	Points     int     `json:"points"`
	SetsWon    int     `json:"setsWon"`
	SetsLost   int     `json:"setsLost"`
	PointsWon  int     `json:"smallWon"`
	PointsLost int     `json:"smallLost"`
	SetDiff    int     `json:"setDiff"`
	Ratio      float64 `json:"ratio"`
}

// DeriveGroups returns the sorted distinct group labels of teams, falling back
// to DefaultGroups.
func DeriveGroups(teams []types.Team) []string {
	seen := make(map[string]struct{})
	var groups []string
	for _, t := range teams {
		if t.Group == "" {
			continue
		}
		if _, ok := seen[t.Group]; ok {
			continue
		}
		seen[t.Group] = struct{}{}
		groups = append(groups, t.Group)
	}
	if len(groups) == 0 {
		return append([]string(nil), DefaultGroups...)
	}
	sort.Strings(groups)
	return groups
}

// ComputeStandings ranks the teams of group using confirmed group matches only.
// Rows are ordered by tournament points, set difference and point ratio.
// Teams still tied after that keep their order in teams.
func ComputeStandings(group string, teams []types.Team, matches []types.Match) []Standing {
	rows := make([]Standing, 0, len(teams))
	index := make(map[string]int)
	for _, t := range teams {
		if t.Group != group {
			continue
		}
		if _, dup := index[t.ID]; dup {
			continue
		}
		index[t.ID] = len(rows)
		rows = append(rows, Standing{TeamID: t.ID, Name: t.Name, Group: t.Group})
	}

	for _, m := range matches {
		if m.Stage != types.StageGroup || m.Group != group || m.Status != types.StatusConfirmed {
			continue
		}
		ai, okA := index[m.Team1ID]
		bi, okB := index[m.Team2ID]
		if !okA || !okB {
			continue
		}
		a, b := &rows[ai], &rows[bi]

		a.Played++
		b.Played++
		a.SetsWon += m.ASets
		a.SetsLost += m.BSets
		b.SetsWon += m.BSets
		b.SetsLost += m.ASets

		for _, set := range m.Sets {
			a.PointsWon += set.A
			a.PointsLost += set.B
			b.PointsWon += set.B
			b.PointsLost += set.A
		}

		pa, pb := matchPoints(m.ASets, m.BSets)
		a.Points += pa
		b.Points += pb
	}

	for i := range rows {
		r := &rows[i]
		r.SetDiff = r.SetsWon - r.SetsLost
		if r.PointsLost > 0 {
			r.Ratio = float64(r.PointsWon) / float64(r.PointsLost)
		} else {
			r.Ratio = float64(r.PointsWon)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		x, y := rows[i], rows[j]
		if x.Points != y.Points {
			return x.Points > y.Points
		}
		if x.SetDiff != y.SetDiff {
			return x.SetDiff > y.SetDiff
		}
		return x.Ratio > y.Ratio
	})
	return rows
}

// matchPoints awards 3-0 for a 2:0 win and 2-1 for a 2:1 win. Other scores do
// not award points.
func matchPoints(aSets, bSets int) (int, int) {
	switch {
	case aSets == 2 && bSets == 0:
		return 3, 0
	case bSets == 2 && aSets == 0:
		return 0, 3
	case aSets == 2 && bSets == 1:
		return 2, 1
	case bSets == 2 && aSets == 1:
		return 1, 2
	}
	return 0, 0
}
