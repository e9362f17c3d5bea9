package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/volley-sync/internal/types"
)

func confirmedGroupMatch(group, t1, t2 string, sets ...types.Set) types.Match {
	m := CreateMatch(types.StageGroup, group, t1, t2, testNow)
	copy(m.Sets, sets)
	m = RecomputeMatchSummary(m)
	return ConfirmMatch(m).Match
}

func groupATeams() []types.Team {
	return []types.Team{
		{ID: "t1", Name: "Orły", Group: "A"},
		{ID: "t2", Name: "Sokoły", Group: "A"},
		{ID: "t3", Name: "Jastrzębie", Group: "A"},
		{ID: "t4", Name: "Mewy", Group: "B"},
	}
}

func TestComputeStandings(t *testing.T) {
	matches := []types.Match{
		confirmedGroupMatch("A", "t1", "t2", types.Set{A: 25, B: 20}, types.Set{A: 25, B: 18}),
		confirmedGroupMatch("A", "t1", "t3", types.Set{A: 25, B: 20}, types.Set{A: 22, B: 25}, types.Set{A: 15, B: 12}),
	}

	rows := ComputeStandings("A", groupATeams(), matches)
	require.Len(t, rows, 3)

	assert.Equal(t, "t1", rows[0].TeamID)
	assert.Equal(t, 5, rows[0].Points)
	assert.Equal(t, 2, rows[0].Played)
	assert.Equal(t, 4, rows[0].SetsWon)
	assert.Equal(t, 1, rows[0].SetsLost)
	assert.Equal(t, 3, rows[0].SetDiff)
	assert.Equal(t, 25+25+25+22+15, rows[0].PointsWon)
	assert.Equal(t, 20+18+20+25+12, rows[0].PointsLost)

	assert.Equal(t, "t3", rows[1].TeamID)
	assert.Equal(t, 1, rows[1].Points)
	assert.Equal(t, "t2", rows[2].TeamID)
	assert.Equal(t, 0, rows[2].Points)
	assert.Equal(t, float64(38)/float64(50), rows[2].Ratio)
}

func TestComputeStandingsIgnoresUnconfirmedAndOtherGroups(t *testing.T) {
	finished := RecomputeMatchSummary(matchWithSets(types.StageGroup, types.StatusLive, types.Set{A: 25, B: 1}, types.Set{A: 25, B: 1}))
	knockout := finishedMatch(types.StageSemifinal)
	knockout.Status = types.StatusConfirmed
	otherGroup := confirmedGroupMatch("B", "t1", "t2", types.Set{A: 25, B: 1}, types.Set{A: 25, B: 1})

	rows := ComputeStandings("A", groupATeams(), []types.Match{finished, knockout, otherGroup})
	for _, r := range rows {
		assert.Zero(t, r.Played, r.TeamID)
		assert.Zero(t, r.Points, r.TeamID)
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, teamIDs(rows), "ties keep input order")
}

func TestComputeStandingsSkipsUnknownTeamsAndOddScores(t *testing.T) {
	stranger := confirmedGroupMatch("A", "t1", "ghost", types.Set{A: 25, B: 1}, types.Set{A: 25, B: 1})
	odd := types.Match{
		ID: "odd", Stage: types.StageGroup, Group: "A", Team1ID: "t2", Team2ID: "t3",
		Sets:   []types.Set{{A: 25, B: 20}, {}, {}},
		ASets:  1,
		Status: types.StatusConfirmed,
	}

	rows := ComputeStandings("A", groupATeams(), []types.Match{stranger, odd})
	byID := map[string]Standing{}
	for _, r := range rows {
		byID[r.TeamID] = r
	}
	assert.Zero(t, byID["t1"].Played)
	assert.Equal(t, 1, byID["t2"].Played)
	assert.Zero(t, byID["t2"].Points, "1:0 awards nothing")
	assert.Zero(t, byID["t3"].Points)
	assert.Equal(t, float64(20)/float64(25), byID["t3"].Ratio)
	assert.Equal(t, float64(25)/float64(20), byID["t2"].Ratio)
}

func TestComputeStandingsRatioWithoutLostPoints(t *testing.T) {
	m := confirmedGroupMatch("A", "t1", "t2", types.Set{A: 25, B: 0}, types.Set{A: 25, B: 0})
	rows := ComputeStandings("A", groupATeams(), []types.Match{m})
	require.Equal(t, "t1", rows[0].TeamID)
	assert.Equal(t, float64(50), rows[0].Ratio)
}

func TestComputeStandingsDeterministic(t *testing.T) {
	matches := []types.Match{
		confirmedGroupMatch("A", "t2", "t3", types.Set{A: 25, B: 20}, types.Set{A: 25, B: 18}),
		confirmedGroupMatch("A", "t3", "t1", types.Set{A: 25, B: 20}, types.Set{A: 25, B: 18}),
		confirmedGroupMatch("A", "t1", "t2", types.Set{A: 25, B: 20}, types.Set{A: 25, B: 18}),
	}
	first := ComputeStandings("A", groupATeams(), matches)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, ComputeStandings("A", groupATeams(), matches))
	}
}

func TestDeriveGroups(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, DeriveGroups(groupATeams()))
	assert.Equal(t, []string{"A", "B", "C", "D"}, DeriveGroups(nil))
	assert.Equal(t, []string{"Elite", "Open"}, DeriveGroups([]types.Team{{Group: "Open"}, {Group: ""}, {Group: "Elite"}, {Group: "Open"}}))

	groups := DeriveGroups(nil)
	groups[0] = "Z"
	assert.Equal(t, "A", DefaultGroups[0], "fallback is not aliased")
}

func teamIDs(rows []Standing) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.TeamID
	}
	return ids
}
