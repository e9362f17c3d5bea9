package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/volley-sync/internal/types"
)

var testNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func matchWithSets(stage types.Stage, status types.Status, sets ...types.Set) types.Match {
	m := CreateMatch(stage, "A", "t1", "t2", testNow)
	copy(m.Sets, sets)
	m.Status = status
	return m
}

func TestCreateMatch(t *testing.T) {
	m := CreateMatch(types.StageGroup, "A", "t1", "t2", testNow)

	require.NotEmpty(t, m.ID)
	assert.Equal(t, types.StatusPending, m.Status)
	assert.Equal(t, types.Side(""), m.Winner)
	assert.False(t, m.Confirmed)
	assert.Empty(t, m.ClaimedBy)
	assert.Nil(t, m.ClaimedAt)
	assert.Equal(t, []types.Set{{}, {}, {}}, m.Sets)
	assert.Equal(t, 0, m.ASets)
	assert.Equal(t, 0, m.BSets)
	assert.Equal(t, "A", m.Group)
	assert.Equal(t, testNow, m.CreatedAt)

	final := CreateMatch(types.StageFinal, "A", "t1", "t2", testNow)
	assert.Empty(t, final.Group, "group label only applies to group stage")
	assert.NotEqual(t, m.ID, final.ID)
}

func TestIsSetFinished(t *testing.T) {
	cases := []struct {
		name string
		set  types.Set
		idx  int
		want bool
	}{
		{"regular 25-23", types.Set{A: 25, B: 23}, 0, true},
		{"regular 24-23", types.Set{A: 24, B: 23}, 0, false},
		{"second set 23-25", types.Set{A: 23, B: 25}, 1, true},
		{"regular deuce 26-25", types.Set{A: 26, B: 25}, 1, false},
		{"regular deuce 30-28", types.Set{A: 30, B: 28}, 0, true},
		{"tiebreak 15-13", types.Set{A: 15, B: 13}, 2, true},
		{"tiebreak 15-14", types.Set{A: 15, B: 14}, 2, false},
		{"tiebreak 13-15", types.Set{A: 13, B: 15}, 2, true},
		{"empty", types.Set{}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSetFinished(tc.set, tc.idx))
		})
	}
}

func TestCurrentSetIndex(t *testing.T) {
	m := matchWithSets(types.StageGroup, types.StatusLive)
	assert.Equal(t, 0, CurrentSetIndex(m))

	m = matchWithSets(types.StageGroup, types.StatusLive, types.Set{A: 25, B: 20}, types.Set{A: 3, B: 5})
	assert.Equal(t, 1, CurrentSetIndex(m))

	m = matchWithSets(types.StageGroup, types.StatusLive, types.Set{A: 25, B: 20}, types.Set{A: 20, B: 25}, types.Set{A: 15, B: 10})
	assert.Equal(t, 2, CurrentSetIndex(m), "all finished clamps to last")

	assert.Equal(t, 0, CurrentSetIndex(types.Match{}))
}

func TestRecomputeMatchSummary(t *testing.T) {
	m := matchWithSets(types.StageGroup, types.StatusLive, types.Set{A: 25, B: 10}, types.Set{A: 25, B: 11})
	got := RecomputeMatchSummary(m)

	assert.Equal(t, types.StatusFinished, got.Status)
	assert.Equal(t, 2, got.ASets)
	assert.Equal(t, 0, got.BSets)
	assert.Equal(t, types.SideA, got.Winner)

	again := RecomputeMatchSummary(got)
	assert.Equal(t, got, again, "recompute is idempotent")

	m = matchWithSets(types.StageGroup, types.StatusPending, types.Set{A: 20, B: 25}, types.Set{A: 25, B: 23}, types.Set{A: 12, B: 15})
	got = RecomputeMatchSummary(m)
	assert.Equal(t, types.SideB, got.Winner)
	assert.Equal(t, 1, got.ASets)
	assert.Equal(t, 2, got.BSets)
}

func TestRecomputeMatchSummaryKeepsClosedStatus(t *testing.T) {
	finished := matchWithSets(types.StageGroup, types.StatusFinished, types.Set{A: 25, B: 10}, types.Set{A: 25, B: 11})
	finished = RecomputeMatchSummary(finished)

	edited := finished.Clone()
	edited.Sets[1] = types.Set{A: 20, B: 11}
	got := RecomputeMatchSummary(edited)
	assert.Equal(t, types.StatusFinished, got.Status, "finished is sticky")
	assert.Equal(t, 1, got.ASets)

	confirmed := ConfirmMatch(finished).Match
	got = RecomputeMatchSummary(confirmed)
	assert.Equal(t, types.StatusConfirmed, got.Status)
	assert.True(t, got.Confirmed)
}

func TestRecomputeMatchSummaryDoesNotMutateInput(t *testing.T) {
	m := matchWithSets(types.StageGroup, types.StatusLive, types.Set{A: 25, B: 10}, types.Set{A: 25, B: 11})
	before := m.Clone()
	_ = RecomputeMatchSummary(m)
	assert.Equal(t, before, m)
}

func TestApplyPoint(t *testing.T) {
	m := CreateMatch(types.StageGroup, "A", "t1", "t2", testNow)

	m = ApplyPoint(m, types.SideA, 1)
	assert.Equal(t, types.StatusLive, m.Status, "first point starts the match")
	assert.Equal(t, types.Set{A: 1}, m.Sets[0])

	m = ApplyPoint(m, types.SideB, -1)
	assert.Equal(t, types.Set{A: 1, B: 0}, m.Sets[0], "score is floored at zero")

	m = ApplyPoint(m, types.Side("C"), 1)
	assert.Equal(t, types.Set{A: 1}, m.Sets[0], "unknown side is ignored")
}

func TestApplyPointNeverNegative(t *testing.T) {
	m := CreateMatch(types.StageGroup, "A", "t1", "t2", testNow)
	deltas := []int{-1, -1, 1, -1, -1, 1, 1, -1, -1, -1}
	for _, d := range deltas {
		m = ApplyPoint(m, types.SideA, d)
		m = ApplyPoint(m, types.SideB, d)
		for _, set := range m.Sets {
			require.GreaterOrEqual(t, set.A, 0)
			require.GreaterOrEqual(t, set.B, 0)
		}
	}
}

func TestApplyPointFinishesAndBlocks(t *testing.T) {
	m := CreateMatch(types.StageGroup, "A", "t1", "t2", testNow)
	for i := 0; i < 10; i++ {
		m = ApplyPoint(m, types.SideB, 1)
	}
	for i := 0; i < 25; i++ {
		m = ApplyPoint(m, types.SideA, 1)
	}
	assert.Equal(t, 1, m.ASets)
	assert.Equal(t, 1, CurrentSetIndex(m))

	for i := 0; i < 11; i++ {
		m = ApplyPoint(m, types.SideB, 1)
	}
	for i := 0; i < 25; i++ {
		m = ApplyPoint(m, types.SideA, 1)
	}

	require.Equal(t, types.StatusFinished, m.Status)
	assert.Equal(t, []types.Set{{A: 25, B: 10}, {A: 25, B: 11}, {}}, m.Sets)
	assert.Equal(t, types.SideA, m.Winner)

	after := ApplyPoint(m, types.SideB, 1)
	assert.Equal(t, m, after, "no scoring after finish")
	assert.False(t, CanScore(after))
}

func TestApplyPointOnPartialSets(t *testing.T) {
	m := types.Match{ID: "m", Stage: types.StageFinal, Status: types.StatusPending}
	m = ApplyPoint(m, types.SideB, 1)
	require.Len(t, m.Sets, 3)
	assert.Equal(t, 1, m.Sets[0].B)
	assert.Equal(t, types.StatusLive, m.Status)
}
