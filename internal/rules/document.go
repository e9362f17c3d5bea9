package rules

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/example/volley-sync/internal/types"
)

// EnsureShape normalizes a possibly partial document loaded from storage. It
// fills missing collections, stamps meta.createdAt when absent, gives every
// match exactly three sets with non-negative scores and re-derives set counts.
// Match status is left alone. Applying it twice gives the same document.
func EnsureShape(doc types.TournamentDocument, now time.Time) types.TournamentDocument {
	out := doc.Clone()
	if out.Meta.CreatedAt.IsZero() {
		out.Meta.CreatedAt = now.UTC()
	}
	if out.Teams == nil {
		out.Teams = []types.Team{}
	}
	if out.Matches == nil {
		out.Matches = []types.Match{}
	}
	if out.Courts == nil {
		out.Courts = map[string]json.RawMessage{}
	}

	for i := range out.Matches {
		m := &out.Matches[i]
		for len(m.Sets) < setsPerMatch {
			m.Sets = append(m.Sets, types.Set{})
		}
		m.Sets = m.Sets[:setsPerMatch]
		for j := range m.Sets {
			m.Sets[j].A = max(0, m.Sets[j].A)
			m.Sets[j].B = max(0, m.Sets[j].B)
		}
		if m.Status == "" {
			m.Status = types.StatusPending
		}
		m.Confirmed = m.Stage == types.StageGroup && m.Status == types.StatusConfirmed
		m.ASets, m.BSets = tally(m.Sets)
	}
	return out
}

// NewDocument returns an empty, well-formed document.
func NewDocument(now time.Time) types.TournamentDocument {
	return EnsureShape(types.TournamentDocument{}, now)
}

// AddTeam appends a team, assigning an id when it has none.
func AddTeam(doc types.TournamentDocument, team types.Team) (types.TournamentDocument, types.Team) {
	out := doc.Clone()
	if team.ID == "" {
		team.ID = uuid.NewString()
	}
	out.Teams = append(out.Teams, team)
	return out, team
}

// AddMatch appends a match.
func AddMatch(doc types.TournamentDocument, m types.Match) types.TournamentDocument {
	out := doc.Clone()
	out.Matches = append(out.Matches, m.Clone())
	return out
}

// FindMatch looks up a match by id.
func FindMatch(doc types.TournamentDocument, id string) (types.Match, bool) {
	for _, m := range doc.Matches {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return types.Match{}, false
}

// FindTeam looks up a team by id.
func FindTeam(doc types.TournamentDocument, id string) (types.Team, bool) {
	for _, t := range doc.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return types.Team{}, false
}

// UpdateMatch replaces the match with the given id by the result of fn. The
// second return value is false when no such match exists.
func UpdateMatch(doc types.TournamentDocument, id string, fn func(types.Match) types.Match) (types.TournamentDocument, bool) {
	for i, m := range doc.Matches {
		if m.ID != id {
			continue
		}
		out := doc.Clone()
		out.Matches[i] = fn(m.Clone())
		return out, true
	}
	return doc, false
}

// ApplyOutcome runs a refusable transition against the match with the given
// id. The document is returned unchanged when the match is missing or the
// transition is refused.
func ApplyOutcome(doc types.TournamentDocument, id string, fn func(types.Match) Outcome) (types.TournamentDocument, Outcome) {
	m, ok := FindMatch(doc, id)
	if !ok {
		return doc, Outcome{Reason: ReasonNoMatch}
	}
	res := fn(m)
	if !res.OK {
		return doc, res
	}
	out, _ := UpdateMatch(doc, id, func(types.Match) types.Match { return res.Match })
	return out, res
}

// SetProgramMatch marks the match shown as "now playing". An empty id clears it.
func SetProgramMatch(doc types.TournamentDocument, matchID string) types.TournamentDocument {
	out := doc.Clone()
	out.ProgramMatchID = matchID
	return out
}

// AssignCourt stores an arbitrary JSON assignment for court.
func AssignCourt(doc types.TournamentDocument, court string, assignment json.RawMessage) types.TournamentDocument {
	out := doc.Clone()
	if out.Courts == nil {
		out.Courts = map[string]json.RawMessage{}
	}
	out.Courts[court] = append(json.RawMessage(nil), assignment...)
	return out
}

// ClearCourt removes the assignment of court.
func ClearCourt(doc types.TournamentDocument, court string) types.TournamentDocument {
	out := doc.Clone()
	delete(out.Courts, court)
	return out
}
