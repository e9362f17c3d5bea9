package cli

import (
	"fmt"
	"strings"

	"github.com/example/volley-sync/internal/types"
)

// findMatch resolves a full match id or an unambiguous id prefix.
func findMatch(doc types.TournamentDocument, ref string) (types.Match, error) {
	var found []types.Match
	for _, m := range doc.Matches {
		if m.ID == ref {
			return m.Clone(), nil
		}
		if strings.HasPrefix(m.ID, ref) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return types.Match{}, NewExitError(ExitCommandError, fmt.Sprintf("no match %q", ref))
	case 1:
		return found[0].Clone(), nil
	}
	return types.Match{}, NewExitError(ExitCommandError, fmt.Sprintf("match %q is ambiguous (%d matches)", ref, len(found)))
}

// findTeam resolves a team id, a case-insensitive name or an unambiguous id
// prefix.
func findTeam(doc types.TournamentDocument, ref string) (types.Team, error) {
	var byName, byPrefix []types.Team
	for _, t := range doc.Teams {
		if t.ID == ref {
			return t, nil
		}
		if strings.EqualFold(t.Name, ref) {
			byName = append(byName, t)
		}
		if strings.HasPrefix(t.ID, ref) {
			byPrefix = append(byPrefix, t)
		}
	}
	if len(byName) == 1 {
		return byName[0], nil
	}
	if len(byName) == 0 && len(byPrefix) == 1 {
		return byPrefix[0], nil
	}
	if len(byName)+len(byPrefix) == 0 {
		return types.Team{}, NewExitError(ExitCommandError, fmt.Sprintf("no team %q", ref))
	}
	return types.Team{}, NewExitError(ExitCommandError, fmt.Sprintf("team %q is ambiguous", ref))
}

func parseSide(raw string) (types.Side, error) {
	switch strings.ToUpper(raw) {
	case "A", "1":
		return types.SideA, nil
	case "B", "2":
		return types.SideB, nil
	}
	return "", NewExitError(ExitCommandError, fmt.Sprintf("side must be A or B, got %q", raw))
}

func parseStage(raw string) (types.Stage, error) {
	stage := types.Stage(strings.ToLower(raw))
	if !stage.Valid() {
		return "", NewExitError(ExitCommandError, fmt.Sprintf("unknown stage %q: must be one of %v", raw, types.Stages))
	}
	return stage, nil
}
