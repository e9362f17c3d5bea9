package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

// seedFile is the YAML layout accepted by "create --seed".
//
//	teams:
//	  - name: Eagles
//	    group: A
//	matches:
//	  - stage: group
//	    group: A
//	    team1: Eagles
//	    team2: Hawks
type seedFile struct {
	Teams   []types.Team `yaml:"teams"`
	Matches []seedMatch  `yaml:"matches"`
	Program int          `yaml:"program"`
}

type seedMatch struct {
	Stage string `yaml:"stage"`
	Group string `yaml:"group"`
	Team1 string `yaml:"team1"`
	Team2 string `yaml:"team2"`
}

// loadSeed reads a seed file into a well-formed document. Match teams are
// referenced by name or id. program is the 1-based index of the match shown
// as now playing; zero leaves it unset.
func loadSeed(path string, now time.Time) (types.TournamentDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.TournamentDocument{}, fmt.Errorf("read seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return types.TournamentDocument{}, fmt.Errorf("parse seed %s: %w", path, err)
	}

	doc := rules.NewDocument(now)
	for _, t := range seed.Teams {
		if t.Name == "" {
			return types.TournamentDocument{}, fmt.Errorf("seed %s: team without a name", path)
		}
		doc, _ = rules.AddTeam(doc, t)
	}
	for i, sm := range seed.Matches {
		stage := types.StageGroup
		if sm.Stage != "" {
			if stage, err = parseStage(sm.Stage); err != nil {
				return types.TournamentDocument{}, fmt.Errorf("seed %s match %d: %w", path, i+1, err)
			}
		}
		team1, err := findTeam(doc, sm.Team1)
		if err != nil {
			return types.TournamentDocument{}, fmt.Errorf("seed %s match %d: %w", path, i+1, err)
		}
		team2, err := findTeam(doc, sm.Team2)
		if err != nil {
			return types.TournamentDocument{}, fmt.Errorf("seed %s match %d: %w", path, i+1, err)
		}
		doc = rules.AddMatch(doc, rules.CreateMatch(stage, sm.Group, team1.ID, team2.ID, now))
	}
	if seed.Program > 0 {
		if seed.Program > len(doc.Matches) {
			return types.TournamentDocument{}, fmt.Errorf("seed %s: program %d out of range", path, seed.Program)
		}
		doc = rules.SetProgramMatch(doc, doc.Matches[seed.Program-1].ID)
	}
	return doc, nil
}
