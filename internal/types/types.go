package types

import (
	"encoding/json"
	"time"
)

// TournamentID is the opaque identifier of a tournament in the store.
type TournamentID string

// DeviceID identifies a scorekeeper device. It is generated once per device.
type DeviceID string

// Stage is the tournament phase a match belongs to.
type Stage string

const (
	StageGroup        Stage = "group"
	StageQuarterfinal Stage = "quarterfinal"
	StageSemifinal    Stage = "semifinal"
	StageThirdPlace   Stage = "thirdplace"
	StageFinal        Stage = "final"
)

// Stages lists every stage in tournament order.
var Stages = []Stage{StageGroup, StageQuarterfinal, StageSemifinal, StageThirdPlace, StageFinal}

var stageLabels = map[Stage]string{
	StageGroup:        "Grupa",
	StageQuarterfinal: "Ćwierćfinał",
	StageSemifinal:    "Półfinał",
	StageThirdPlace:   "Mecz o 3 miejsce",
	StageFinal:        "Finał",
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageLabels[s]
	return ok
}

// Label returns the display label of the stage, or the raw key when unknown.
func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}

// Status is the lifecycle state of a match.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLive      Status = "live"
	StatusFinished  Status = "finished"
	StatusConfirmed Status = "confirmed"
)

// Side names one of the two teams of a match. The empty Side means "no side".
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// MarshalJSON encodes the empty side as null.
func (s Side) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts null, "A" and "B".
func (s *Side) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Side(raw)
	return nil
}

// Team is a participant. Group is a free label.
type Team struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Group string `json:"group,omitempty" yaml:"group"`
}

// Set holds the raw points of one set.
type Set struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Match is a single fixture. ASets, BSets, Status and Winner are derived by the
// rules package and must not be assigned directly.
type Match struct {
	ID        string     `json:"id"`
	Stage     Stage      `json:"stage"`
	Group     string     `json:"group,omitempty"`
	Team1ID   string     `json:"team1Id"`
	Team2ID   string     `json:"team2Id"`
	Sets      []Set      `json:"sets"`
	ASets     int        `json:"aSets"`
	BSets     int        `json:"bSets"`
	Status    Status     `json:"status"`
	Winner    Side       `json:"winner"`
	Confirmed bool       `json:"confirmed"`
	ClaimedBy DeviceID   `json:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Clone returns a deep copy of the match.
func (m Match) Clone() Match {
	out := m
	if m.Sets != nil {
		out.Sets = append([]Set(nil), m.Sets...)
	}
	if m.ClaimedAt != nil {
		at := *m.ClaimedAt
		out.ClaimedAt = &at
	}
	return out
}

// Meta carries document level metadata.
type Meta struct {
	CreatedAt time.Time `json:"createdAt"`
}

// TournamentDocument is the single shared state of a tournament.
type TournamentDocument struct {
	Meta           Meta                       `json:"meta"`
	Teams          []Team                     `json:"teams"`
	Matches        []Match                    `json:"matches"`
	ProgramMatchID string                     `json:"programMatchId,omitempty"`
	Courts         map[string]json.RawMessage `json:"courts"`
}

// Clone returns a deep copy of the document.
func (d TournamentDocument) Clone() TournamentDocument {
	out := d
	if d.Teams != nil {
		out.Teams = append([]Team(nil), d.Teams...)
	}
	if d.Matches != nil {
		out.Matches = make([]Match, len(d.Matches))
		for i, m := range d.Matches {
			out.Matches[i] = m.Clone()
		}
	}
	if d.Courts != nil {
		out.Courts = make(map[string]json.RawMessage, len(d.Courts))
		for k, v := range d.Courts {
			out.Courts[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// VersionedDocument is the unit of compare-and-set.
type VersionedDocument struct {
	State   TournamentDocument `json:"state"`
	Version int64              `json:"version"`
}

// Clone returns a deep copy.
func (v VersionedDocument) Clone() VersionedDocument {
	return VersionedDocument{State: v.State.Clone(), Version: v.Version}
}
