package types

// CASRequest is a version-guarded write of a full tournament document.
type CASRequest struct {
	State           TournamentDocument `json:"state"`
	ExpectedVersion int64              `json:"expectedVersion"`
	Secret          string             `json:"-"`
	Device          DeviceID           `json:"deviceId,omitempty"`
}

// CASStatus is the outcome of a compare-and-set.
type CASStatus int

const (
	CASAccepted CASStatus = iota
	CASConflict
	CASUnauthorized
)

func (s CASStatus) String() string {
	switch s {
	case CASAccepted:
		return "accepted"
	case CASConflict:
		return "conflict"
	case CASUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// CASResult reports what the store did with a CASRequest. On CASAccepted,
// Current holds the written state and its new version. On CASConflict it holds
// the authoritative stored state. It is empty on CASUnauthorized.
type CASResult struct {
	Status  CASStatus
	Current VersionedDocument
}

// Event is delivered on the push channel after every committed write.
type Event struct {
	Tournament TournamentID       `json:"tournamentId"`
	Version    int64              `json:"version"`
	State      TournamentDocument `json:"state"`
	Device     DeviceID           `json:"deviceId,omitempty"`
}
