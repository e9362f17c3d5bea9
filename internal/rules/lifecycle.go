package rules

import (
	"time"

	"github.com/example/volley-sync/internal/types"
)

// Reason explains why a transition was refused.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotGroup     Reason = "not a group stage match"
	ReasonNotFinished  Reason = "match is not finished"
	ReasonNotConfirmed Reason = "match is not confirmed"
	ReasonClaimed      Reason = "match is claimed by another device"
	ReasonNoDevice     Reason = "device id is required"
	ReasonNoMatch      Reason = "match not found"
)

// Outcome is the result of a transition that may be refused. Refusals are
// expected when devices act on stale state, so they are values rather than
// errors. Match is the unchanged input when OK is false.
type Outcome struct {
	OK     bool
	Reason Reason
	Match  types.Match
}

func refuse(m types.Match, reason Reason) Outcome {
	return Outcome{OK: false, Reason: reason, Match: m}
}

// ConfirmMatch marks a finished group match as confirmed so it counts towards
// the standings.
func ConfirmMatch(m types.Match) Outcome {
	if m.Stage != types.StageGroup {
		return refuse(m, ReasonNotGroup)
	}
	if m.Status != types.StatusFinished {
		return refuse(m, ReasonNotFinished)
	}
	out := m.Clone()
	out.Status = types.StatusConfirmed
	out.Confirmed = true
	return Outcome{OK: true, Match: out}
}

// UnconfirmMatch reverts a confirmed group match to finished.
func UnconfirmMatch(m types.Match) Outcome {
	if m.Stage != types.StageGroup {
		return refuse(m, ReasonNotGroup)
	}
	if m.Status != types.StatusConfirmed {
		return refuse(m, ReasonNotConfirmed)
	}
	out := m.Clone()
	out.Status = types.StatusFinished
	out.Confirmed = false
	return Outcome{OK: true, Match: out}
}

// ClaimMatch takes the advisory scoring lock for device. Claims never expire;
// they are held until released by the same device id.
func ClaimMatch(m types.Match, device types.DeviceID, now time.Time) Outcome {
	if device == "" {
		return refuse(m, ReasonNoDevice)
	}
	if m.ClaimedBy != "" && m.ClaimedBy != device {
		return refuse(m, ReasonClaimed)
	}
	out := m.Clone()
	at := now.UTC()
	out.ClaimedBy = device
	out.ClaimedAt = &at
	if out.Status == types.StatusPending {
		out.Status = types.StatusLive
	}
	return Outcome{OK: true, Match: out}
}

// ReleaseMatch drops the claim held by device. Releasing an unclaimed match
// succeeds.
func ReleaseMatch(m types.Match, device types.DeviceID) Outcome {
	if m.ClaimedBy != "" && m.ClaimedBy != device {
		return refuse(m, ReasonClaimed)
	}
	out := m.Clone()
	out.ClaimedBy = ""
	out.ClaimedAt = nil
	return Outcome{OK: true, Match: out}
}
