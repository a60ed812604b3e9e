package phase

import (
	"fmt"

	"hike-coordinator/internal/models"
)

// GuardResult is the outcome of a transition check.
type GuardResult struct {
	Allowed bool
	Reason  string
}

var legal = map[models.Phase][]models.Phase{
	models.PhaseNone:   {models.PhaseVoting, models.PhaseSignup},
	models.PhaseVoting: {models.PhaseSignup},
	models.PhaseSignup: {models.PhaseWaiver},
	models.PhaseWaiver: {models.PhaseCompleted},
}

// CanTransition checks the transition table only.
func CanTransition(from, to models.Phase) GuardResult {
	for _, next := range legal[from] {
		if next == to {
			return GuardResult{Allowed: true}
		}
	}
	return GuardResult{
		Allowed: false,
		Reason:  fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// CheckTransition combines the table with the hike's own preconditions.
func CheckTransition(h models.Hike, to models.Phase) GuardResult {
	if !h.Active() {
		return GuardResult{Allowed: false, Reason: fmt.Sprintf("hike %d is not active", h.ID)}
	}
	if g := CanTransition(h.Phase, to); !g.Allowed {
		return g
	}
	if h.Phase == models.PhaseNone {
		switch {
		case to == models.PhaseVoting && h.TrailID != nil:
			return GuardResult{Allowed: false, Reason: "voting requires that no trail is chosen yet"}
		case to == models.PhaseSignup && h.TrailID == nil:
			return GuardResult{Allowed: false, Reason: "opening signup directly requires a chosen trail"}
		}
	}
	return GuardResult{Allowed: true}
}

// Next returns the phase that automatically follows h's current phase.
func Next(h models.Hike) (models.Phase, bool) {
	switch h.Phase {
	case models.PhaseNone:
		if h.TrailID != nil {
			return models.PhaseSignup, true
		}
		return models.PhaseVoting, true
	case models.PhaseVoting:
		return models.PhaseSignup, true
	case models.PhaseSignup:
		return models.PhaseWaiver, true
	case models.PhaseWaiver:
		return models.PhaseCompleted, true
	}
	return models.PhaseNone, false
}
