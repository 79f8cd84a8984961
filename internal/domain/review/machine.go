package review

import (
	"github.com/trialguard/trialguard/pkg/apperr"
)

var transitions = map[State][]State{
	StateCollecting:    {StateReady},
	StateReady:         {StatePendingReview},
	StatePendingReview: {StateFlagged, StateApproved, StateRejected},
	StateFlagged:       {StateApproved, StateRejected},
	StateApproved:      nil,
	StateRejected:      nil,
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindInvalidTransition, "cannot move from %s to %s", from, to)
	}
	return nil
}

func requireState(s *Submission, allowed ...State) error {
	for _, a := range allowed {
		if s.State == a {
			return nil
		}
	}
	return apperr.New(apperr.KindInvalidTransition, "submission %s is %s", s.ID, s.State)
}

func requireRole(a Actor, allowed ...string) error {
	if a.ID == "" {
		return apperr.New(apperr.KindUnauthorized, "missing actor identity")
	}
	for _, r := range allowed {
		if a.Role == r {
			return nil
		}
	}
	return apperr.New(apperr.KindUnauthorized, "role %q may not perform this action", a.Role)
}
