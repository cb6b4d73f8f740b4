package workflows

// StateMachine enforces record status transitions
type StateMachine struct {
	allowedTransitions map[string][]string
}

// NewStateMachine creates the verification state machine for MRV records.
// UnderReview may be re-entered so reviewers can append notes.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[string][]string{
			"Pending":     {"Verified", "Rejected", "UnderReview"},
			"UnderReview": {"Verified", "Rejected", "UnderReview"},
			"Verified":    {},
			"Rejected":    {},
		},
	}
}

// CanTransition checks if a status transition is allowed
func (sm *StateMachine) CanTransition(from, to string) bool {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// GetAllowedTransitions returns the allowed next statuses for a given status
func (sm *StateMachine) GetAllowedTransitions(from string) []string {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []string{}
	}
	return allowed
}

// IsKnown reports whether status is a state of the machine.
func (sm *StateMachine) IsKnown(status string) bool {
	_, exists := sm.allowedTransitions[status]
	return exists
}

// IsTerminal reports whether no transition leaves status.
func (sm *StateMachine) IsTerminal(status string) bool {
	allowed, exists := sm.allowedTransitions[status]
	return exists && len(allowed) == 0
}

// IsTarget reports whether status can be reached from any state.
func (sm *StateMachine) IsTarget(status string) bool {
	for _, allowed := range sm.allowedTransitions {
		for _, to := range allowed {
			if to == status {
				return true
			}
		}
	}
	return false
}
