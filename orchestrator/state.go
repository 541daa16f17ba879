package orchestrator

import "fmt"

// State is the phase of the current (or last) build.
type State string

const (
	StateIdle          State = "idle"
	StateOpening       State = "opening"
	StateExtracting    State = "extracting"
	StateRunningStages State = "running_stages"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// IsTerminal reports whether s ends a build.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func allowed(from, to State) bool {
	if from == StateIdle || from.IsTerminal() {
		return to == StateOpening
	}
	switch from {
	case StateOpening:
		return to == StateExtracting || to == StateFailed
	case StateExtracting:
		return to == StateRunningStages || to == StateFailed
	case StateRunningStages:
		return to == StateCompleted || to == StateFailed
	}
	return false
}

// transition moves from the expected state to the next one, rejecting moves
// the build lifecycle does not allow.
func transition(cur *State, from, to State) error {
	if *cur != from {
		return fmt.Errorf("orchestrator: invalid transition: expected %s, got %s", from, *cur)
	}
	if !allowed(from, to) {
		return fmt.Errorf("orchestrator: disallowed transition %s -> %s", from, to)
	}
	*cur = to
	return nil
}
