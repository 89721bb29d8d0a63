package runtime

import "sync"

// Phase is the lifecycle state of the gateway process.
type Phase string

// Gateway phases.
const (
	PhaseInitializing Phase = "Initializing"
	PhaseStarting     Phase = "Starting"
	PhaseRunning      Phase = "Running"
	PhaseStopping     Phase = "Stopping"
	PhaseStopped      Phase = "Stopped"
	PhaseError        Phase = "Error"
)

var allowedTransitions = map[Phase][]Phase{
	PhaseInitializing: {PhaseStarting, PhaseStopping, PhaseError},
	PhaseStarting:     {PhaseRunning, PhaseStopping, PhaseError},
	PhaseRunning:      {PhaseStopping, PhaseError},
	PhaseStopping:     {PhaseStopped, PhaseError},
	PhaseError:        {PhaseStopping},
}

type phaseMachine struct {
	mu      sync.RWMutex
	current Phase
}

func newPhaseMachine(initial Phase) *phaseMachine {
	return &phaseMachine{current: initial}
}

// Transition moves to next if allowed and reports whether it did.
// Staying in the current phase always succeeds.
func (pm *phaseMachine) Transition(next Phase) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.current == next {
		return true
	}
	for _, p := range allowedTransitions[pm.current] {
		if p == next {
			pm.current = next
			return true
		}
	}
	return false
}

func (pm *phaseMachine) Current() Phase {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.current
}
