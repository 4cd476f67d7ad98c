package challenge

import "fmt"

// State is a controller lifecycle state
type State string

const (
	StateUninitialized State = "uninitialized"  // Options validated, script not requested yet
	StateScriptLoading State = "script_loading" // Waiting for the widget script
	StateReady         State = "ready"          // Widget available, nothing rendered
	StateRendered      State = "rendered"       // Widget mounted, challenge open
	StateSolved        State = "solved"         // Token issued
	StateFailed        State = "failed"         // Widget reported an error
	StateExpired       State = "expired"        // Token or challenge expired
	StateUnsupported   State = "unsupported"    // Browser cannot run the widget
	StateDestroyed     State = "destroyed"      // Torn down for good
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateUninitialized: {
		StateScriptLoading: true, // Script requested
		StateReady:         true, // Widget already on the page
		StateDestroyed:     true,
	},
	StateScriptLoading: {
		StateReady:     true, // Script finished loading
		StateDestroyed: true,
	},
	StateReady: {
		StateRendered:  true, // Render
		StateDestroyed: true,
	},
	StateRendered: {
		StateSolved:      true,
		StateFailed:      true,
		StateExpired:     true,
		StateUnsupported: true,
		StateReady:       true, // Render failed, or theme/language teardown
		StateDestroyed:   true,
	},
	StateSolved: {
		StateRendered:  true, // Reset
		StateExpired:   true, // Issued token expired
		StateFailed:    true,
		StateReady:     true,
		StateDestroyed: true,
	},
	StateFailed: {
		StateRendered:    true, // Reset or automatic retry
		StateFailed:      true, // Another error before the reset landed
		StateSolved:      true,
		StateExpired:     true,
		StateUnsupported: true,
		StateReady:       true,
		StateDestroyed:   true,
	},
	StateExpired: {
		StateRendered:  true,
		StateSolved:    true,
		StateFailed:    true,
		StateReady:     true,
		StateDestroyed: true,
	},
	StateUnsupported: {
		StateRendered:  true,
		StateReady:     true,
		StateDestroyed: true,
	},
	// Terminal
	StateDestroyed: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsAttemptOutcome reports whether s ends the current challenge attempt
func IsAttemptOutcome(s State) bool {
	switch s {
	case StateSolved, StateFailed, StateExpired, StateUnsupported:
		return true
	}
	return false
}

// hasWidget reports whether a widget may be mounted in state s
func hasWidget(s State) bool {
	return s == StateRendered || IsAttemptOutcome(s)
}
