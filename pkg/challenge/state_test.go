package challenge

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		// Valid transitions
		{"Uninitialized to ScriptLoading", StateUninitialized, StateScriptLoading, false},
		{"Uninitialized to Ready", StateUninitialized, StateReady, false},
		{"ScriptLoading to Ready", StateScriptLoading, StateReady, false},
		{"Ready to Rendered", StateReady, StateRendered, false},
		{"Rendered to Solved", StateRendered, StateSolved, false},
		{"Rendered to Failed", StateRendered, StateFailed, false},
		{"Rendered to Expired", StateRendered, StateExpired, false},
		{"Rendered to Unsupported", StateRendered, StateUnsupported, false},
		{"Failed to Rendered", StateFailed, StateRendered, false},
		{"Failed to Failed", StateFailed, StateFailed, false},
		{"Solved to Expired", StateSolved, StateExpired, false},
		{"Solved to Ready", StateSolved, StateReady, false},
		{"ScriptLoading to Destroyed", StateScriptLoading, StateDestroyed, false},
		{"Expired to Destroyed", StateExpired, StateDestroyed, false},

		// Invalid transitions
		{"Uninitialized to Rendered", StateUninitialized, StateRendered, true},
		{"ScriptLoading to Rendered", StateScriptLoading, StateRendered, true},
		{"Ready to Solved", StateReady, StateSolved, true},
		{"Unsupported to Solved", StateUnsupported, StateSolved, true},
		{"Destroyed to Ready", StateDestroyed, StateReady, true},
		{"Destroyed to Rendered", StateDestroyed, StateRendered, true},
		{"Unknown source", State("bogus"), StateReady, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestEveryStateCanBeDestroyed(t *testing.T) {
	for from := range validTransitions {
		if from == StateDestroyed {
			continue
		}
		if err := ValidateTransition(from, StateDestroyed); err != nil {
			t.Errorf("%s cannot reach destroyed: %v", from, err)
		}
	}
}

func TestIsAttemptOutcome(t *testing.T) {
	tests := []struct {
		state    State
		expected bool
	}{
		{StateSolved, true},
		{StateFailed, true},
		{StateExpired, true},
		{StateUnsupported, true},
		{StateRendered, false},
		{StateReady, false},
		{StateDestroyed, false},
	}
	for _, tt := range tests {
		if got := IsAttemptOutcome(tt.state); got != tt.expected {
			t.Errorf("IsAttemptOutcome(%v) = %v, want %v", tt.state, got, tt.expected)
		}
	}
}
