package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected State
	}{
		{
			name:     "known state",
			input:    "RUNNING",
			expected: StateRunning,
		},
		{
			name:     "terminal state",
			input:    "COMPLETED",
			expected: StateCompleted,
		},
		{
			name:     "unknown sentinel",
			input:    "UNKNOWN",
			expected: StateUnknown,
		},
		{
			name:     "garbage state",
			input:    "WEIRD_STATE",
			expected: StateUnknown,
		},
		{
			name:     "empty state",
			input:    "",
			expected: StateUnknown,
		},
		{
			name:     "lower case is not known",
			input:    "running",
			expected: StateUnknown,
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, NormalizeState(test.input), test.name)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{
		StateCompleted, StateFailed, StateCancelled, StateSuspended,
		StateNodeFail, StateTimeout, StateDeadline,
	} {
		assert.True(t, s.Terminal(), "state %s must be terminal", s)
	}

	for _, s := range []State{StatePending, StateRunning, StateCompleting, StateUnknown} {
		assert.False(t, s.Terminal(), "state %s must not be terminal", s)
	}
}

func TestStateCatalog(t *testing.T) {
	// Every catalogued state carries a code and an explanation.
	for state, info := range SlurmStates {
		assert.NotEmpty(t, info.Code, "state %s", state)
		assert.NotEmpty(t, info.Explanation, "state %s", state)
	}

	// The sentinel is known but deliberately kept out of the catalog.
	assert.True(t, StateUnknown.Known())
	assert.NotContains(t, SlurmStates, StateUnknown)

	// Terminal states are a subset of the catalog.
	for state := range TerminalStates {
		assert.Contains(t, SlurmStates, state)
	}
}
