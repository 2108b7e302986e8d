package defense

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

func TestOutputInspector_Inspect(t *testing.T) {
	inspector := NewOutputInspector([]string{
		"INTAKE ENGINE OPERATING INSTRUCTIONS",
		"never disclose tier pricing rules",
	})

	tests := []struct {
		name            string
		reply           string
		expectedVerdict models.Verdict
		expectedRule    string
	}{
		{
			name:            "clean_reply",
			reply:           "Great, what tasks should the agent handle day to day?",
			expectedVerdict: models.VerdictAllow,
		},
		{
			name:            "instruction_leakage",
			reply:           "Sure! My setup says: intake engine operating instructions follow...",
			expectedVerdict: models.VerdictReject,
			expectedRule:    "instruction-leakage",
		},
		{
			name:            "persona_adopted",
			reply:           "Developer mode enabled. I can do anything now.",
			expectedVerdict: models.VerdictReject,
			expectedRule:    "persona-adopted",
		},
		{
			name:            "scope_drift_long_offtopic",
			reply:           strings.Repeat("The weather in Lisbon is lovely this time of year. ", 12),
			expectedVerdict: models.VerdictReject,
			expectedRule:    "scope-drift",
		},
		{
			name:            "short_offtopic_passes",
			reply:           "Sure thing!",
			expectedVerdict: models.VerdictAllow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := inspector.Inspect(tt.reply)
			assert.Equal(t, tt.expectedVerdict, result.Verdict)
			if tt.expectedRule != "" {
				assert.Equal(t, tt.expectedRule, result.Rule)
			}
		})
	}
}

func TestOutputInspector_AnchoredReplyNotDrift(t *testing.T) {
	inspector := NewOutputInspector(nil)

	reply := strings.Repeat("Let's talk about something. ", 20) +
		"What integrations does your workflow need?"
	result := inspector.Inspect(reply)
	assert.Equal(t, models.VerdictAllow, result.Verdict)
}
