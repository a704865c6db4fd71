package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThinkingBudgetFor(t *testing.T) {
	tests := []struct {
		name      string
		effort    string
		maxTokens int
		want      int64
	}{
		{"none disables thinking", "none", 8192, 0},
		{"empty disables thinking", "", 8192, 0},
		{"low", "low", 8192, 2048},
		{"medium", "medium", 16384, 8192},
		{"high", "high", 32000, 16384},
		{"max", "max", 64000, 32768},
		{"clamped strictly below the answer room", "high", 8192, 8192 - thinkingReserveTokens - 1},
		{"max clamps like the rest", "max", 16384, 16384 - thinkingReserveTokens - 1},
		{"too small a window disables thinking", "low", 2000, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, thinkingBudgetFor(tc.effort, tc.maxTokens))
		})
	}
}

func TestCapabilities(t *testing.T) {
	r := NewResponsesAdapter("sk-test", "")
	assert.True(t, r.Capabilities().ReasoningEffort)
	assert.False(t, r.Capabilities().Thinking)

	m := NewMessagesAdapter("sk-ant-test", "")
	assert.True(t, m.Capabilities().Thinking)
	assert.True(t, m.Capabilities().PromptCaching)
	assert.False(t, m.Capabilities().Background)
}
