package provider

import (
	"context"
	"encoding/json"

	"github.com/halim/relay/pkg/history"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema object for the tool's arguments.
	InputSchema json.RawMessage
}

// Request is one model round-trip in provider-neutral form. Items must
// already be in the adapter's native shape.
type Request struct {
	Model  string
	System string
	Items  []history.Item
	Tools  []ToolDef

	MaxTokens   int
	Temperature float64

	// ReasoningEffort is one of "none", "low", "medium", "high", "max".
	// Adapters that do not support it ignore it.
	ReasoningEffort string
}

// ToolCall is a tool invocation the model requested. Args is the raw
// argument JSON exactly as the model produced it; parsing and repair happen
// downstream.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// Usage is token accounting for one round-trip.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// TurnResult is the outcome of one model round-trip.
type TurnResult struct {
	// Items are the assistant output items in the adapter's native shape,
	// ready to append to history.
	Items []history.Item

	ToolCalls  []ToolCall
	Text       string
	StopReason string
	Usage      Usage
}

// StreamEventType tags streaming callback events.
type StreamEventType string

const (
	StreamText             StreamEventType = "text"
	StreamThinking         StreamEventType = "thinking"
	StreamReasoningSummary StreamEventType = "reasoning_summary"
	StreamToolCallStart    StreamEventType = "tool_call_start"
	StreamToolCallDelta    StreamEventType = "tool_call_delta"
	StreamToolCallEnd      StreamEventType = "tool_call_end"
)

// StreamEvent is one streaming callback payload.
type StreamEvent struct {
	Type StreamEventType

	// Text carries the delta for text, thinking, and reasoning summary
	// events.
	Text string

	// Tool call events.
	CallID   string
	ToolName string

	// ArgsDelta is the raw argument JSON fragment for tool_call_delta, and
	// the full argument JSON for tool_call_end.
	ArgsDelta string
}

// Capabilities describes what an adapter supports so callers never switch on
// the provider id.
type Capabilities struct {
	ReasoningEffort bool
	Thinking        bool
	PromptCaching   bool
	Background      bool
}

// Adapter is one backend protocol. StreamTurn performs a single round-trip,
// invoking onEvent for incremental output; onEvent may be nil.
type Adapter interface {
	ID() history.Provider
	Capabilities() Capabilities
	StreamTurn(ctx context.Context, req Request, onEvent func(StreamEvent)) (*TurnResult, error)
}

// thinkingReserveTokens keeps room for the final answer after thinking.
const thinkingReserveTokens = 1024

// minThinkingBudget is the smallest budget the messages protocol accepts.
const minThinkingBudget = 1024

// thinkingBudgetFor maps a reasoning effort level to a thinking token
// budget, clamped strictly below maxTokens minus the reserve. Returns 0
// when thinking should stay off.
func thinkingBudgetFor(effort string, maxTokens int) int64 {
	var budget int64
	switch effort {
	case "low":
		budget = 2048
	case "medium":
		budget = 8192
	case "high":
		budget = 16384
	case "max":
		budget = 32768
	default:
		return 0
	}
	ceiling := int64(maxTokens-thinkingReserveTokens) - 1
	if budget > ceiling {
		budget = ceiling
	}
	if budget < minThinkingBudget {
		return 0
	}
	return budget
}
