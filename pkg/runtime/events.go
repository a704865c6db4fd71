package runtime

import (
	"time"

	"github.com/halim/relay/pkg/provider"
)

// Channel names an event stream. The set is closed; payload types are
// enforced per channel through the Payload sum-type.
type Channel string

const (
	ChannelStreamChunk      Channel = "stream-chunk"
	ChannelStreamError      Channel = "stream-error"
	ChannelStreamDone       Channel = "stream-done"
	ChannelToolStart        Channel = "tool-start"
	ChannelToolArgs         Channel = "tool-args"
	ChannelToolExec         Channel = "tool-exec"
	ChannelToolResult       Channel = "tool-result"
	ChannelReasoningSummary Channel = "reasoning-summary"
	ChannelMonitor          Channel = "monitor"
	ChannelConfirmRequest   Channel = "confirm-request"
	ChannelConfirmResolved  Channel = "confirm-resolved"
)

// Event is one envelope on a session's stream.
type Event struct {
	SessionID string    `json:"sessionId"`
	RunID     string    `json:"runId"`
	Seq       uint64    `json:"seq"`
	Channel   Channel   `json:"channel"`
	Time      time.Time `json:"time"`
	Payload   Payload   `json:"payload"`
}

// Payload is the closed union of event payloads. Each channel carries
// exactly one payload type.
type Payload interface {
	channel() Channel
}

// StreamChunk is incremental assistant or thinking text.
type StreamChunk struct {
	Text     string `json:"text"`
	Thinking bool   `json:"thinking,omitempty"`
}

// StreamError reports a run-fatal error.
type StreamError struct {
	Message string `json:"message"`
}

// StreamDone terminates a run's stream.
type StreamDone struct {
	Status       string `json:"status"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// ToolStart announces a tool call the model began emitting.
type ToolStart struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
}

// ToolArgs is an incremental chunk of tool-call argument JSON.
type ToolArgs struct {
	CallID string `json:"callId"`
	Delta  string `json:"delta"`
}

// ToolExec announces a tool handler starting.
type ToolExec struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
	Args     string `json:"args"`
}

// ToolResult carries one finished tool invocation.
type ToolResult struct {
	CallID    string `json:"callId"`
	ToolName  string `json:"toolName"`
	Output    string `json:"output"`
	IsError   bool   `json:"isError"`
	Repaired  bool   `json:"repaired,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	DurationMs int64 `json:"durationMs"`
}

// ReasoningSummary is provider-produced reasoning summary text.
type ReasoningSummary struct {
	Text string `json:"text"`
}

// Monitor is periodic telemetry: token usage and compaction outcomes.
type Monitor struct {
	Iteration      int   `json:"iteration"`
	InputTokens    int64 `json:"inputTokens"`
	OutputTokens   int64 `json:"outputTokens"`
	EstimatedTokens int  `json:"estimatedTokens"`
	Compacted      bool  `json:"compacted,omitempty"`
	TokensSaved    int   `json:"tokensSaved,omitempty"`
}

// ConfirmRequest asks a human to approve a tool call.
type ConfirmRequest struct {
	ConfirmationID string `json:"confirmationId"`
	CallID         string `json:"callId"`
	ToolName       string `json:"toolName"`
	Args           string `json:"args"`
}

// ConfirmResolved reports the outcome of a confirmation.
type ConfirmResolved struct {
	ConfirmationID string `json:"confirmationId"`
	Approved       bool   `json:"approved"`
	Reason         string `json:"reason,omitempty"`
}

func (StreamChunk) channel() Channel      { return ChannelStreamChunk }
func (StreamError) channel() Channel      { return ChannelStreamError }
func (StreamDone) channel() Channel       { return ChannelStreamDone }
func (ToolStart) channel() Channel        { return ChannelToolStart }
func (ToolArgs) channel() Channel         { return ChannelToolArgs }
func (ToolExec) channel() Channel         { return ChannelToolExec }
func (ToolResult) channel() Channel       { return ChannelToolResult }
func (ReasoningSummary) channel() Channel { return ChannelReasoningSummary }
func (Monitor) channel() Channel          { return ChannelMonitor }
func (ConfirmRequest) channel() Channel   { return ChannelConfirmRequest }
func (ConfirmResolved) channel() Channel  { return ChannelConfirmResolved }

// ChannelOf returns the channel a payload belongs to.
func ChannelOf(p Payload) Channel { return p.channel() }

// replayable channels are buffered for late subscribers. High-frequency
// argument deltas and one-shot confirmation requests are excluded;
// confirmations replay through the pending set instead.
var replayableChannels = map[Channel]bool{
	ChannelStreamChunk:      true,
	ChannelStreamError:      true,
	ChannelStreamDone:       true,
	ChannelToolStart:        true,
	ChannelToolExec:         true,
	ChannelToolResult:       true,
	ChannelReasoningSummary: true,
	ChannelMonitor:          true,
	ChannelConfirmResolved:  true,
}

// Replayable reports whether a channel participates in replay.
func Replayable(c Channel) bool { return replayableChannels[c] }

// StreamEventPayload maps a provider stream event onto the matching event
// payloads. One provider event can map to zero payloads (tool call deltas
// with no printable content).
func StreamEventPayload(ev provider.StreamEvent) Payload {
	switch ev.Type {
	case provider.StreamText:
		return StreamChunk{Text: ev.Text}
	case provider.StreamThinking:
		return StreamChunk{Text: ev.Text, Thinking: true}
	case provider.StreamReasoningSummary:
		return ReasoningSummary{Text: ev.Text}
	case provider.StreamToolCallStart:
		return ToolStart{CallID: ev.CallID, ToolName: ev.ToolName}
	case provider.StreamToolCallDelta:
		return ToolArgs{CallID: ev.CallID, Delta: ev.ArgsDelta}
	default:
		return nil
	}
}
