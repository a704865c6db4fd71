package history

import "encoding/json"

// Provider identifies which backend wire shape a session's history uses.
// Once a session contains any item its provider is locked.
type Provider string

const (
	// ProviderResponses is the turn/array protocol: flat items with
	// function_call and function_call_output entries.
	ProviderResponses Provider = "openai"

	// ProviderMessages is the message/content-block protocol: role-tagged
	// messages whose content is a list of typed blocks.
	ProviderMessages Provider = "anthropic"
)

// ItemType tags the variants of a conversation item.
type ItemType string

const (
	// Responses-shaped items.
	ItemUserMessage      ItemType = "user_message"
	ItemAssistantMessage ItemType = "assistant_message"
	ItemFunctionCall     ItemType = "function_call"
	ItemFunctionOutput   ItemType = "function_call_output"
	ItemReasoning        ItemType = "reasoning"

	// Messages-shaped items. A message carries role + content blocks; tool
	// results ride inside user-role messages as tool_result blocks.
	ItemMessage ItemType = "message"
)

// BlockType tags the content block variants of a messages-shaped item.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block of a messages-shaped item.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImage: base64 payload plus media type.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// BlockThinking: opaque signature must round-trip untouched.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult: content is itself a block list (text and/or image).
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   []Block `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`
}

// Item is one provider-shaped unit of conversation history. It is a tagged
// union: which fields are meaningful depends on Type.
type Item struct {
	Type ItemType `json:"type"`

	// Message items.
	Role   string  `json:"role,omitempty"`
	Text   string  `json:"text,omitempty"`
	Blocks []Block `json:"blocks,omitempty"`

	// Function call / output items (responses shape).
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Args   string `json:"args,omitempty"`
	Output string `json:"output,omitempty"`

	// Reasoning items.
	Summary string `json:"summary,omitempty"`

	// Opaque provider-side identifier, round-tripped when present.
	ProviderID string `json:"provider_id,omitempty"`

	// Ephemeral items are included in exactly one outgoing request and then
	// discarded; they are never persisted or resent.
	Ephemeral bool `json:"-"`
}

// NewUserText builds a user message in the given provider's native shape.
func NewUserText(p Provider, text string) Item {
	if p == ProviderMessages {
		return Item{
			Type:   ItemMessage,
			Role:   "user",
			Blocks: []Block{{Type: BlockText, Text: text}},
		}
	}
	return Item{Type: ItemUserMessage, Role: "user", Text: text}
}

// NewAssistantText builds an assistant message in the given provider's shape.
func NewAssistantText(p Provider, text string) Item {
	if p == ProviderMessages {
		return Item{
			Type:   ItemMessage,
			Role:   "assistant",
			Blocks: []Block{{Type: BlockText, Text: text}},
		}
	}
	return Item{Type: ItemAssistantMessage, Role: "assistant", Text: text}
}

// NewToolResult builds the result item answering a tool call, in the given
// provider's shape. Exactly one result must exist per call id.
func NewToolResult(p Provider, callID, output string, isError bool) Item {
	if p == ProviderMessages {
		return Item{
			Type: ItemMessage,
			Role: "user",
			Blocks: []Block{{
				Type:      BlockToolResult,
				ToolUseID: callID,
				Content:   []Block{{Type: BlockText, Text: output}},
				IsError:   isError,
			}},
		}
	}
	return Item{Type: ItemFunctionOutput, CallID: callID, Output: output}
}

// NewImageCarrier builds the ephemeral user message that ferries a tool's
// image into the next request. It is sent once and never persisted.
func NewImageCarrier(p Provider, mediaType, data string) Item {
	it := Item{
		Type: ItemMessage,
		Role: "user",
		Blocks: []Block{
			{Type: BlockText, Text: "Image produced by the last tool call:"},
			{Type: BlockImage, MediaType: mediaType, Data: data},
		},
		Ephemeral: true,
	}
	if p == ProviderResponses {
		it.Type = ItemUserMessage
	}
	return it
}

// IsUserMessage reports whether the item is a genuine user turn: a user
// message carrying at least one non-tool_result block (or any text in the
// responses shape). Tool results delivered inside user-role messages do not
// count; they belong to the turn of the call that produced them.
func (it Item) IsUserMessage() bool {
	switch it.Type {
	case ItemUserMessage:
		return true
	case ItemMessage:
		if it.Role != "user" {
			return false
		}
		for _, b := range it.Blocks {
			if b.Type != BlockToolResult {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsToolCall reports whether the item requests a tool invocation.
func (it Item) IsToolCall() bool {
	if it.Type == ItemFunctionCall {
		return true
	}
	if it.Type == ItemMessage && it.Role == "assistant" {
		for _, b := range it.Blocks {
			if b.Type == BlockToolUse {
				return true
			}
		}
	}
	return false
}

// PlainText returns the best-effort text content of the item, used by the
// compactor's fallback summarizer and by log output.
func (it Item) PlainText() string {
	if it.Text != "" {
		return it.Text
	}
	var out string
	for _, b := range it.Blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Persistable filters out ephemeral items. The returned slice shares backing
// items with the input.
func Persistable(items []Item) []Item {
	kept := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Ephemeral {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// UnansweredCalls returns the ids of tool calls that have no matching result
// item later in the slice. A well-formed history returns an empty slice
// before every model request.
func UnansweredCalls(items []Item) []string {
	answered := make(map[string]bool)
	var order []string
	for _, it := range items {
		switch it.Type {
		case ItemFunctionCall:
			if !answered[it.CallID] {
				order = append(order, it.CallID)
			}
		case ItemFunctionOutput:
			answered[it.CallID] = true
		case ItemMessage:
			for _, b := range it.Blocks {
				switch b.Type {
				case BlockToolUse:
					if !answered[b.ID] {
						order = append(order, b.ID)
					}
				case BlockToolResult:
					answered[b.ToolUseID] = true
				}
			}
		}
	}
	var open []string
	for _, id := range order {
		if !answered[id] {
			open = append(open, id)
		}
	}
	return open
}
