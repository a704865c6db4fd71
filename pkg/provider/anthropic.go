package provider

import (
	"context"
	"encoding/json"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/halim/relay/pkg/history"
)

// MessagesAdapter speaks the message/content-block protocol: role-tagged
// messages whose content is a list of typed blocks.
type MessagesAdapter struct {
	client anthropic.Client

	// cacheBreaker gates prompt caching. When the backend keeps rejecting
	// cache_control the breaker trips and requests go out uncached.
	cacheBreaker Breaker
}

// MessagesOption configures a MessagesAdapter.
type MessagesOption func(*MessagesAdapter)

// WithCacheBreaker injects the breaker gating prompt caching.
func WithCacheBreaker(b Breaker) MessagesOption {
	return func(a *MessagesAdapter) { a.cacheBreaker = b }
}

// NewMessagesAdapter creates the anthropic-backed adapter.
func NewMessagesAdapter(apiKey, baseURL string, opts ...MessagesOption) *MessagesAdapter {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	a := &MessagesAdapter{
		client:       anthropic.NewClient(clientOpts...),
		cacheBreaker: alwaysAllow{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *MessagesAdapter) ID() history.Provider { return history.ProviderMessages }

func (a *MessagesAdapter) Capabilities() Capabilities {
	return Capabilities{
		Thinking:      true,
		PromptCaching: true,
	}
}

func (a *MessagesAdapter) buildParams(req Request, cached bool) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  buildMessagesInput(req.Items),
	}
	if req.System != "" {
		block := anthropic.TextBlockParam{Text: req.System}
		if cached {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if budget := thinkingBudgetFor(req.ReasoningEffort, maxTokens); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, anthropic.ToolUnionParam{OfTool: buildAnthropicTool(def)})
		}
		params.Tools = tools
	}
	return params
}

// StreamTurn performs one round-trip over the streaming API. When the
// backend rejects the prompt-cache hint the breaker records the failure and
// the request is retried once without it; a validation 4xx fails before any
// stream output, so the retry never duplicates events.
func (a *MessagesAdapter) StreamTurn(ctx context.Context, req Request, onEvent func(StreamEvent)) (*TurnResult, error) {
	cached := a.cacheBreaker.Allow()

	result, err := a.streamOnce(ctx, a.buildParams(req, cached), onEvent)
	if err != nil {
		if cached && isCacheRejection(err) {
			a.cacheBreaker.RecordFailure()
			log.Warn().Err(err).Msg("Backend rejected cache_control, retrying uncached")
			return a.streamOnce(ctx, a.buildParams(req, false), onEvent)
		}
		return nil, err
	}
	if cached {
		a.cacheBreaker.RecordSuccess()
	}
	return result, nil
}

func (a *MessagesAdapter) streamOnce(ctx context.Context, params anthropic.MessageNewParams, onEvent func(StreamEvent)) (*TurnResult, error) {
	emit := func(ev StreamEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}

	// content block index -> call identity for argument deltas
	type callInfo struct {
		id   string
		name string
	}
	calls := map[int64]callInfo{}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type != "tool_use" {
				continue
			}
			info := callInfo{id: variant.ContentBlock.ID, name: variant.ContentBlock.Name}
			calls[variant.Index] = info
			emit(StreamEvent{Type: StreamToolCallStart, CallID: info.id, ToolName: info.name})

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					emit(StreamEvent{Type: StreamText, Text: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					emit(StreamEvent{Type: StreamThinking, Text: delta.Thinking})
				}
			case anthropic.InputJSONDelta:
				info, ok := calls[variant.Index]
				if ok && delta.PartialJSON != "" {
					emit(StreamEvent{Type: StreamToolCallDelta, CallID: info.id, ToolName: info.name, ArgsDelta: delta.PartialJSON})
				}
			}

		case anthropic.ContentBlockStopEvent:
			info, ok := calls[variant.Index]
			if !ok {
				continue
			}
			args := ""
			idx := int(variant.Index)
			if idx >= 0 && idx < len(msg.Content) {
				if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
					args = string(tu.Input)
				}
			}
			emit(StreamEvent{Type: StreamToolCallEnd, CallID: info.id, ToolName: info.name, ArgsDelta: args})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err)
	}
	return parseMessagesOutput(msg), nil
}

func buildAnthropicTool(def ToolDef) *anthropic.ToolParam {
	param := &anthropic.ToolParam{
		Name:        def.Name,
		Description: anthropic.String(def.Description),
	}
	schema := struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}{}
	if len(def.InputSchema) > 0 {
		_ = json.Unmarshal(def.InputSchema, &schema)
	}
	param.InputSchema = anthropic.ToolInputSchemaParam{
		Properties: schema.Properties,
		Required:   schema.Required,
	}
	return param
}

// buildMessagesInput converts history items to wire messages. Thinking
// blocks round-trip with their signatures untouched.
func buildMessagesInput(items []history.Item) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(items))
	for _, it := range items {
		if it.Type != history.ItemMessage {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(it.Blocks))
		for _, b := range it.Blocks {
			switch b.Type {
			case history.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case history.BlockImage:
				blocks = append(blocks, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
			case history.BlockThinking:
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfThinking: &anthropic.ThinkingBlockParam{
						Thinking:  b.Thinking,
						Signature: b.Signature,
					},
				})
			case history.BlockToolUse:
				var input any
				_ = json.Unmarshal(b.Input, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case history.BlockToolResult:
				text, images := splitToolResultContent(b.Content)
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, text, b.IsError))
				for _, img := range images {
					blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if it.Role == "assistant" {
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}
	return messages
}

func splitToolResultContent(content []history.Block) (string, []history.Block) {
	var text string
	var images []history.Block
	for _, b := range content {
		switch b.Type {
		case history.BlockText:
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case history.BlockImage:
			images = append(images, b)
		}
	}
	return text, images
}

func parseMessagesOutput(msg anthropic.Message) *TurnResult {
	result := &TurnResult{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}

	item := history.Item{
		Type:       history.ItemMessage,
		Role:       "assistant",
		ProviderID: msg.ID,
	}
	var text string
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if text != "" {
				text += "\n"
			}
			text += variant.Text
			item.Blocks = append(item.Blocks, history.Block{
				Type: history.BlockText,
				Text: variant.Text,
			})
		case anthropic.ThinkingBlock:
			item.Blocks = append(item.Blocks, history.Block{
				Type:      history.BlockThinking,
				Thinking:  variant.Thinking,
				Signature: variant.Signature,
			})
		case anthropic.ToolUseBlock:
			item.Blocks = append(item.Blocks, history.Block{
				Type:  history.BlockToolUse,
				ID:    variant.ID,
				Name:  variant.Name,
				Input: []byte(variant.Input),
			})
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: string(variant.Input),
			})
		}
	}
	if len(item.Blocks) > 0 {
		result.Items = append(result.Items, item)
	}
	result.Text = text
	return result
}
