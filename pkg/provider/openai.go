package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog/log"

	"github.com/halim/relay/pkg/history"
)

// ResponsesAdapter speaks the turn/array protocol: flat input items with
// function_call and function_call_output entries.
type ResponsesAdapter struct {
	client     openai.Client
	background bool
	pollEvery  time.Duration
}

// ResponsesOption configures a ResponsesAdapter.
type ResponsesOption func(*ResponsesAdapter)

// WithBackground enables background-mode requests with polling.
func WithBackground() ResponsesOption {
	return func(a *ResponsesAdapter) { a.background = true }
}

// NewResponsesAdapter creates the openai-backed adapter.
func NewResponsesAdapter(apiKey, baseURL string, opts ...ResponsesOption) *ResponsesAdapter {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	a := &ResponsesAdapter{
		client:    openai.NewClient(clientOpts...),
		pollEvery: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ResponsesAdapter) ID() history.Provider { return history.ProviderResponses }

func (a *ResponsesAdapter) Capabilities() Capabilities {
	return Capabilities{
		ReasoningEffort: true,
		Background:      true,
	}
}

func (a *ResponsesAdapter) buildParams(req Request) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: buildResponsesInput(req.Items)},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.ReasoningEffort != "" && req.ReasoningEffort != "none" {
		effort := req.ReasoningEffort
		// the responses protocol tops out at "high"
		if effort == "max" {
			effort = "high"
		}
		params.Reasoning = shared.ReasoningParam{
			Effort:  shared.ReasoningEffort(effort),
			Summary: shared.ReasoningSummaryAuto,
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			schema := map[string]any{}
			if len(def.InputSchema) > 0 {
				_ = json.Unmarshal(def.InputSchema, &schema)
			}
			tools = append(tools, responses.ToolParamOfFunction(def.Name, schema, false))
		}
		params.Tools = tools
	}
	return params
}

// StreamTurn performs one round-trip. In background mode the request is
// submitted and polled instead of streamed.
func (a *ResponsesAdapter) StreamTurn(ctx context.Context, req Request, onEvent func(StreamEvent)) (*TurnResult, error) {
	params := a.buildParams(req)
	if a.background {
		return a.pollTurn(ctx, params, onEvent)
	}

	stream := a.client.Responses.NewStreaming(ctx, params)

	// item id -> identity for argument delta events
	type callInfo struct {
		callID string
		name   string
	}
	calls := map[string]callInfo{}

	emit := func(ev StreamEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	var completed responses.Response
	gotCompleted := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "response.output_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				emit(StreamEvent{Type: StreamText, Text: delta})
			}

		case "response.reasoning_summary_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				emit(StreamEvent{Type: StreamReasoningSummary, Text: delta})
			}

		case "response.output_item.added":
			item := event.Item
			if item.Type != "function_call" {
				continue
			}
			info := callInfo{callID: item.CallID, name: item.Name}
			if info.callID == "" {
				info.callID = item.ID
			}
			calls[item.ID] = info
			emit(StreamEvent{Type: StreamToolCallStart, CallID: info.callID, ToolName: info.name})

		case "response.function_call_arguments.delta":
			info, ok := calls[event.ItemID]
			if !ok {
				continue
			}
			if delta := event.Delta.OfString; delta != "" {
				emit(StreamEvent{Type: StreamToolCallDelta, CallID: info.callID, ToolName: info.name, ArgsDelta: delta})
			}

		case "response.output_item.done":
			item := event.Item
			if item.Type != "function_call" {
				continue
			}
			info, ok := calls[item.ID]
			if !ok {
				info = callInfo{callID: item.CallID, name: item.Name}
			}
			emit(StreamEvent{Type: StreamToolCallEnd, CallID: info.callID, ToolName: info.name, ArgsDelta: item.Arguments})

		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapOpenAIError(err)
	}
	if !gotCompleted {
		return nil, fmt.Errorf("response stream ended without completion")
	}
	return parseResponsesOutput(completed), nil
}

// pollTurn submits a background request and polls until it reaches a
// terminal status. A 404 while polling means the response expired
// server-side; it is treated as completed with whatever output the last
// snapshot carried, since the work itself finished.
func (a *ResponsesAdapter) pollTurn(ctx context.Context, params responses.ResponseNewParams, onEvent func(StreamEvent)) (*TurnResult, error) {
	params.Background = openai.Bool(true)

	resp, err := a.client.Responses.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	ticker := time.NewTicker(a.pollEvery)
	defer ticker.Stop()

	for resp.Status == "queued" || resp.Status == "in_progress" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		next, err := a.client.Responses.Get(ctx, resp.ID, responses.ResponseGetParams{})
		if err != nil {
			err = wrapOpenAIError(err)
			if IsNotFound(err) {
				log.Warn().
					Str("response_id", resp.ID).
					Msg("Background response expired while polling, treating as completed")
				break
			}
			return nil, err
		}
		resp = next
	}

	switch resp.Status {
	case "failed":
		return nil, fmt.Errorf("background response failed: %s", resp.Error.Message)
	case "cancelled":
		return nil, fmt.Errorf("background response cancelled")
	}

	result := parseResponsesOutput(*resp)
	if onEvent != nil && result.Text != "" {
		onEvent(StreamEvent{Type: StreamText, Text: result.Text})
	}
	return result, nil
}

// buildResponsesInput converts history items to the wire input list.
// Reasoning items are server-side state and are not replayed.
func buildResponsesInput(items []history.Item) responses.ResponseInputParam {
	input := make(responses.ResponseInputParam, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case history.ItemUserMessage:
			if len(it.Blocks) > 0 {
				input = append(input, responses.ResponseInputItemParamOfMessage(
					buildResponsesContent(it), responses.EasyInputMessageRoleUser))
				continue
			}
			input = append(input, responses.ResponseInputItemParamOfMessage(
				it.Text, responses.EasyInputMessageRoleUser))

		case history.ItemAssistantMessage:
			input = append(input, responses.ResponseInputItemParamOfMessage(
				it.Text, responses.EasyInputMessageRoleAssistant))

		case history.ItemFunctionCall:
			args := it.Args
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			input = append(input, responses.ResponseInputItemParamOfFunctionCall(args, it.CallID, it.Name))

		case history.ItemFunctionOutput:
			input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(it.CallID, it.Output))
		}
	}
	return input
}

func buildResponsesContent(it history.Item) responses.ResponseInputMessageContentListParam {
	content := make(responses.ResponseInputMessageContentListParam, 0, len(it.Blocks)+1)
	if it.Text != "" {
		content = append(content, responses.ResponseInputContentUnionParam{
			OfInputText: &responses.ResponseInputTextParam{Text: it.Text},
		})
	}
	for _, b := range it.Blocks {
		switch b.Type {
		case history.BlockText:
			content = append(content, responses.ResponseInputContentUnionParam{
				OfInputText: &responses.ResponseInputTextParam{Text: b.Text},
			})
		case history.BlockImage:
			uri := fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data)
			content = append(content, responses.ResponseInputContentUnionParam{
				OfInputImage: &responses.ResponseInputImageParam{
					Detail:   responses.ResponseInputImageDetailAuto,
					ImageURL: openai.String(uri),
				},
			})
		}
	}
	return content
}

func parseResponsesOutput(resp responses.Response) *TurnResult {
	result := &TurnResult{
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	switch resp.Status {
	case "completed":
		result.StopReason = "stop"
	case "incomplete":
		result.StopReason = "length"
	default:
		result.StopReason = string(resp.Status)
	}

	var texts []string
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			msg := item.AsMessage()
			var sb strings.Builder
			for _, part := range msg.Content {
				if part.Type == "output_text" {
					sb.WriteString(part.Text)
				}
			}
			text := sb.String()
			texts = append(texts, text)
			result.Items = append(result.Items, history.Item{
				Type:       history.ItemAssistantMessage,
				Role:       "assistant",
				Text:       text,
				ProviderID: item.ID,
			})

		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			result.Items = append(result.Items, history.Item{
				Type:       history.ItemFunctionCall,
				CallID:     callID,
				Name:       item.Name,
				Args:       item.Arguments,
				ProviderID: item.ID,
			})
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:   callID,
				Name: item.Name,
				Args: item.Arguments,
			})

		case "reasoning":
			var sb strings.Builder
			for _, part := range item.Summary {
				sb.WriteString(part.Text)
			}
			result.Items = append(result.Items, history.Item{
				Type:       history.ItemReasoning,
				Summary:    sb.String(),
				ProviderID: item.ID,
			})
		}
	}
	result.Text = strings.Join(texts, "\n")
	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	}
	return result
}
