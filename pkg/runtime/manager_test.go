package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/relay/pkg/history"
	"github.com/halim/relay/pkg/provider"
	"github.com/halim/relay/pkg/store"
	"github.com/halim/relay/pkg/toolexec"
)

// scriptedAdapter plays back canned turns and records every request.
type scriptedAdapter struct {
	id    history.Provider
	turns []func(req provider.Request) (*provider.TurnResult, error)

	mu       sync.Mutex
	requests []provider.Request
}

func (a *scriptedAdapter) ID() history.Provider { return a.id }

func (a *scriptedAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{}
}

func (a *scriptedAdapter) StreamTurn(ctx context.Context, req provider.Request, onEvent func(provider.StreamEvent)) (*provider.TurnResult, error) {
	a.mu.Lock()
	i := len(a.requests)
	reqCopy := req
	reqCopy.Items = append([]history.Item(nil), req.Items...)
	a.requests = append(a.requests, reqCopy)
	if i >= len(a.turns) {
		i = len(a.turns) - 1
	}
	turn := a.turns[i]
	a.mu.Unlock()

	if onEvent != nil {
		onEvent(provider.StreamEvent{Type: provider.StreamText, Text: "chunk"})
	}
	return turn(req)
}

func (a *scriptedAdapter) recorded() []provider.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]provider.Request(nil), a.requests...)
}

func textTurn(text string) func(provider.Request) (*provider.TurnResult, error) {
	return func(provider.Request) (*provider.TurnResult, error) {
		return &provider.TurnResult{
			Items:      []history.Item{history.NewAssistantText(history.ProviderResponses, text)},
			Text:       text,
			StopReason: "stop",
			Usage:      provider.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func toolTurn(callID, name, args string) func(provider.Request) (*provider.TurnResult, error) {
	return func(provider.Request) (*provider.TurnResult, error) {
		return &provider.TurnResult{
			Items: []history.Item{
				{Type: history.ItemFunctionCall, CallID: callID, Name: name, Args: args},
			},
			ToolCalls:  []provider.ToolCall{{ID: callID, Name: name, Args: args}},
			StopReason: "tool_use",
			Usage:      provider.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

type testEnv struct {
	manager *Manager
	store   *store.FileStore
	adapter *scriptedAdapter
}

func newTestEnv(t *testing.T, adapter *scriptedAdapter, loop LoopConfig) *testEnv {
	t.Helper()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := toolexec.New(toolexec.Options{})
	require.NoError(t, gw.Register(toolexec.Definition{
		Name:        "echo",
		Description: "echoes back its message",
		InputSchema: []byte(`{"type":"object","properties":{"message":{"type":"string"}}}`),
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			msg, _ := args["message"].(string)
			return "echo: " + msg, nil
		},
	}))

	mgr, err := NewManager(st, gw, map[history.Provider]provider.Adapter{adapter.id: adapter},
		ManagerOptions{
			ResolveProvider: func(string) (history.Provider, error) { return adapter.id, nil },
			ReplayBuffer:    64,
			Loop:            loop,
		})
	require.NoError(t, err)

	return &testEnv{manager: mgr, store: st, adapter: adapter}
}

// collectUntilDone drains events until the terminal stream-done arrives.
func collectUntilDone(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed before stream-done")
			}
			events = append(events, evt)
			if evt.Channel == ChannelStreamDone {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stream-done, got %d events", len(events))
		}
	}
}

func channelsOf(events []Event) []Channel {
	out := make([]Channel, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Channel)
	}
	return out
}

func TestManager_SimpleTextRun(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id:    history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){textTurn("hi there")},
	}, LoopConfig{})

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	runID, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "hello", Title: "greeting",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	events := collectUntilDone(t, ch)
	done := events[len(events)-1].Payload.(StreamDone)
	assert.Equal(t, string(StatusCompleted), done.Status)
	assert.Equal(t, int64(10), done.InputTokens)

	assert.Contains(t, channelsOf(events), ChannelStreamChunk)

	// persisted history: user message then assistant answer
	sess, err := env.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, sess.Items, 2)
	assert.Equal(t, "hello", sess.Items[0].PlainText())
	assert.Equal(t, "hi there", sess.Items[1].Text)
	assert.Equal(t, "greeting", sess.Title)
	assert.Equal(t, string(StatusCompleted), sess.Runtime.LastRunStatus)
}

func TestManager_ToolCallLoop(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			toolTurn("call_1", "echo", `{"message":"ping"}`),
			textTurn("done"),
		},
	}, LoopConfig{})

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "run echo",
	})
	require.NoError(t, err)
	events := collectUntilDone(t, ch)

	channels := channelsOf(events)
	assert.Contains(t, channels, ChannelToolExec)
	assert.Contains(t, channels, ChannelToolResult)

	var toolResult ToolResult
	for _, evt := range events {
		if evt.Channel == ChannelToolResult {
			toolResult = evt.Payload.(ToolResult)
		}
	}
	assert.Equal(t, "call_1", toolResult.CallID)
	assert.Equal(t, "echo: ping", toolResult.Output)
	assert.False(t, toolResult.IsError)

	// exactly one result item per call id, and none dangling
	sess, err := env.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, history.UnansweredCalls(sess.Items))

	outputs := 0
	for _, it := range sess.Items {
		if it.Type == history.ItemFunctionOutput && it.CallID == "call_1" {
			outputs++
		}
	}
	assert.Equal(t, 1, outputs)

	// second provider request carried the tool result back
	reqs := env.adapter.recorded()
	require.Len(t, reqs, 2)
	assert.Empty(t, history.UnansweredCalls(reqs[1].Items))
}

func TestManager_RejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			func(provider.Request) (*provider.TurnResult, error) {
				<-release
				return textTurn("late")(provider.Request{})
			},
		},
	}, LoopConfig{})
	defer close(release)

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "first",
	})
	require.NoError(t, err)

	_, err = env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "second",
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	st := env.manager.GetStatus("s1")
	assert.Equal(t, StatusRunning, st.Status)

	release <- struct{}{}
	collectUntilDone(t, ch)
	assert.Equal(t, StatusCompleted, env.manager.GetStatus("s1").Status)
}

func TestManager_ProviderErrorEndsRun(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			func(provider.Request) (*provider.TurnResult, error) {
				return nil, errors.New("model exploded")
			},
		},
	}, LoopConfig{})

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "boom",
	})
	require.NoError(t, err)

	events := collectUntilDone(t, ch)
	channels := channelsOf(events)
	assert.Contains(t, channels, ChannelStreamError)

	done := events[len(events)-1].Payload.(StreamDone)
	assert.Equal(t, string(StatusError), done.Status)
	assert.Equal(t, StatusError, env.manager.GetStatus("s1").Status)
}

func TestManager_ConfirmationApproved(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			toolTurn("call_1", "echo", `{"message":"ok"}`),
			textTurn("done"),
		},
	}, LoopConfig{ConfirmTools: []string{"echo"}})

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "go",
	})
	require.NoError(t, err)

	// wait for the confirm-request, then approve
	var confirmID string
	deadline := time.After(5 * time.Second)
	var events []Event
	for confirmID == "" {
		select {
		case evt := <-ch:
			events = append(events, evt)
			if evt.Channel == ChannelConfirmRequest {
				confirmID = evt.Payload.(ConfirmRequest).ConfirmationID
			}
		case <-deadline:
			t.Fatal("no confirm-request arrived")
		}
	}

	assert.True(t, env.manager.HandleConfirmationResponse("s1", confirmID, true))
	// repeat answers are no-ops
	assert.False(t, env.manager.HandleConfirmationResponse("s1", confirmID, false))

	events = append(events, collectUntilDone(t, ch)...)
	channels := channelsOf(events)
	assert.Contains(t, channels, ChannelConfirmResolved)
	assert.Contains(t, channels, ChannelToolResult)

	done := events[len(events)-1].Payload.(StreamDone)
	assert.Equal(t, string(StatusCompleted), done.Status)
}

func TestManager_ConfirmationDenied(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			toolTurn("call_1", "echo", `{"message":"no"}`),
			textTurn("understood"),
		},
	}, LoopConfig{ConfirmTools: []string{"*"}})

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "go",
	})
	require.NoError(t, err)

	var confirmID string
	deadline := time.After(5 * time.Second)
	for confirmID == "" {
		select {
		case evt := <-ch:
			if evt.Channel == ChannelConfirmRequest {
				confirmID = evt.Payload.(ConfirmRequest).ConfirmationID
			}
		case <-deadline:
			t.Fatal("no confirm-request arrived")
		}
	}
	env.manager.HandleConfirmationResponse("s1", confirmID, false)
	collectUntilDone(t, ch)

	// denial produced a cancellation-flavored result, not a dangling call
	sess, err := env.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, history.UnansweredCalls(sess.Items))

	found := false
	for _, it := range sess.Items {
		if it.Type == history.ItemFunctionOutput && it.CallID == "call_1" {
			found = true
			assert.Contains(t, it.Output, "cancelled by user")
		}
	}
	assert.True(t, found)
}

func TestManager_StopDeniesPendingConfirmation(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			toolTurn("call_1", "echo", `{"message":"held"}`),
			textTurn("never reached"),
		},
	}, LoopConfig{ConfirmTools: []string{"*"}})

	ch, cancel := env.manager.Attach("s1", 64)
	defer cancel()

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "go",
	})
	require.NoError(t, err)

	// wait until the run blocks on the confirmation
	deadline := time.After(5 * time.Second)
	waiting := false
	for !waiting {
		select {
		case evt := <-ch:
			waiting = evt.Channel == ChannelConfirmRequest
		case <-deadline:
			t.Fatal("no confirm-request arrived")
		}
	}

	require.NoError(t, env.manager.Stop("s1"))
	events := collectUntilDone(t, ch)

	resolved := false
	for _, evt := range events {
		if evt.Channel == ChannelConfirmResolved {
			resolved = true
			assert.False(t, evt.Payload.(ConfirmResolved).Approved)
		}
	}
	assert.True(t, resolved, "stop must deny the pending confirmation")
	assert.Equal(t, StatusError, env.manager.GetStatus("s1").Status)

	// stopping again reports no active run
	assert.Error(t, env.manager.Stop("s1"))
}

func TestManager_ProviderLockAcrossRuns(t *testing.T) {
	openaiAdapter := &scriptedAdapter{
		id:    history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){textTurn("from openai")},
	}
	anthropicAdapter := &scriptedAdapter{
		id:    history.ProviderMessages,
		turns: []func(provider.Request) (*provider.TurnResult, error){textTurn("from anthropic")},
	}

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	gw := toolexec.New(toolexec.Options{})

	mgr, err := NewManager(st, gw, map[history.Provider]provider.Adapter{
		history.ProviderResponses: openaiAdapter,
		history.ProviderMessages:  anthropicAdapter,
	}, ManagerOptions{
		ResolveProvider: func(model string) (history.Provider, error) {
			if model == "claude-sonnet-4-5" {
				return history.ProviderMessages, nil
			}
			return history.ProviderResponses, nil
		},
		ReplayBuffer: 64,
	})
	require.NoError(t, err)

	ch, cancel := mgr.Attach("s1", 64)
	defer cancel()

	_, err = mgr.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "hello",
	})
	require.NoError(t, err)
	collectUntilDone(t, ch)

	// history is non-empty now, switching providers must fail
	_, err = mgr.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "claude-sonnet-4-5", Text: "switch",
	})
	assert.ErrorIs(t, err, store.ErrProviderLocked)

	// and the history is unchanged by the failed attempt
	sess, err := st.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Items, 2)
}

func TestManager_ImageCarrierRidesOneRequest(t *testing.T) {
	adapter := &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			toolTurn("call_1", "shot", `{}`),
			toolTurn("call_2", "shot", `{}`),
			textTurn("done"),
		},
	}

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := toolexec.New(toolexec.Options{})
	require.NoError(t, gw.Register(toolexec.Definition{
		Name: "shot",
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return &toolexec.ImageOutput{
				Data:      []byte("\x89PNG\r\n\x1a\nfake"),
				MediaType: "image/png",
			}, nil
		},
	}))

	mgr, err := NewManager(st, gw, map[history.Provider]provider.Adapter{adapter.id: adapter},
		ManagerOptions{
			ResolveProvider: func(string) (history.Provider, error) { return adapter.id, nil },
			ReplayBuffer:    64,
		})
	require.NoError(t, err)

	ch, cancel := mgr.Attach("s1", 64)
	defer cancel()

	_, err = mgr.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "screenshot please",
	})
	require.NoError(t, err)
	collectUntilDone(t, ch)

	reqs := adapter.recorded()
	require.Len(t, reqs, 3)

	// the second request carries exactly one image, from the first call
	assert.Equal(t, 1, countImageItems(reqs[1].Items))
	// the third request carries only the second call's image
	assert.Equal(t, 1, countImageItems(reqs[2].Items))

	// nothing image-bearing is ever persisted
	sess, err := st.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, countImageItems(sess.Items))
}

func countImageItems(items []history.Item) int {
	count := 0
	for _, it := range items {
		for _, b := range it.Blocks {
			if b.Type == history.BlockImage {
				count++
			}
		}
	}
	return count
}

func TestManager_AttachReplaysPendingConfirmations(t *testing.T) {
	env := newTestEnv(t, &scriptedAdapter{
		id: history.ProviderResponses,
		turns: []func(provider.Request) (*provider.TurnResult, error){
			toolTurn("call_1", "echo", `{"message":"held"}`),
			textTurn("done"),
		},
	}, LoopConfig{ConfirmTools: []string{"*"}})

	first, cancelFirst := env.manager.Attach("s1", 64)

	_, err := env.manager.Run(context.Background(), RunRequest{
		SessionID: "s1", Model: "gpt-5", Text: "go",
	})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	var confirmID string
	for confirmID == "" {
		select {
		case evt := <-first:
			if evt.Channel == ChannelConfirmRequest {
				confirmID = evt.Payload.(ConfirmRequest).ConfirmationID
			}
		case <-deadline:
			t.Fatal("no confirm-request arrived")
		}
	}
	cancelFirst()

	// a late subscriber sees the pending confirmation again
	second, cancelSecond := env.manager.Attach("s1", 64)
	defer cancelSecond()

	found := false
	timeout := time.After(2 * time.Second)
	for !found {
		select {
		case evt := <-second:
			if evt.Channel == ChannelConfirmRequest {
				assert.Equal(t, confirmID, evt.Payload.(ConfirmRequest).ConfirmationID)
				found = true
			}
		case <-timeout:
			t.Fatal("pending confirmation was not replayed")
		}
	}

	env.manager.HandleConfirmationResponse("s1", confirmID, true)
	collectUntilDone(t, second)
}
