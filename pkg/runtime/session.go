package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/pkg/compact"
	"github.com/halim/relay/pkg/history"
	"github.com/halim/relay/pkg/provider"
	"github.com/halim/relay/pkg/retry"
	"github.com/halim/relay/pkg/store"
	"github.com/halim/relay/pkg/toolexec"
)

const (
	defaultMaxIterations = 50
	defaultCompactEvery  = 5
)

// LoopConfig tunes one agent run.
type LoopConfig struct {
	// SystemPrompt is the static, cache-friendly prefix; SystemSuffix is
	// the dynamic per-workspace tail. They are concatenated at request
	// time but kept as two strings so the prefix stays byte-identical
	// across runs and keeps hitting the provider's prompt cache.
	SystemPrompt string
	SystemSuffix string

	MaxIterations   int
	MaxTokens       int
	Temperature     float64
	ReasoningEffort string

	// CompactEvery triggers a compaction check every N iterations while
	// tool calls keep the loop going.
	CompactEvery int

	// AutoApprove skips the confirmation gate entirely.
	AutoApprove bool

	// ConfirmTools lists tool names that need human approval; "*" gates
	// every tool.
	ConfirmTools []string

	Retry retry.Options
}

// agentSession drives one run of the request / tool-execute / append loop
// for a single conversation. It holds a working copy of the history and
// writes back through the store.
type agentSession struct {
	sessionID string
	runID     string
	adapter   provider.Adapter
	model     string
	store     store.Store
	tools     *toolexec.Gateway
	compactor *compact.Compactor
	hub       *Hub
	confirms  *confirmBroker
	cfg       LoopConfig

	// gate bounds in-flight provider calls across all sessions; nil means
	// unbounded.
	gate chan struct{}

	items      []history.Item
	usage      provider.Usage
	iterations int

	stopped atomic.Bool

	toolMu      sync.Mutex
	toolCancels map[string]context.CancelFunc
}

// errStopped is the loop's quiet exit when stop() interrupts it.
var errStopped = fmt.Errorf("run stopped")

func (as *agentSession) publish(p Payload) {
	as.hub.Publish(as.sessionID, as.runID, p)
}

// run executes the agent loop until the model stops calling tools, the
// iteration cap is hit, or the run is stopped. The final persistence write
// happens in all exit paths and is retried once.
func (as *agentSession) run(ctx context.Context) error {
	defer as.finalWrite()

	if as.cfg.MaxIterations <= 0 {
		as.cfg.MaxIterations = defaultMaxIterations
	}
	if as.cfg.CompactEvery <= 0 {
		as.cfg.CompactEvery = defaultCompactEvery
	}

	// once before the loop, then every CompactEvery iterations
	as.compactIfNeeded(ctx)

	for i := 0; i < as.cfg.MaxIterations; i++ {
		if as.stopped.Load() {
			return errStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		as.iterations = i + 1

		result, err := as.modelTurn(ctx)
		if err != nil {
			observability.RecordProviderError(string(as.adapter.ID()), errorClass(err))
			return err
		}

		as.usage.InputTokens += result.Usage.InputTokens
		as.usage.OutputTokens += result.Usage.OutputTokens
		observability.RecordRequestTokens(string(as.adapter.ID()),
			int(result.Usage.InputTokens+result.Usage.OutputTokens))

		as.appendItems(ctx, result.Items...)

		if len(result.ToolCalls) == 0 {
			return nil
		}

		for _, call := range result.ToolCalls {
			as.executeCall(ctx, call)
			if as.stopped.Load() {
				return errStopped
			}
		}

		as.publish(Monitor{
			Iteration:       as.iterations,
			InputTokens:     as.usage.InputTokens,
			OutputTokens:    as.usage.OutputTokens,
			EstimatedTokens: history.EstimateTokens(as.items),
		})

		if (i+1)%as.cfg.CompactEvery == 0 {
			as.compactIfNeeded(ctx)
		}
	}
	return fmt.Errorf("run exceeded %d iterations without completing", as.cfg.MaxIterations)
}

// modelTurn issues one provider request through the retry engine, streaming
// events out as they arrive. Ephemeral carrier items ride exactly this one
// request and are dropped afterwards.
func (as *agentSession) modelTurn(ctx context.Context) (*provider.TurnResult, error) {
	req := provider.Request{
		Model:           as.model,
		System:          joinPromptParts(as.cfg.SystemPrompt, as.cfg.SystemSuffix),
		Items:           as.items,
		Tools:           as.tools.Definitions(),
		MaxTokens:       as.cfg.MaxTokens,
		Temperature:     as.cfg.Temperature,
		ReasoningEffort: as.cfg.ReasoningEffort,
	}

	opts := as.cfg.Retry
	opts.Label = string(as.adapter.ID())

	result, err := retry.Do(ctx, opts, func(c context.Context) (*provider.TurnResult, error) {
		if as.gate != nil {
			select {
			case as.gate <- struct{}{}:
				defer func() { <-as.gate }()
			case <-c.Done():
				return nil, c.Err()
			}
		}
		return as.adapter.StreamTurn(c, req, as.onStream)
	})

	// carriers were sent once, drop them regardless of outcome
	as.items = history.Persistable(as.items)
	return result, err
}

func (as *agentSession) onStream(ev provider.StreamEvent) {
	if p := StreamEventPayload(ev); p != nil {
		as.publish(p)
	}
}

// executeCall runs one tool call end to end: confirmation gate, execution,
// event emission, and exactly one result item keyed to the call id, whatever
// happens.
func (as *agentSession) executeCall(ctx context.Context, call provider.ToolCall) {
	if as.needsConfirmation(call.Name) {
		pc := as.confirms.Request(as.sessionID, as.runID, call.ID, call.Name, call.Args)
		as.publish(ConfirmRequest{
			ConfirmationID: pc.ID,
			CallID:         call.ID,
			ToolName:       call.Name,
			Args:           call.Args,
		})

		approved := as.confirms.Wait(ctx, pc)
		as.publish(ConfirmResolved{ConfirmationID: pc.ID, Approved: approved})

		if !approved {
			// denial is data, not an error: the model sees the result
			out := "Error: action cancelled by user"
			as.publish(ToolResult{CallID: call.ID, ToolName: call.Name, Output: out, IsError: true})
			as.appendItems(ctx, history.NewToolResult(as.adapter.ID(), call.ID, out, true))
			return
		}
	}

	as.publish(ToolExec{CallID: call.ID, ToolName: call.Name, Args: call.Args})

	execCtx, cancel := context.WithCancel(ctx)
	as.registerToolCancel(call.ID, cancel)
	res := as.tools.Execute(execCtx, call)
	as.unregisterToolCancel(call.ID)
	cancel()

	as.publish(ToolResult{
		CallID:     call.ID,
		ToolName:   call.Name,
		Output:     res.Output,
		IsError:    res.IsError,
		Repaired:   res.Repaired,
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
	})

	items := []history.Item{
		history.NewToolResult(as.adapter.ID(), call.ID, res.Output, res.IsError),
	}
	if res.Image != nil {
		items = append(items,
			history.NewImageCarrier(as.adapter.ID(), res.Image.MediaType, res.Image.Data))
	}
	as.appendItems(ctx, items...)
}

func (as *agentSession) needsConfirmation(toolName string) bool {
	if as.cfg.AutoApprove {
		return false
	}
	for _, name := range as.cfg.ConfirmTools {
		if name == "*" || name == toolName {
			return true
		}
	}
	return as.tools.RequiresConfirmation(toolName)
}

// appendItems grows the working copy and checkpoints to the store.
// Incremental write failures are logged and swallowed; the final write in
// run's defer is the one that gets a retry.
func (as *agentSession) appendItems(ctx context.Context, items ...history.Item) {
	if len(items) == 0 {
		return
	}
	as.items = append(as.items, items...)
	if err := as.store.AppendItems(ctx, as.sessionID, items...); err != nil {
		log.Warn().Err(err).
			Str("session_id", as.sessionID).
			Msg("Checkpoint write failed, continuing")
	}
}

func (as *agentSession) compactIfNeeded(ctx context.Context) {
	if as.compactor == nil || !as.compactor.NeedsCompaction(as.items) {
		return
	}
	compacted, result, err := as.compactor.Compact(ctx, as.items)
	if err != nil || !result.Compacted {
		return
	}
	as.items = compacted
	if err := as.store.SetItems(ctx, as.sessionID, as.items); err != nil {
		log.Warn().Err(err).
			Str("session_id", as.sessionID).
			Msg("Failed to persist compacted history")
	}
	as.publish(Monitor{
		Iteration:       as.iterations,
		InputTokens:     as.usage.InputTokens,
		OutputTokens:    as.usage.OutputTokens,
		EstimatedTokens: result.TokensAfter,
		Compacted:       true,
		TokensSaved:     result.TokensBefore - result.TokensAfter,
	})
}

// finalWrite refreshes the session timestamp when the run ends. Unlike the
// incremental checkpoints it retries once before giving up; the in-memory
// run result stands either way.
func (as *agentSession) finalWrite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := as.store.Touch(ctx, as.sessionID)
	if err != nil {
		err = as.store.Touch(ctx, as.sessionID)
	}
	if err != nil {
		log.Error().Err(err).
			Str("session_id", as.sessionID).
			Msg("Final session write failed after retry")
	}
}

// stop flags the loop, aborts in-flight tool executions, and leaves any
// in-flight provider call to return naturally.
func (as *agentSession) stop() {
	as.stopped.Store(true)
	as.toolMu.Lock()
	for _, cancel := range as.toolCancels {
		cancel()
	}
	as.toolCancels = make(map[string]context.CancelFunc)
	as.toolMu.Unlock()
}

// cancelTool aborts one in-flight tool execution by call id.
func (as *agentSession) cancelTool(callID string) bool {
	as.toolMu.Lock()
	defer as.toolMu.Unlock()
	cancel, ok := as.toolCancels[callID]
	if ok {
		cancel()
		delete(as.toolCancels, callID)
	}
	return ok
}

func (as *agentSession) registerToolCancel(callID string, cancel context.CancelFunc) {
	as.toolMu.Lock()
	as.toolCancels[callID] = cancel
	as.toolMu.Unlock()
}

func (as *agentSession) unregisterToolCancel(callID string) {
	as.toolMu.Lock()
	delete(as.toolCancels, callID)
	as.toolMu.Unlock()
}

func joinPromptParts(prefix, suffix string) string {
	prefix = strings.TrimSpace(prefix)
	suffix = strings.TrimSpace(suffix)
	switch {
	case prefix == "":
		return suffix
	case suffix == "":
		return prefix
	default:
		return prefix + "\n\n" + suffix
	}
}

func errorClass(err error) string {
	if status := retry.StatusCode(err); status > 0 {
		return strconv.Itoa(status)
	}
	return "transport"
}
