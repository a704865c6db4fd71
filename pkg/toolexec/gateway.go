package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/pkg/provider"
)

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage

	Handler Handler

	// RequiresConfirmation gates execution behind an explicit approval.
	RequiresConfirmation bool
}

// Result is the outcome of one tool invocation, shaped for feeding back to
// the model. A failed invocation still produces a Result; the model sees the
// error text and can react to it.
type Result struct {
	CallID string

	// Output is the text payload for the model. Failures use the form
	// "Error: <message>" so the model can distinguish them.
	Output  string
	IsError bool

	// Repaired is set when the raw argument JSON only parsed after repair.
	Repaired bool

	Truncated bool

	// Image is an inline image payload, delivered to the model exactly once
	// and never persisted.
	Image *ImagePayload

	Duration time.Duration
}

// Options tunes the gateway.
type Options struct {
	// OutputLimit truncates tool output beyond this many bytes.
	OutputLimit int

	// Timeout bounds a single execution.
	Timeout time.Duration

	// ImageMaxBytes and ImageMaxEdge cap inline image payloads.
	ImageMaxBytes int
	ImageMaxEdge  int
}

const (
	defaultOutputLimit = 10 * 1024
	defaultTimeout     = 2 * time.Minute
)

// Gateway manages and executes tools.
type Gateway struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	opts    Options
}

// New creates an empty gateway.
func New(opts Options) *Gateway {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Gateway{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		opts:    opts,
	}
}

// Register adds a tool. The schema is compiled once at registration.
func (g *Gateway) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	var schema *gojsonschema.Schema
	if len(def.InputSchema) > 0 {
		var err error
		schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
		if err != nil {
			return fmt.Errorf("invalid input schema for %s: %w", def.Name, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.tools[def.Name] = &def
	g.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name, or nil.
func (g *Gateway) Get(name string) *Definition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tools[name]
}

// Definitions returns provider-facing tool definitions for all registered
// tools.
func (g *Gateway) Definitions() []provider.ToolDef {
	g.mu.RLock()
	defer g.mu.RUnlock()

	defs := make([]provider.ToolDef, 0, len(g.tools))
	for _, def := range g.tools {
		defs = append(defs, provider.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return defs
}

// RequiresConfirmation reports whether a tool needs approval before running.
func (g *Gateway) RequiresConfirmation(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def := g.tools[name]
	return def != nil && def.RequiresConfirmation
}

// Execute runs one tool call. Argument JSON is parsed strictly first, then
// repaired; unparseable arguments short-circuit without executing the tool.
func (g *Gateway) Execute(ctx context.Context, call provider.ToolCall) Result {
	start := time.Now()

	g.mu.RLock()
	def := g.tools[call.Name]
	schema := g.schemas[call.Name]
	g.mu.RUnlock()

	if def == nil {
		return g.fail(call, start, fmt.Sprintf("tool not found: %s", call.Name), false)
	}

	args, repaired, err := ParseArgs(call.Args)
	switch {
	case err != nil:
		observability.RecordArgParse("failed")
		// Deliberately not "Error:" so the model sees a parse problem it
		// can fix by re-emitting arguments.
		return Result{
			CallID:   call.ID,
			Output:   "JSON parse error: " + err.Error(),
			IsError:  true,
			Duration: time.Since(start),
		}
	case repaired:
		observability.RecordArgParse("repaired")
	default:
		observability.RecordArgParse("strict")
	}

	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return g.fail(call, start, fmt.Sprintf("parameter validation failed: %v", err), repaired)
		}
	}

	log.Debug().Str("tool", call.Name).Str("call_id", call.ID).Msg("Executing tool")

	execCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)
	go func() {
		out, err := def.Handler(execCtx, args)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- out
		}
	}()

	select {
	case out := <-resultChan:
		result := g.format(call, out, repaired)
		result.Duration = time.Since(start)
		observability.RecordToolExecution(call.Name, result.Duration, !result.IsError)
		observability.RecordToolAudit(ctx, call.Name, call.ID, "success", nil)
		return result

	case err := <-errChan:
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		observability.RecordToolAudit(ctx, call.Name, call.ID, "failure", nil)
		return g.fail(call, start, err.Error(), repaired)

	case <-execCtx.Done():
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		if ctx.Err() != nil {
			return g.fail(call, start, "tool execution cancelled", repaired)
		}
		return g.fail(call, start, fmt.Sprintf("tool execution timeout after %v", g.opts.Timeout), repaired)
	}
}

func (g *Gateway) fail(call provider.ToolCall, start time.Time, msg string, repaired bool) Result {
	log.Warn().Str("tool", call.Name).Str("call_id", call.ID).Str("error", msg).Msg("Tool execution failed")
	return Result{
		CallID:   call.ID,
		Output:   "Error: " + msg,
		IsError:  true,
		Repaired: repaired,
		Duration: time.Since(start),
	}
}

// format renders a handler's return value for the model. Images get the
// capped inline treatment; everything else is stringified and truncated.
func (g *Gateway) format(call provider.ToolCall, out interface{}, repaired bool) Result {
	result := Result{CallID: call.ID, Repaired: repaired}

	switch v := out.(type) {
	case *ImageOutput:
		payload, desc, err := g.prepareImage(v)
		if err != nil {
			result.Output = "Error: " + err.Error()
			result.IsError = true
			return result
		}
		result.Image = payload
		result.Output = desc
		return result

	case string:
		result.Output, result.Truncated = g.truncate(v)
	case nil:
		result.Output = "(no output)"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			result.Output, result.Truncated = g.truncate(fmt.Sprintf("%v", v))
		} else {
			result.Output, result.Truncated = g.truncate(string(encoded))
		}
	}
	return result
}

func (g *Gateway) truncate(s string) (string, bool) {
	if len(s) <= g.opts.OutputLimit {
		return s, false
	}
	log.Warn().Int("original", len(s)).Int("limit", g.opts.OutputLimit).Msg("Tool output truncated")
	return s[:g.opts.OutputLimit] + "\n... [output truncated]", true
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}
