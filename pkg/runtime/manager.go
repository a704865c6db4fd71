package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/internal/tracing"
	"github.com/halim/relay/pkg/compact"
	"github.com/halim/relay/pkg/history"
	"github.com/halim/relay/pkg/provider"
	"github.com/halim/relay/pkg/store"
	"github.com/halim/relay/pkg/toolexec"
)

// RunStatus is the lifecycle state of a session's current run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// ErrAlreadyRunning rejects a second concurrent run for one session.
var ErrAlreadyRunning = errors.New("a run is already in progress for this session")

// Run is the ephemeral record of one agent loop execution.
type Run struct {
	ID          string
	SessionID   string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// Status is what a status query returns.
type Status struct {
	Status      RunStatus  `json:"status"`
	RunID       string     `json:"runId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunRequest starts an agent run.
type RunRequest struct {
	SessionID string
	Model     string
	Text      string
	Title     string
}

// ManagerOptions configures the runtime manager.
type ManagerOptions struct {
	// ResolveProvider maps a model name to its provider.
	ResolveProvider func(model string) (history.Provider, error)

	// ResolveModel normalizes a requested model name, applying the default
	// and alias expansion. Nil leaves names untouched.
	ResolveModel func(model string) string

	// CompactBudgetTokens and KeepRecentTurns configure the compactor
	// built per session; zero disables compaction.
	CompactBudgetTokens int
	KeepRecentTurns     int
	SummaryModel        string

	// MaxConcurrentRequests bounds in-flight provider calls across all
	// sessions; zero means unbounded.
	MaxConcurrentRequests int

	ReplayBuffer int

	Loop LoopConfig
}

// Manager owns one runtime record per session: the current run, the event
// stream, and pending confirmations. Runs across sessions are independent;
// within a session only one run exists at a time.
type Manager struct {
	store    store.Store
	tools    *toolexec.Gateway
	adapters map[history.Provider]provider.Adapter
	hub      *Hub
	confirms *confirmBroker
	opts     ManagerOptions
	gate     chan struct{}

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
}

// sessionRuntime outlives individual runs so subscriber and confirmation
// state survives between them.
type sessionRuntime struct {
	current *Run
	session *agentSession
}

// NewManager wires the runtime together.
func NewManager(st store.Store, tools *toolexec.Gateway, adapters map[history.Provider]provider.Adapter, opts ManagerOptions) (*Manager, error) {
	observability.EnsureRegistered()

	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool gateway is required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one provider adapter is required")
	}
	if opts.ResolveProvider == nil {
		return nil, fmt.Errorf("provider resolver is required")
	}

	var gate chan struct{}
	if opts.MaxConcurrentRequests > 0 {
		gate = make(chan struct{}, opts.MaxConcurrentRequests)
	}

	return &Manager{
		store:    st,
		tools:    tools,
		adapters: adapters,
		hub:      NewHub(opts.ReplayBuffer),
		confirms: newConfirmBroker(),
		opts:     opts,
		gate:     gate,
		runtimes: make(map[string]*sessionRuntime),
	}, nil
}

func (m *Manager) runtime(sessionID string) *sessionRuntime {
	if rt, ok := m.runtimes[sessionID]; ok {
		return rt
	}
	rt := &sessionRuntime{}
	m.runtimes[sessionID] = rt
	return rt
}

// Run starts the agent loop for a session. It validates synchronously
// (missing session, provider mismatch, already running) and then executes in
// the background; loop errors surface on the stream-error channel, not here.
func (m *Manager) Run(ctx context.Context, req RunRequest) (string, error) {
	ctx = tracing.WithSessionKey(ctx, req.SessionID)
	ctx, span := tracing.StartSpan(ctx, "relay.runtime", "runtime.run",
		attribute.String("session_id", req.SessionID),
		attribute.String("model", req.Model))
	defer span.End()

	if req.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if req.Text == "" {
		return "", fmt.Errorf("run text is required")
	}

	if m.opts.ResolveModel != nil {
		req.Model = m.opts.ResolveModel(req.Model)
	}

	prov, err := m.opts.ResolveProvider(req.Model)
	if err != nil {
		return "", err
	}
	adapter, ok := m.adapters[prov]
	if !ok {
		return "", fmt.Errorf("no adapter configured for provider %s", prov)
	}

	sess, err := m.store.Get(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		sess, err = m.store.Create(ctx, req.SessionID, req.Title)
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if req.Title != "" && req.Title != sess.Title {
		if err := m.store.Rename(ctx, req.SessionID, req.Title); err != nil {
			log.Warn().Err(err).Str("session_id", req.SessionID).Msg("Failed to rename session")
		}
	}

	// the provider lock is the only hard precondition besides "not running"
	if err := m.store.SetProvider(ctx, req.SessionID, prov, req.Model); err != nil {
		span.RecordError(err)
		return "", err
	}

	runID, err := gonanoid.New()
	if err != nil {
		runID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}

	m.mu.Lock()
	rt := m.runtime(req.SessionID)
	if rt.current != nil && rt.current.Status == StatusRunning {
		m.mu.Unlock()
		return "", ErrAlreadyRunning
	}

	run := &Run{
		ID:        runID,
		SessionID: req.SessionID,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = tracing.WithRunID(runCtx, runID)
	as := &agentSession{
		sessionID:   req.SessionID,
		runID:       runID,
		adapter:     adapter,
		model:       req.Model,
		store:       m.store,
		tools:       m.tools,
		compactor:   m.compactorFor(adapter, prov),
		hub:         m.hub,
		confirms:    m.confirms,
		cfg:         m.opts.Loop,
		gate:        m.gate,
		items:       sess.Items,
		toolCancels: make(map[string]context.CancelFunc),
	}
	rt.current = run
	rt.session = as
	m.mu.Unlock()

	m.hub.ResetRun(req.SessionID)
	m.updateActiveRuns()

	userItem := history.NewUserText(prov, req.Text)
	as.appendItems(runCtx, userItem)

	go func() {
		defer cancel()
		m.drive(runCtx, run, as, prov)
	}()

	log.Info().
		Str("session_id", req.SessionID).
		Str("run_id", runID).
		Str("model", req.Model).
		Msg("Run started")
	return runID, nil
}

// drive runs the loop to completion and emits the terminal event.
func (m *Manager) drive(ctx context.Context, run *Run, as *agentSession, prov history.Provider) {
	start := time.Now()
	err := as.run(ctx)

	m.mu.Lock()
	run.CompletedAt = time.Now()
	alreadyTerminal := run.Status != StatusRunning
	switch {
	case alreadyTerminal:
		// stop() already marked it
	case err == nil:
		run.Status = StatusCompleted
	case errors.Is(err, errStopped) || errors.Is(err, context.Canceled):
		run.Status = StatusError
		run.Error = "stopped"
	default:
		run.Status = StatusError
		run.Error = err.Error()
	}
	status := run.Status
	m.mu.Unlock()
	m.updateActiveRuns()

	if err != nil && !alreadyTerminal && !errors.Is(err, errStopped) && !errors.Is(err, context.Canceled) {
		m.hub.Publish(run.SessionID, run.ID, StreamError{Message: err.Error()})
	}
	m.hub.Publish(run.SessionID, run.ID, StreamDone{
		Status:       string(status),
		InputTokens:  as.usage.InputTokens,
		OutputTokens: as.usage.OutputTokens,
	})

	if uerr := m.store.UpdateRuntime(context.Background(), run.SessionID, func(r *store.Runtime) {
		r.LastRunID = run.ID
		r.LastRunStatus = string(status)
		r.InputTokens += as.usage.InputTokens
		r.OutputTokens += as.usage.OutputTokens
	}); uerr != nil {
		log.Warn().Err(uerr).Str("session_id", run.SessionID).Msg("Failed to persist run status")
	}

	observability.RecordRun(string(prov), time.Since(start), as.iterations, err == nil)
	observability.RecordRunAudit(ctx, run.SessionID, run.ID, string(status), nil)
	log.Info().
		Str("session_id", run.SessionID).
		Str("run_id", run.ID).
		Str("status", string(status)).
		Int("iterations", as.iterations).
		Msg("Run finished")
}

func (m *Manager) compactorFor(adapter provider.Adapter, prov history.Provider) *compact.Compactor {
	if m.opts.CompactBudgetTokens <= 0 {
		return nil
	}
	summarizer := &compact.ProviderSummarizer{
		Adapter: adapter,
		Model:   m.opts.SummaryModel,
	}
	return compact.New(summarizer, compact.Options{
		BudgetTokens:    m.opts.CompactBudgetTokens,
		KeepRecentTurns: m.opts.KeepRecentTurns,
		Provider:        prov,
	})
}

// Stop halts a session's current run: the run is marked terminal
// immediately, a synthetic error event is broadcast, pending confirmations
// are denied, and the loop is asked to stop cooperatively.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	if !ok || rt.current == nil || rt.current.Status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("no active run for session %s", sessionID)
	}
	run := rt.current
	as := rt.session
	run.Status = StatusError
	run.Error = "stopped"
	run.CompletedAt = time.Now()
	m.mu.Unlock()

	m.hub.Publish(sessionID, run.ID, StreamError{Message: "run stopped"})

	// stopping must never leave a confirmation dangling
	for _, pc := range m.confirms.DenyAll(sessionID) {
		m.hub.Publish(sessionID, run.ID, ConfirmResolved{
			ConfirmationID: pc.ID,
			Approved:       false,
			Reason:         "run stopped",
		})
	}

	as.stop()
	m.updateActiveRuns()

	log.Info().Str("session_id", sessionID).Str("run_id", run.ID).Msg("Run stopped")
	return nil
}

// CancelTool aborts one in-flight tool execution.
func (m *Manager) CancelTool(sessionID, callID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	var as *agentSession
	if ok {
		as = rt.session
	}
	m.mu.Unlock()

	if as == nil || !as.cancelTool(callID) {
		return fmt.Errorf("no in-flight tool call %s for session %s", callID, sessionID)
	}
	return nil
}

// Attach subscribes to a session's event stream. The subscriber first
// receives the buffered replay of the current run, then every still-pending
// confirmation request, then live events.
func (m *Manager) Attach(sessionID string, buffer int) (<-chan Event, func()) {
	var head []Event
	for _, pc := range m.confirms.Pending(sessionID) {
		head = append(head, Event{
			SessionID: sessionID,
			RunID:     pc.RunID,
			Channel:   ChannelConfirmRequest,
			Time:      pc.CreatedAt,
			Payload: ConfirmRequest{
				ConfirmationID: pc.ID,
				CallID:         pc.CallID,
				ToolName:       pc.ToolName,
				Args:           pc.Args,
			},
		})
	}
	return m.hub.Subscribe(sessionID, buffer, head...)
}

// GetStatus reports the session's current run state.
func (m *Manager) GetStatus(sessionID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[sessionID]
	if !ok || rt.current == nil {
		return Status{Status: StatusIdle}
	}
	run := rt.current
	st := Status{
		Status:    run.Status,
		RunID:     run.ID,
		StartedAt: &run.StartedAt,
		Error:     run.Error,
	}
	if !run.CompletedAt.IsZero() {
		st.CompletedAt = &run.CompletedAt
	}
	return st
}

// HandleConfirmationResponse answers a pending confirmation. A repeat
// answer for the same id is a no-op.
func (m *Manager) HandleConfirmationResponse(sessionID, confirmationID string, allow bool) bool {
	resolved := m.confirms.Resolve(confirmationID, allow)
	if resolved {
		observability.RecordConfirmationAudit(context.Background(), "", sessionID, decisionString(allow))
	}
	return resolved
}

func decisionString(allow bool) string {
	if allow {
		return "approved"
	}
	return "denied"
}

func (m *Manager) updateActiveRuns() {
	m.mu.Lock()
	count := 0
	for _, rt := range m.runtimes {
		if rt.current != nil && rt.current.Status == StatusRunning {
			count++
		}
	}
	m.mu.Unlock()
	observability.SetActiveRuns(count)
}

// Shutdown stops all active runs.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var sessions []string
	for id, rt := range m.runtimes {
		if rt.current != nil && rt.current.Status == StatusRunning {
			sessions = append(sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range sessions {
		if err := m.Stop(id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to stop run during shutdown")
		}
	}
}
