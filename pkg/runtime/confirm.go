package runtime

import (
	"context"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/halim/relay/internal/observability"
)

// PendingConfirmation is one tool call waiting for human approval.
type PendingConfirmation struct {
	ID        string
	SessionID string
	RunID     string
	CallID    string
	ToolName  string
	Args      string
	CreatedAt time.Time

	decision chan bool
	once     sync.Once
}

// Decision is the human's answer to a confirmation request.
type Decision struct {
	Approved bool
	Reason   string
}

// confirmBroker tracks pending confirmations per session. A request blocks
// until resolved; there is no timeout, the human gate is allowed to hold a
// run open indefinitely. Stopping a run denies everything still pending.
type confirmBroker struct {
	mu      sync.Mutex
	pending map[string]*PendingConfirmation
}

func newConfirmBroker() *confirmBroker {
	return &confirmBroker{pending: make(map[string]*PendingConfirmation)}
}

// Request registers a pending confirmation and returns it. The caller emits
// the confirm-request event and then blocks on Wait.
func (b *confirmBroker) Request(sessionID, runID, callID, toolName, args string) *PendingConfirmation {
	id, err := gonanoid.New()
	if err != nil {
		id = callID + "-confirm"
	}
	pc := &PendingConfirmation{
		ID:        id,
		SessionID: sessionID,
		RunID:     runID,
		CallID:    callID,
		ToolName:  toolName,
		Args:      args,
		CreatedAt: time.Now(),
		decision:  make(chan bool, 1),
	}

	b.mu.Lock()
	b.pending[id] = pc
	b.mu.Unlock()

	log.Info().
		Str("confirmation_id", id).
		Str("tool", toolName).
		Str("session_id", sessionID).
		Msg("Confirmation requested")
	return pc
}

// Wait blocks until the confirmation is resolved or the context ends.
// Context cancellation counts as denial.
func (b *confirmBroker) Wait(ctx context.Context, pc *PendingConfirmation) bool {
	select {
	case approved := <-pc.decision:
		return approved
	case <-ctx.Done():
		b.Resolve(pc.ID, false)
		return false
	}
}

// Resolve answers a pending confirmation. The first answer wins; later
// answers for the same id are no-ops. Returns false when the id is unknown
// or already resolved.
func (b *confirmBroker) Resolve(id string, approved bool) bool {
	b.mu.Lock()
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	pc.once.Do(func() {
		pc.decision <- approved
	})

	decision := "denied"
	if approved {
		decision = "approved"
	}
	observability.RecordConfirmation(decision)
	log.Info().
		Str("confirmation_id", id).
		Str("tool", pc.ToolName).
		Bool("approved", approved).
		Msg("Confirmation resolved")
	return true
}

// DenyAll denies every pending confirmation for a session. Called on stop so
// a halted run never leaves a confirmation dangling.
func (b *confirmBroker) DenyAll(sessionID string) []*PendingConfirmation {
	b.mu.Lock()
	var denied []*PendingConfirmation
	for id, pc := range b.pending {
		if pc.SessionID != sessionID {
			continue
		}
		delete(b.pending, id)
		denied = append(denied, pc)
	}
	b.mu.Unlock()

	for _, pc := range denied {
		pc.once.Do(func() {
			pc.decision <- false
		})
		observability.RecordConfirmation("denied")
		log.Warn().
			Str("confirmation_id", pc.ID).
			Str("tool", pc.ToolName).
			Msg("Confirmation auto-denied on stop")
	}
	return denied
}

// Pending lists a session's unresolved confirmations, oldest first.
func (b *confirmBroker) Pending(sessionID string) []*PendingConfirmation {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*PendingConfirmation
	for _, pc := range b.pending {
		if pc.SessionID == sessionID {
			out = append(out, pc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
