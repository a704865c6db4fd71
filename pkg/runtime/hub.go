package runtime

import (
	"sync"
	"time"

	"github.com/halim/relay/internal/observability"
)

const defaultReplayBuffer = 256

// Hub fans a session's events out to live subscribers and keeps a bounded
// ring of replayable events so a reconnecting observer can rebuild the view
// it missed. Slow subscribers lose events rather than stall the run.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionStream
	nextSubID  uint64
	bufferSize int
}

type sessionStream struct {
	ring []Event
	seq  uint64
	subs map[uint64]chan Event
}

// NewHub creates a hub; bufferSize caps the per-session replay ring.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultReplayBuffer
	}
	return &Hub{
		sessions:   make(map[string]*sessionStream),
		bufferSize: bufferSize,
	}
}

func (h *Hub) stream(sessionID string) *sessionStream {
	if s, ok := h.sessions[sessionID]; ok {
		return s
	}
	s := &sessionStream{subs: make(map[uint64]chan Event)}
	h.sessions[sessionID] = s
	return s
}

// Publish stamps the event with the session's next sequence number, buffers
// it when its channel replays, and broadcasts without blocking.
func (h *Hub) Publish(sessionID, runID string, p Payload) Event {
	h.mu.Lock()
	s := h.stream(sessionID)
	s.seq++
	evt := Event{
		SessionID: sessionID,
		RunID:     runID,
		Seq:       s.seq,
		Channel:   ChannelOf(p),
		Time:      time.Now(),
		Payload:   p,
	}
	if Replayable(evt.Channel) {
		s.ring = append(s.ring, evt)
		if len(s.ring) > h.bufferSize {
			s.ring = s.ring[len(s.ring)-h.bufferSize:]
		}
	}
	subs := make([]chan Event, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- evt:
		default:
			observability.RecordEventDropped(string(evt.Channel))
		}
	}
	return evt
}

// Subscribe attaches to a session's stream. The returned channel first
// yields the buffered replay, then any head events the caller front-loads
// (pending confirmation requests), then live events; cancel detaches and
// closes it.
func (h *Hub) Subscribe(sessionID string, buffer int, head ...Event) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	s := h.stream(sessionID)
	// replay must fit the channel or the subscriber would block itself
	ch := make(chan Event, len(s.ring)+len(head)+buffer)
	for _, evt := range s.ring {
		ch <- evt
	}
	for _, evt := range head {
		ch <- evt
	}
	h.nextSubID++
	subID := h.nextSubID
	s.subs[subID] = ch
	h.mu.Unlock()
	h.updateSubscriberGauge()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		s, ok := h.sessions[sessionID]
		if !ok {
			return
		}
		sub, ok := s.subs[subID]
		if !ok {
			return
		}
		delete(s.subs, subID)
		close(sub)
		h.subscriberGaugeLocked()
	}
	return ch, cancel
}

// ResetRun clears the replay ring at the start of a new run. Sequence
// numbers keep increasing so late subscribers can detect the gap.
func (h *Hub) ResetRun(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[sessionID]; ok {
		s.ring = nil
	}
}

// Buffered returns a copy of the session's replay ring.
func (h *Hub) Buffered(sessionID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Event, len(s.ring))
	copy(out, s.ring)
	return out
}

func (h *Hub) updateSubscriberGauge() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.subscriberGaugeLocked()
}

func (h *Hub) subscriberGaugeLocked() {
	total := 0
	for _, s := range h.sessions {
		total += len(s.subs)
	}
	observability.SetEventSubscribers(total)
}
