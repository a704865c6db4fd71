package gateway

import (
	"time"

	"github.com/halim/relay/pkg/runtime"
)

// streamBuffer is the per-attachment live buffer handed to the runtime hub.
const streamBuffer = 128

// attachClient subscribes a client to a session's event stream. The runtime
// replays buffered events and pending confirmation requests first, then
// delivers live events; everything is forwarded on a dedicated goroutine so
// a slow run never blocks the RPC path.
func (s *Server) attachClient(client *Client, sessionID string) {
	client.attachMu.Lock()
	if client.attached == nil {
		client.attached = make(map[string]func())
	}
	if _, ok := client.attached[sessionID]; ok {
		client.attachMu.Unlock()
		return
	}
	events, cancel := s.manager.Attach(sessionID, streamBuffer)
	client.attached[sessionID] = cancel
	client.attachMu.Unlock()

	s.logger.Debug().
		Str("clientId", client.ID).
		Str("sessionId", sessionID).
		Msg("Client attached to session stream")

	go s.forwardEvents(client, sessionID, events)
}

// detachClient drops one session attachment; returns false when the client
// was not attached.
func (s *Server) detachClient(client *Client, sessionID string) bool {
	client.attachMu.Lock()
	defer client.attachMu.Unlock()
	cancel, ok := client.attached[sessionID]
	if !ok {
		return false
	}
	delete(client.attached, sessionID)
	cancel()
	return true
}

// detachAll tears down every stream attachment, used on disconnect.
func (s *Server) detachAll(client *Client) {
	client.attachMu.Lock()
	cancels := make([]func(), 0, len(client.attached))
	for _, cancel := range client.attached {
		cancels = append(cancels, cancel)
	}
	client.attached = nil
	client.attachMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) forwardEvents(client *Client, sessionID string, events <-chan runtime.Event) {
	for evt := range events {
		if err := client.WriteJSON(WireEvent(evt)); err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("sessionId", sessionID).
				Msg("Stream write failed, detaching")
			s.detachClient(client, sessionID)
			return
		}
	}
}

// WireEvent converts a runtime event into the wire envelope.
func WireEvent(evt runtime.Event) EventMessage {
	return EventMessage{
		Type:      "event",
		Channel:   string(evt.Channel),
		SessionID: evt.SessionID,
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		Data:      evt.Payload,
		Timestamp: evt.Time.UnixMilli(),
	}
}

// broadcast sends a lifecycle event to every authenticated client.
func (s *Server) broadcast(channel string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, client := range s.clients.GetAuthenticatedClients() {
		if err := client.WriteJSON(msg); err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("channel", channel).
				Msg("Failed to broadcast to client")
		}
	}
}
