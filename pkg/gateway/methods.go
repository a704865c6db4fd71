package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/halim/relay/internal/tracing"
	"github.com/halim/relay/pkg/runtime"
	"github.com/halim/relay/pkg/store"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("run.start", s.handleRunStart)
	_ = s.RegisterMethod("run.stop", s.handleRunStop)
	_ = s.RegisterMethod("run.status", s.handleRunStatus)
	_ = s.RegisterMethod("tool.cancel", s.handleToolCancel)
	_ = s.RegisterMethod("confirm.respond", s.handleConfirmRespond)
	_ = s.RegisterMethod("sessions.attach", s.handleSessionsAttach)
	_ = s.RegisterMethod("sessions.detach", s.handleSessionsDetach)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.rename", s.handleSessionsRename)
	_ = s.RegisterMethod("sessions.delete", s.handleSessionsDelete)
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a string", key),
		}
	}
	return value, nil
}

func optionalString(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return value
}

// handleRunStart starts an agent run. The run executes in the background;
// its output arrives on the session's event stream, so callers normally
// attach first.
func (s *Server) handleRunStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "text")
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionKey(ctx, sessionID)

	// attach before starting so the caller sees the run from its first event
	if client, ok := s.clients.Get(clientIDFromContext(ctx)); ok {
		s.attachClient(client, sessionID)
	}

	runID, err := s.manager.Run(ctx, runtime.RunRequest{
		SessionID: sessionID,
		Model:     optionalString(params, "model"),
		Text:      text,
		Title:     optionalString(params, "title"),
	})
	switch {
	case errors.Is(err, runtime.ErrAlreadyRunning):
		return nil, &RPCError{Code: InvalidRequest, Message: err.Error()}
	case errors.Is(err, store.ErrProviderLocked):
		return nil, &RPCError{Code: InvalidRequest, Message: err.Error()}
	case err != nil:
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	return map[string]interface{}{
		"runId":     runID,
		"sessionId": sessionID,
	}, nil
}

// handleRunStop stops a session's current run
func (s *Server) handleRunStop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := s.manager.Stop(sessionID); err != nil {
		return nil, &RPCError{Code: InvalidRequest, Message: err.Error()}
	}
	return map[string]interface{}{"success": true}, nil
}

// handleRunStatus reports the session's current run state
func (s *Server) handleRunStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	return s.manager.GetStatus(sessionID), nil
}

// handleToolCancel aborts one in-flight tool execution
func (s *Server) handleToolCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	callID, err := stringParam(params, "callId")
	if err != nil {
		return nil, err
	}
	if err := s.manager.CancelTool(sessionID, callID); err != nil {
		return nil, &RPCError{Code: InvalidRequest, Message: err.Error()}
	}
	return map[string]interface{}{"success": true}, nil
}

// handleConfirmRespond answers a pending tool confirmation. Answering an
// already-resolved confirmation reports resolved=false and is otherwise
// harmless.
func (s *Server) handleConfirmRespond(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	confirmationID, err := stringParam(params, "confirmationId")
	if err != nil {
		return nil, err
	}
	allow, ok := params["allow"].(bool)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "allow parameter is required and must be a boolean"}
	}

	resolved := s.manager.HandleConfirmationResponse(sessionID, confirmationID, allow)
	return map[string]interface{}{"resolved": resolved}, nil
}

// handleSessionsAttach subscribes the calling client to a session's stream
func (s *Server) handleSessionsAttach(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "streaming requires a websocket connection"}
	}
	s.attachClient(client, sessionID)
	return map[string]interface{}{"success": true}, nil
}

// handleSessionsDetach drops the calling client's stream subscription
func (s *Server) handleSessionsDetach(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "streaming requires a websocket connection"}
	}
	return map[string]interface{}{"detached": s.detachClient(client, sessionID)}, nil
}

// handleSessionsList lists stored sessions
func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

// handleSessionsGet loads one session's metadata and history
func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	sess, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return map[string]interface{}{
		"session": sess,
		"items":   sess.Items,
	}, nil
}

// handleSessionsRename retitles a session
func (s *Server) handleSessionsRename(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	title, err := stringParam(params, "title")
	if err != nil {
		return nil, err
	}
	if err := s.store.Rename(ctx, sessionID, title); err != nil {
		return nil, fmt.Errorf("failed to rename session: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}

// handleSessionsDelete removes a session and its history
func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}
