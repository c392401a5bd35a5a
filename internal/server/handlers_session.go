package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orionchat/orion-core/internal/session"
	"github.com/orionchat/orion-core/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	ID        string            `json:"id,omitempty"`
	Kind      types.SessionKind `json:"kind"`
	ProjectID string            `json:"projectID,omitempty"`
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessageResponse carries the request id of the dispatched cycle.
type SendMessageResponse struct {
	RequestID string `json:"requestID"`
}

// SwitchSessionRequest represents the request body for a session switch.
type SwitchSessionRequest struct {
	FromID    string            `json:"fromID,omitempty"`
	ToID      string            `json:"toID"`
	Kind      types.SessionKind `json:"kind"`
	ProjectID string            `json:"projectID,omitempty"`
}

// SessionResponse pairs session metadata with its streaming snapshot.
type SessionResponse struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Kind        types.SessionKind `json:"kind"`
	ProjectID   string            `json:"projectID,omitempty"`
	Snapshot    types.Snapshot    `json:"snapshot"`
}

func sessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		DisplayName: s.DisplayName,
		Kind:        s.Kind,
		ProjectID:   s.ProjectID,
		Snapshot:    s.Snapshot(),
	}
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.registry.ListSessions()),
	})
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.ListSessions()
	if sessions == nil {
		sessions = []*types.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Kind == "" {
		req.Kind = types.KindAdhoc
	}

	sess, err := s.registry.CreateSession(req.ID, req.Kind, req.ProjectID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionExists):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		case errors.Is(err, session.ErrSessionLimit):
			writeError(w, http.StatusTooManyRequests, ErrCodeSessionLimit, err.Error())
		case errors.Is(err, session.ErrInvalidKind):
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, ok := s.registry.GetSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	force := r.URL.Query().Get("force") == "true"

	err := s.registry.DestroySession(r.Context(), sessionID, session.DestroyOptions{Force: force})
	if err != nil {
		if errors.Is(err, session.ErrSessionGone) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeSuccess(w)
}

// getMessages handles GET /session/{sessionID}/message
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, ok := s.registry.GetSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	snap := sess.Snapshot()
	if snap.Messages == nil {
		snap.Messages = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, snap.Messages)
}

// sendMessage handles POST /session/{sessionID}/message
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	requestID, err := s.registry.Send(r.Context(), sessionID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionGone):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		case errors.Is(err, session.ErrRequestActive):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			var ite *session.InvalidTransitionError
			if errors.As(err, &ite) {
				writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, SendMessageResponse{RequestID: requestID})
}

// abortSession handles POST /session/{sessionID}/abort
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.registry.Cancel(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionGone) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeSuccess(w)
}

// retrySession handles POST /session/{sessionID}/retry
func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	requestID, err := s.registry.Retry(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionGone):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		case errors.Is(err, session.ErrRequestActive):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			var ite *session.InvalidTransitionError
			if errors.As(err, &ite) {
				writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, SendMessageResponse{RequestID: requestID})
}

// switchSession handles POST /session/switch
func (s *Server) switchSession(w http.ResponseWriter, r *http.Request) {
	var req SwitchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.ToID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "toID is required")
		return
	}
	if req.Kind == "" {
		req.Kind = types.KindAdhoc
	}

	sess, err := s.registry.Switch(r.Context(), req.FromID, req.ToID, req.Kind, req.ProjectID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionLimit):
			writeError(w, http.StatusTooManyRequests, ErrCodeSessionLimit, err.Error())
		case errors.Is(err, session.ErrInvalidKind):
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// getConfig handles GET /config
func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.appConfig == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.appConfig)
}
