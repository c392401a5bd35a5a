// SSE implementation note: this is a hand-rolled writer rather than a
// third-party SSE package. It is small, integrates directly with the
// internal event bus, and supports the session filtering the UI needs.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/orionchat/orion-core/internal/event"
	"github.com/orionchat/orion-core/internal/logging"
)

// WireEvent is the envelope written to SSE clients.
type WireEvent struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back
	// to the plain flusher if it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// events handles GET /event. With a sessionID query parameter only that
// session's events are delivered; otherwise the full firehose.
func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	connected := WireEvent{Type: "server.connected", Properties: map[string]any{}}
	if err := sse.writeEvent("message", connected); err != nil {
		return
	}

	// Small buffer keeps latency low; a stalled client drops events
	// rather than blocking the bus.
	events := make(chan event.Event, 16)

	unsub := srv.bus.SubscribeAll(func(e event.Event) {
		if sessionID != "" && !eventBelongsToSession(e, sessionID) {
			return
		}
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Msg("SSE event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			data := WireEvent{Type: e.Type, Properties: e.Data}
			if err := sse.writeEvent("message", data); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// eventBelongsToSession checks if an event belongs to a session.
func eventBelongsToSession(e event.Event, sessionID string) bool {
	switch data := e.Data.(type) {
	case *event.SessionCreatedData:
		return data.Info != nil && data.Info.ID == sessionID
	case *event.SessionDestroyedData:
		return data.SessionID == sessionID
	case *event.SessionSwitchedData:
		return data.FromID == sessionID || data.ToID == sessionID
	case *event.MessageUpdatedData:
		return data.SessionID == sessionID
	case *event.StreamDeltaData:
		return data.SessionID == sessionID
	case *event.StreamCompleteData:
		return data.SessionID == sessionID
	case *event.StreamErrorData:
		return data.SessionID == sessionID
	case *event.ToolUpdatedData:
		return data.SessionID == sessionID
	case *event.BudgetWarningData:
		return data.SessionID == sessionID
	}
	return false
}
