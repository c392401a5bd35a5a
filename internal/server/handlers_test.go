package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orionchat/orion-core/internal/provider"
	"github.com/orionchat/orion-core/internal/retry"
	"github.com/orionchat/orion-core/internal/session"
	"github.com/orionchat/orion-core/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *provider.Scripted) {
	t.Helper()
	scripted := provider.NewScripted()
	registry := session.NewRegistry(session.Options{
		Namespace:  "orion",
		MaxLive:    4,
		Eviction:   types.EvictReject,
		Dispatcher: scripted,
		Retry:      retry.Config{MaxRetries: 1, BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
		_ = registry.Bus().Close()
	})

	cfg := DefaultConfig()
	cfg.EnableCORS = false
	return New(cfg, &types.Config{Namespace: "orion"}, registry), scripted
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func waitForSessionState(t *testing.T, srv *Server, id string, want types.StreamState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, srv, http.MethodGet, "/session/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		if decodeSession(t, rec).Snapshot.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, want)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat", Kind: types.KindAdhoc})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeSession(t, rec)
	assert.Equal(t, "chat", created.ID)
	assert.Equal(t, types.StateIdle, created.Snapshot.State)

	rec = doJSON(t, srv, http.MethodGet, "/session/chat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chat", decodeSession(t, rec).ID)
}

func TestCreateDuplicateSessionConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateSessionAtCap(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 4; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: fmt.Sprintf("s%d", i)})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "overflow"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/session/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "a"})
	rec = doJSON(t, srv, http.MethodGet, "/session", nil)
	var metas []*types.SessionMeta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metas))
	require.Len(t, metas, 1)
	assert.Equal(t, "a", metas[0].ID)
}

func TestSendMessageCompletes(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})

	rec := doJSON(t, srv, http.MethodPost, "/session/chat/message", SendMessageRequest{Text: "ping"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.RequestID, "req_")

	waitForSessionState(t, srv, "chat", types.StateComplete)

	rec = doJSON(t, srv, http.MethodGet, "/session/chat/message", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []*types.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "You said: ping", msgs[1].Text)
}

func TestSendMessageEmptyPromptRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})

	rec := doJSON(t, srv, http.MethodPost, "/session/chat/message", SendMessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageWhileBusyConflicts(t *testing.T) {
	srv, scripted := newTestServer(t)
	scripted.Enqueue(&provider.Script{Hang: true})
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})

	rec := doJSON(t, srv, http.MethodPost, "/session/chat/message", SendMessageRequest{Text: "first"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/session/chat/message", SendMessageRequest{Text: "second"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/session/chat/abort", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAbortSettlesSession(t *testing.T) {
	srv, scripted := newTestServer(t)
	scripted.Enqueue(&provider.Script{Hang: true})
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})
	doJSON(t, srv, http.MethodPost, "/session/chat/message", SendMessageRequest{Text: "hold"})

	rec := doJSON(t, srv, http.MethodPost, "/session/chat/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	waitForSessionState(t, srv, "chat", types.StateIdle)
	rec = doJSON(t, srv, http.MethodGet, "/session/chat", nil)
	assert.True(t, decodeSession(t, rec).Snapshot.Cancelled)
}

func TestRetryEndpoint(t *testing.T) {
	srv, scripted := newTestServer(t)
	scripted.Enqueue(&provider.Script{DispatchErr: provider.TransientErr("down")})
	scripted.Enqueue(&provider.Script{DispatchErr: provider.TransientErr("down")})
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})

	doJSON(t, srv, http.MethodPost, "/session/chat/message", SendMessageRequest{Text: "flaky"})
	waitForSessionState(t, srv, "chat", types.StateError)

	rec := doJSON(t, srv, http.MethodPost, "/session/chat/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	waitForSessionState(t, srv, "chat", types.StateComplete)
}

func TestDeleteSession(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "chat"})

	rec := doJSON(t, srv, http.MethodDelete, "/session/chat", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/session/chat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/session/chat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSwitchSession(t *testing.T) {
	srv, scripted := newTestServer(t)
	scripted.Enqueue(&provider.Script{Hang: true})
	doJSON(t, srv, http.MethodPost, "/session", CreateSessionRequest{ID: "a"})
	doJSON(t, srv, http.MethodPost, "/session/a/message", SendMessageRequest{Text: "busy"})

	rec := doJSON(t, srv, http.MethodPost, "/session/switch", SwitchSessionRequest{FromID: "a", ToID: "b"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", decodeSession(t, rec).ID)

	rec = doJSON(t, srv, http.MethodGet, "/session/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSwitchRequiresToID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session/switch", SwitchSessionRequest{FromID: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg types.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "orion", cfg.Namespace)
}
