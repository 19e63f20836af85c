package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/backend/internal/registry"
)

type liveHandle struct {
	id      string
	reasons []string
}

func (l *liveHandle) ID() string               { return l.id }
func (l *liveHandle) ForceClose(reason string) { l.reasons = append(l.reasons, reason) }

type fakePeers struct {
	published []string
	err       error
}

func (f *fakePeers) PublishForceClose(_ context.Context, id, _ string) error {
	f.published = append(f.published, id)
	return f.err
}

func setup(t *testing.T, peers Broadcaster) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	h := NewHandler(reg, peers, nil)
	r := gin.New()
	r.POST("/close-connection", h.CloseConnection)
	r.GET("/sessions/live", h.ListLive)
	return r, reg
}

func post(r *gin.Engine, body string) (int, map[string]any) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/close-connection", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestCloseConnection_LiveSession(t *testing.T) {
	peers := &fakePeers{}
	r, reg := setup(t, peers)
	h := &liveHandle{id: "abc"}
	require.NoError(t, reg.Register(h))

	code, body := post(r, `{"sessionId":"abc"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["data"].(map[string]any)["closed"])
	assert.Len(t, h.reasons, 1)
	assert.Equal(t, []string{"abc"}, peers.published)
}

func TestCloseConnection_UnknownSessionStillSucceeds(t *testing.T) {
	r, _ := setup(t, nil)

	code, body := post(r, `{"sessionId":"ghost"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["data"].(map[string]any)["closed"])

	code, _ = post(r, `{"sessionId":"ghost"}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestCloseConnection_BroadcastFailureIsNotFatal(t *testing.T) {
	r, _ := setup(t, &fakePeers{err: errors.New("redis down")})
	code, _ := post(r, `{"sessionId":"abc"}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestCloseConnection_MissingSessionID(t *testing.T) {
	r, _ := setup(t, nil)
	for _, body := range []string{`{}`, `{"sessionId":"  "}`, `not json`} {
		code, out := post(r, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.Equal(t, "sessionId is required", out["error"])
	}
}

func TestListLive(t *testing.T) {
	r, reg := setup(t, nil)
	require.NoError(t, reg.Register(&liveHandle{id: "b"}))
	require.NoError(t, reg.Register(&liveHandle{id: "a"}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/live", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":{"sessions":["a","b"],"count":2}}`, w.Body.String())
}
