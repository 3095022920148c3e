package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/minbarhq/minbar-live/broadcast"
	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
)

type stubBroadcaster struct {
	state    broadcast.State
	startErr error
	endErr   error
}

func (b *stubBroadcaster) Start(_ context.Context, _ string) error {
	if b.startErr != nil {
		return b.startErr
	}
	b.state.Phase = broadcast.PhaseLive
	return nil
}

func (b *stubBroadcaster) End(_ context.Context) error {
	if b.endErr != nil {
		return b.endErr
	}
	b.state.Phase = broadcast.PhaseEnded
	return nil
}

func (b *stubBroadcaster) ToggleMute() broadcast.State {
	b.state.Muted = !b.state.Muted
	return b.state
}

func (b *stubBroadcaster) State() broadcast.State { return b.state }

type stubListener struct {
	state    broadcast.State
	startErr error
	stopped  bool
}

func (l *stubListener) Start(_ context.Context, _ *backend.Room) error {
	if l.startErr != nil {
		return l.startErr
	}
	l.state.Phase = broadcast.PhaseLive
	return nil
}

func (l *stubListener) Stop(_ context.Context) {
	l.stopped = true
	l.state.Phase = broadcast.PhaseIdle
}

func (l *stubListener) State() broadcast.State { return l.state }

type stubAPI struct {
	backend.Client
	room    *backend.Room
	roomErr error
}

func (a *stubAPI) RoomInfo(_ context.Context, _ string) (*backend.Room, error) {
	if a.roomErr != nil {
		return nil, a.roomErr
	}
	return a.room, nil
}

func setupBroadcastRouter(t *testing.T, b *stubBroadcaster) *Router {
	gin.SetMode(gin.TestMode)
	return NewRouter(&stubAPI{}, b, nil, log.NewTest(t))
}

func setupListenRouter(t *testing.T, api *stubAPI, l *stubListener) *Router {
	gin.SetMode(gin.TestMode)
	return NewRouter(api, nil, l, log.NewTest(t))
}

func postJSON(router *Router, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	router.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router := setupBroadcastRouter(t, &stubBroadcaster{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestStartBroadcast(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		b := &stubBroadcaster{state: broadcast.State{Phase: broadcast.PhaseIdle, Muted: true}}
		router := setupBroadcastRouter(t, b)

		w := postJSON(router, "/api/broadcast/start", map[string]string{"preacherId": "p1"})
		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, true, response["success"])

		state := response["state"].(map[string]interface{})
		assert.Equal(t, "live", state["phase"])
	})

	t.Run("MissingPreacherID", func(t *testing.T) {
		router := setupBroadcastRouter(t, &stubBroadcaster{})

		w := postJSON(router, "/api/broadcast/start", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("MalformedPreacherID", func(t *testing.T) {
		router := setupBroadcastRouter(t, &stubBroadcaster{})

		w := postJSON(router, "/api/broadcast/start", map[string]string{"preacherId": "bad id!"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("MicDenied", func(t *testing.T) {
		b := &stubBroadcaster{startErr: errors.New(broadcast.ErrMicrophoneDenied, "denied")}
		router := setupBroadcastRouter(t, b)

		w := postJSON(router, "/api/broadcast/start", map[string]string{"preacherId": "p1"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("AlreadyStarted", func(t *testing.T) {
		b := &stubBroadcaster{startErr: errors.New(broadcast.ErrAlreadyStarted, "phase live")}
		router := setupBroadcastRouter(t, b)

		w := postJSON(router, "/api/broadcast/start", map[string]string{"preacherId": "p1"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestEndBroadcast(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		b := &stubBroadcaster{state: broadcast.State{Phase: broadcast.PhaseLive}}
		router := setupBroadcastRouter(t, b)

		w := postJSON(router, "/api/broadcast/end", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, broadcast.PhaseEnded, b.state.Phase)
	})

	t.Run("NotLive", func(t *testing.T) {
		b := &stubBroadcaster{endErr: errors.New(broadcast.ErrNotLive, "phase idle")}
		router := setupBroadcastRouter(t, b)

		w := postJSON(router, "/api/broadcast/end", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("BackendFailure", func(t *testing.T) {
		b := &stubBroadcaster{endErr: errors.New(broadcast.ErrEndStreamFailed, "backend down")}
		router := setupBroadcastRouter(t, b)

		w := postJSON(router, "/api/broadcast/end", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestToggleMute(t *testing.T) {
	b := &stubBroadcaster{state: broadcast.State{Phase: broadcast.PhaseLive}}
	router := setupBroadcastRouter(t, b)

	w := postJSON(router, "/api/broadcast/mute", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	state := response["state"].(map[string]interface{})
	assert.Equal(t, true, state["muted"])
}

func TestStartListen(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		api := &stubAPI{room: &backend.Room{RoomID: 1234, LiveStreamID: 77}}
		l := &stubListener{}
		router := setupListenRouter(t, api, l)

		w := postJSON(router, "/api/listen/start", map[string]string{"preacherId": "p1"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, broadcast.PhaseLive, l.state.Phase)
	})

	t.Run("RoomLookupFailure", func(t *testing.T) {
		api := &stubAPI{roomErr: errors.New(backend.ErrRequestFailed, "not found")}
		router := setupListenRouter(t, api, &stubListener{})

		w := postJSON(router, "/api/listen/start", map[string]string{"preacherId": "p1"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestStopListen(t *testing.T) {
	l := &stubListener{state: broadcast.State{Phase: broadcast.PhaseLive}}
	router := setupListenRouter(t, &stubAPI{}, l)

	w := postJSON(router, "/api/listen/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, l.stopped)
}

func TestBroadcastRoutesAbsentOnListenerBox(t *testing.T) {
	router := setupListenRouter(t, &stubAPI{}, &stubListener{})

	w := postJSON(router, "/api/broadcast/start", map[string]string{"preacherId": "p1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStatus(t *testing.T) {
	b := &stubBroadcaster{state: broadcast.State{Phase: broadcast.PhaseLive, ListenerCount: 4}}
	router := setupBroadcastRouter(t, b)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/status", nil)
	router.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	state := response["state"].(map[string]interface{})
	assert.Equal(t, "live", state["phase"])
	assert.Equal(t, float64(4), state["listenerCount"])
}
