package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.symposium/internal/progress"
)

func dialEvents(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/debates/" + sessionID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *progress.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var e progress.Event
	require.NoError(t, conn.ReadJSON(&e))
	return &e
}

func TestEventsStreamReplaysHistory(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.engine)
	defer server.Close()

	id := createSession(t, f)
	defer f.service.CloseSession(id)

	conn := dialEvents(t, server, id)
	defer conn.Close()

	// The first replayed event is always session creation.
	e := readEvent(t, conn)
	assert.Equal(t, progress.EventSessionStarted, e.Type)
	assert.Equal(t, id, e.SessionID)
}

func TestEventsStreamForwardsLiveEvents(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.engine)
	defer server.Close()

	id := createSession(t, f)
	defer f.service.CloseSession(id)

	conn := dialEvents(t, server, id)
	defer conn.Close()

	// Drain replayed history up to an emitted marker event.
	bus, ok := f.registry.Get(id)
	require.True(t, ok)
	bus.Emit(progress.EventSessionStage, map[string]interface{}{"marker": true})

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "marker event never arrived")
		e := readEvent(t, conn)
		if e.Type == progress.EventSessionStage {
			if marked, _ := e.Payload["marker"].(bool); marked {
				return
			}
		}
	}
}

func TestEventsStreamNeverDuplicatesEvents(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.engine)
	defer server.Close()

	bus := f.registry.Attach("session-dup")
	defer f.registry.Detach("session-dup")

	for i := 0; i < 10; i++ {
		bus.Emit(progress.EventSubtaskUpdated, map[string]interface{}{"n": i})
	}

	// Keep emitting while the client connects, so some events land in
	// both the replayed history and the live channel.
	emitDone := make(chan struct{})
	go func() {
		defer close(emitDone)
		for i := 0; i < 50; i++ {
			bus.Emit(progress.EventSubtaskUpdated, map[string]interface{}{"n": i})
		}
	}()

	conn := dialEvents(t, server, "session-dup")
	defer conn.Close()

	<-emitDone
	marker := bus.Emit(progress.EventSessionCompleted, nil)

	seen := make(map[string]int)
	for {
		e := readEvent(t, conn)
		seen[e.ID]++
		require.Equal(t, 1, seen[e.ID], "event %s delivered twice", e.ID)
		if e.ID == marker.ID {
			break
		}
	}
}

func TestEventsStreamRejectsUnknownSession(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.engine)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/debates/missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
