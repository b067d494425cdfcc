package handlers

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/progress"
)

const (
	// eventBuffer bounds how far a slow client may lag before
	// events are dropped.
	eventBuffer   = 64
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// EventsHandler streams a session's progress events over WebSocket.
type EventsHandler struct {
	registry *progress.Registry
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewEventsHandler creates the WebSocket event streamer.
func NewEventsHandler(registry *progress.Registry, logger *logrus.Logger) *EventsHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventsHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream upgrades the connection and forwards session events until
// the client disconnects or the session's bus is detached.
// GET /api/v1/debates/:id/events
func (h *EventsHandler) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	bus, ok := h.registry.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	log := h.logger.WithField("session_id", sessionID)

	// The bus dispatches synchronously, so the listener only hands
	// the event to the writer goroutine. Overflow drops rather than
	// stalling the emitter.
	events := make(chan *progress.Event, eventBuffer)
	var dropped atomic.Int64
	subID := bus.Subscribe(func(e *progress.Event) {
		select {
		case events <- e:
		default:
			dropped.Add(1)
		}
	})

	done := make(chan struct{})

	// Read pump; the only inbound traffic expected is the close
	// handshake and pong frames.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		bus.Unsubscribe(subID)
		conn.Close()
		if n := dropped.Load(); n > 0 {
			log.WithField("dropped", n).Warn("Dropped events for slow WebSocket client")
		}
	}()

	// Replay history so late subscribers see the full story. An event
	// emitted between Subscribe and History lands in both; the
	// replayed-ID set filters the channel copy.
	replayed := make(map[string]struct{})
	for _, e := range bus.History() {
		replayed[e.ID] = struct{}{}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			if _, seen := replayed[e.ID]; seen {
				delete(replayed, e.ID)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
