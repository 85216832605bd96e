package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/logextract/backend/internal/bus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 256
)

// WSMessage is one pipeline event serialized for the frontend.
type WSMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// WebSocketHandler bridges the event bus onto WebSocket connections so
// the frontend can follow scans and uploads live.
type WebSocketHandler struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the event-stream handler.
func NewWebSocketHandler(b *bus.Bus) *WebSocketHandler {
	return &WebSocketHandler{
		bus: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Local tool; the API is not exposed beyond the operator's machine.
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
		},
	}
}

// HandleWebSocket upgrades the connection and forwards every bus event
// until the client goes away. A slow client drops events rather than
// blocking publishers; the durable state lives in the data manager, not
// the event stream.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrading connection: %w", err)
	}

	send := make(chan WSMessage, wsSendBuffer)
	subs := wsh.bus.SubscribeAll(func(ev bus.Event) {
		msg := WSMessage{
			Type:      string(ev.Type),
			Payload:   ev.Payload,
			Timestamp: ev.Time.UnixMilli(),
		}
		select {
		case send <- msg:
		default:
			// Buffer full; the client is too slow to follow.
		}
	})
	defer func() {
		for _, sub := range subs {
			wsh.bus.Unsubscribe(sub)
		}
		ws.Close()
	}()

	// Reader goroutine: we only care about the close signal.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case msg := <-send:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				return nil
			}
		}
	}
}
