package relay

import (
	"context"
	"log"
	"time"

	"github.com/mightymasai/legal-os-collab/internal/middleware"
	"github.com/mightymasai/legal-os-collab/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Conn is one live transport channel from an authenticated user to a
// document session. Outbound frames go through a buffered channel so a slow
// reader never blocks the session's merge loop.
type Conn struct {
	Info *models.Connection

	ws      *websocket.Conn
	send    chan []byte
	session *DocumentSession
}

// NewConn wraps an upgraded WebSocket connection. ws may be nil in tests
// that drive the session directly and read from the send queue.
func NewConn(info *models.Connection, ws *websocket.Conn) *Conn {
	return &Conn{
		Info: info,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
}

// trySend queues a frame without blocking. A full buffer means the client
// is too slow or gone; the caller decides whether to detach it.
func (c *Conn) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the WebSocket and routes them into the
// session. It owns the read side: on any read error the connection is
// detached and closed. Runs as its own goroutine per connection.
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		c.session.Detach(c.Info.ID)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.session.Heartbeat(c.Info.ID)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.Info.ID, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		kind, payload, err := models.SplitFrame(raw)
		if err != nil {
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "Relay.ProcessFrame",
			attribute.String("connection.id", c.Info.ID),
			attribute.String("document.id", c.Info.DocumentID),
			attribute.Int("frame.kind", int(kind)),
			attribute.Int("frame.size", len(raw)),
		)

		switch kind {
		case models.KindContentDelta:
			c.session.SubmitDelta(c.Info.ID, payload)
		case models.KindPresenceUpdate:
			c.session.SubmitPresence(c.Info.ID, payload)
		case models.KindFullSyncRequest:
			c.session.RequestFullSync(c.Info.ID)
		case models.KindHeartbeat:
			c.session.Heartbeat(c.Info.ID)
		default:
			// Unknown kinds are ignored so protocol additions stay
			// backwards compatible.
		}

		span.End()
		_ = msgCtx
	}
}

// WritePump drains the send queue onto the WebSocket and keeps the
// connection alive with pings. Each frame is one WebSocket message; frames
// are never coalesced, preserving the kind-byte framing. Runs as its own
// goroutine per connection.
func (c *Conn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
