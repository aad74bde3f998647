package api

import (
	"net/http"
	"time"

	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope streamed to WebSocket clients
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// wsClient serializes all writes to one connection through a send
// channel so event callbacks and the log tap never interleave frames.
type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
	done chan struct{}
}

func (c *wsClient) enqueue(msg wsMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Slow consumer: drop rather than stall the bus.
	}
}

// Write adapts the client to a log tap target
func (c *wsClient) Write(p []byte) (int, error) {
	record := make([]byte, len(p))
	copy(record, p)
	c.enqueue(wsMessage{Type: "log", Payload: string(record)})
	return len(p), nil
}

// handleWebSocket streams bus events and framework log records to the
// client as JSON messages.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan wsMessage, wsSendBuffer),
		done: make(chan struct{}),
	}

	sub := s.sched.Bus().Subscribe("*", "*", func(e *event.Event) error {
		client.enqueue(wsMessage{Type: "event", Payload: gin.H{
			"id":        e.ID,
			"name":      e.Name,
			"payload":   e.Payload,
			"timestamp": e.Timestamp,
			"channel":   e.Channel,
		}})
		return nil
	}, "ws:"+conn.RemoteAddr().String(), true)
	log.AddTap(client)

	cleanup := func() {
		s.sched.Bus().Unsubscribe(sub)
		log.RemoveTap(client)
		close(client.done)
		conn.Close() //nolint:errcheck
	}

	go client.writeLoop()

	// Read loop: the client may send pings or close; everything else is
	// ignored.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (c *wsClient) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
