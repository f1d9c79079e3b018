package hub

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/protocol"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxFrameSize    = 64 * 1024
	maxEventsPerSec = 20
	sendBufferSize  = 256

	// MaxConnsPerUser caps simultaneous sessions per logical user,
	// enforced when the session authenticates.
	MaxConnsPerUser = 8
)

// Client is one live transport session: a websocket connection with a
// buffered outbound queue. Its id doubles as the transport session id the
// registry binds to a user.
//
// The rooms set and userID field are owned by the hub's dispatcher
// goroutine; the pumps never touch them.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	userID string
	rooms  map[string]struct{}

	eventCount int
	lastReset  time.Time
}

// ServeWS upgrades the HTTP request and runs the connection's pumps. The
// first meaningful frame a client sends must be authenticate; nothing else
// is accepted for stateful operations before it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &Client{
		id:        uuid.New().String(),
		conn:      conn,
		hub:       h,
		send:      make(chan []byte, sendBufferSize),
		rooms:     make(map[string]struct{}),
		lastReset: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	slog.Info("WebSocket connected", "conn_id", client.id)

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		slog.Info("WebSocket disconnected", "conn_id", c.id)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if time.Since(c.lastReset) > time.Second {
			c.eventCount = 0
			c.lastReset = time.Now()
		}
		c.eventCount++
		if c.eventCount > maxEventsPerSec {
			slog.Warn("WebSocket rate limit exceeded", "conn_id", c.id)
			return
		}

		event, err := protocol.DecodeInbound(data)
		if err != nil {
			slog.Warn("Rejected inbound frame", "conn_id", c.id, "error", err)
			c.enqueue(protocol.EncodeError(protocol.ReasonValidation, err.Error()))
			continue
		}

		select {
		case c.hub.inbound <- inboundEvent{client: c, event: event}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue is a non-blocking send onto the outbound buffer. A slow or dead
// connection drops frames rather than stalling delivery to anyone else.
func (c *Client) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) closeWith(code int, reason string) {
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		// No configured origins means a development deployment; accept all.
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		normalized, ok := normalizeOrigin(origin)
		if !ok {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(a), normalized) {
				return true
			}
		}
		return false
	}
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
