package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"torrentresume/internal/metrics"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsReadLimit    = 512
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsClient is one websocket connection. send is closed by the hub when the
// client is dropped; writePump then closes the connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// statusHub fans typed JSON messages out to websocket clients. It remembers
// the last message of every type so a client that connects late starts from
// the current state instead of waiting for the next tick.
type statusHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	latest  map[string][]byte
	closed  bool
	logger  *slog.Logger
}

func newStatusHub(logger *slog.Logger) *statusHub {
	return &statusHub{
		clients: make(map[*wsClient]struct{}),
		latest:  make(map[string][]byte),
		logger:  logger,
	}
}

// attach registers client and queues the remembered messages for it. It
// reports false once the hub is closed.
func (h *statusHub) attach(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, msg := range h.latest {
		select {
		case client.send <- msg:
		default:
		}
	}
	h.clients[client] = struct{}{}
	h.updateGauge()
	h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
	return true
}

func (h *statusHub) detach(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.dropLocked(client)
	h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
}

// publish encodes data as a message of msgType and offers it to every client.
// A client whose buffer is full is disconnected rather than slowing the rest.
func (h *statusHub) publish(msgType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: raw})
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest[msgType] = payload
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.dropLocked(client)
			h.logger.Debug("ws client too slow, dropped")
		}
	}
}

func (h *statusHub) dropLocked(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
	h.updateGauge()
}

func (h *statusHub) updateGauge() {
	metrics.WSClients.Set(float64(len(h.clients)))
}

func (h *statusHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close sends a going-away frame to every client and disconnects it.
func (h *statusHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		if client.conn != nil {
			conns = append(conns, client.conn)
		}
		h.dropLocked(client)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	}
	h.logger.Debug("ws hub stopped", slog.Int("disconnected", len(conns)))
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input and detaches the client once the peer goes
// away or stops answering pings.
func (c *wsClient) readPump(h *statusHub) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
