package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter *domain.Address
}

func (c *client) wants(e domain.Event) bool {
	if c.filter == nil {
		return true
	}
	return (e.Trader != nil && *e.Trader == *c.filter) || (e.Copier != nil && *e.Copier == *c.filter)
}

// Hub streams committed events to websocket clients. A client that cannot
// keep up is disconnected rather than slowing the others down.
type Hub struct {
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*client]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Publish(_ context.Context, events []domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		var msg []byte
		for c := range h.clients {
			if !c.wants(e) {
				continue
			}
			if msg == nil {
				var err error
				if msg, err = json.Marshal(e); err != nil {
					return err
				}
			}
			select {
			case c.send <- msg:
			default:
				h.logger.Warn("Websocket client too slow, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
				h.removeLocked(c)
			}
		}
	}
	return nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ServeWS upgrades the request and streams events touching filter, or every
// event when filter is nil.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, filter *domain.Address) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump only handles control frames; clients do not send data.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
