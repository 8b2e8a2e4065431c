// Package events broadcasts committed ledger results to WebSocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/folio/ledger-service/internal/metrics"
	"github.com/folio/ledger-service/internal/model"
)

// Message types.
const (
	TypeTradeExecuted    = "trade_executed"
	TypeTransferExecuted = "transfer_executed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type        string                `json:"type"`
	UserID      string                `json:"user_id"`
	CashBalance string                `json:"cash_balance"`
	Trade       *model.TradeRecord    `json:"trade,omitempty"`
	Transfer    *model.TransferRecord `json:"transfer,omitempty"`
	Holding     *model.Holding        `json:"holding,omitempty"`
}

type envelope struct {
	userID string
	data   []byte
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string // empty subscribes to every user
}

// Hub manages WebSocket connections and fans ledger events out to them.
// Publishing never blocks the caller: when the hub's buffer is full the
// event is dropped, and a client that cannot keep up is disconnected.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and blocks until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "user", c.userID, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != "" && c.userID != env.userID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					h.logger.Warn("ws client too slow, disconnecting", "user", c.userID)
					h.drop(c)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop removes c; the caller holds h.mu.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishTrade announces a committed trade.
func (h *Hub) PublishTrade(r model.TradeResult) {
	trade, holding := r.Trade, r.Holding
	h.publish(Message{
		Type:        TypeTradeExecuted,
		UserID:      trade.UserID,
		CashBalance: r.CashBalance.String(),
		Trade:       &trade,
		Holding:     &holding,
	})
}

// PublishTransfer announces a committed transfer.
func (h *Hub) PublishTransfer(r model.TransferResult) {
	transfer := r.Transfer
	h.publish(Message{
		Type:        TypeTransferExecuted,
		UserID:      transfer.UserID,
		CashBalance: r.CashBalance.String(),
		Transfer:    &transfer,
	})
}

func (h *Hub) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{userID: msg.UserID, data: data}:
	default:
		h.logger.Warn("ws broadcast buffer full, dropping event", "type", msg.Type, "user", msg.UserID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades GET /api/v1/ws. The optional user_id query parameter
// restricts the stream to one account.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: r.URL.Query().Get("user_id"),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects disconnects and keeps the read deadline fresh.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on c.conn.
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
				c.conn.WriteMessage(websocket.CloseMessage, nil)
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
