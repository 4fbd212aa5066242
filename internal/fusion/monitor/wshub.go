package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/depth.fusion/internal/fusion"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only consume; inbound frames beyond control traffic are noise.
	maxMessageSize = 512

	// Per-client send buffer. A client that falls this far behind the
	// result stream is dropped rather than allowed to backpressure fusion.
	clientSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Debug surface on a trusted network; browsers hitting it cross-origin
	// is the normal case.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans fused results out to websocket subscribers. Register,
// unregister, and broadcast all flow through channels into the single Run
// goroutine that owns the client set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	clientCount atomic.Int64
	dropped     atomic.Int64
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, clientSendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run owns the client set until the context is cancelled. On shutdown every
// client's send channel is closed, which unwinds its write pump.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.clientCount.Store(0)
			return ctx.Err()
		case client := <-h.register:
			h.clients[client] = true
			h.clientCount.Add(1)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.clientCount.Add(-1)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					close(client.send)
					h.clientCount.Add(-1)
				}
			}
		}
	}
}

// BroadcastResult queues one fused result for all subscribers. The call
// never blocks; if the hub's intake is full the result is dropped and
// counted.
func (h *Hub) BroadcastResult(r *fusion.Result) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("ws broadcast marshal error: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// Dropped returns how many results were discarded because the hub intake
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Client is one websocket subscriber. The hub writes to send; writePump
// drains it to the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump discards inbound traffic and keeps the read side alive for
// control frames. It unregisters the client when the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read error: %v", err)
			}
			break
		}
	}
}

// writePump forwards queued results to the connection and pings on a
// timer. A closed send channel means the hub dropped this client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWS upgrades an HTTP request to a websocket subscription on the hub.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, clientSendBuffer)}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}
