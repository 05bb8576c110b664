package relay

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/metrics"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is a connected WebSocket client. Messages are queued in send and written by its own goroutine.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{ID: uuid.New().String(), conn: conn, send: make(chan []byte, sendBuffer)}
}

// Hub keeps the set of connected clients and fans out broadcasts to them. The set is only modified by Run.
type Hub struct {
	clients    mapset.Set[*Client]
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub returns a hub. It must be started with Run.
func NewHub() *Hub {
	return &Hub{
		clients:    mapset.NewSet[*Client](),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients.Add(c)
			metrics.Clients.Inc()
			log.WithField("client", c.ID).Info("Client connected")

		case c := <-h.unregister:
			if h.clients.Contains(c) {
				h.clients.Remove(c)
				close(c.send)
				metrics.Clients.Dec()
				log.WithField("client", c.ID).Info("Client disconnected")
			}

		case m := <-h.broadcast:
			h.clients.Each(func(c *Client) bool {
				select {
				case c.send <- m:
				default:
					metrics.Dropped.WithLabelValues(metrics.ReasonSlowClient).Inc()
					log.WithField("client", c.ID).Warn("Client send buffer full, dropping message")
				}

				return false
			})

		case <-ctx.Done():
			h.clients.Each(func(c *Client) bool {
				close(c.send)
				metrics.Clients.Dec()

				return false
			})
			h.clients.Clear()

			return
		}
	}
}

// Register adds c to the hub. It returns false if the hub is stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues m for every connected client. Clients with a full buffer miss it.
func (h *Hub) Broadcast(m []byte) {
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	return h.clients.Cardinality()
}

// writePump writes queued messages and pings to the connection. It closes the connection when send is closed or a
// write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case m, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and returns when the connection is closed.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("client", c.ID).Debug("Client read error")
			}

			return
		}
	}
}
