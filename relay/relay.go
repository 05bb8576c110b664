// Package relay keeps one connection to the upstream notification feed and broadcasts every notification to all
// connected WebSocket clients.
package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/metrics"
	"github.com/tarancss/blocksub/lib/msg"
)

// EventPushNotification is the event of every message sent to clients.
const EventPushNotification = "push_notification"

// Welcome is broadcast to all clients whenever a client connects.
const Welcome = "Welcome to the API Socket Server 🚀"

// Message is the frame sent to clients.
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Relay owns the upstream feed and the client hub.
type Relay struct {
	feed     msg.Feed
	hub      *Hub
	upgrader websocket.Upgrader
}

// New returns a relay for feed. Run must be called to start relaying.
func New(feed msg.Feed) *Relay {
	return &Relay{
		feed: feed,
		hub:  NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients connect from any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the hub and broadcasts the feed notifications until ctx is done or the feed is closed. Invalid JSON
// frames are dropped.
func (r *Relay) Run(ctx context.Context) {
	go r.hub.Run(ctx)

	in := r.feed.Notifications()

	for {
		select {
		case frame, ok := <-in:
			if !ok {
				log.Info("Notification feed closed")

				return
			}

			r.relay(frame)

		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) relay(frame []byte) {
	if !json.Valid(frame) {
		metrics.Dropped.WithLabelValues(metrics.ReasonInvalid).Inc()
		log.WithField("frame", string(frame)).Warn("Dropping invalid notification")

		return
	}

	log.WithField("clients", r.hub.Len()).Debug("Relaying notification")
	metrics.Notifications.Inc()
	r.broadcast(json.RawMessage(frame))
}

func (r *Relay) broadcast(data interface{}) {
	b, err := json.Marshal(Message{Event: EventPushNotification, Data: data})
	if err != nil {
		log.WithError(err).Error("Cannot encode message")

		return
	}

	r.hub.Broadcast(b)
}

// Subscribe sends the subscribe request upstream. It does not wait for any confirmation.
func (r *Relay) Subscribe(req msg.Request) error {
	if err := r.feed.Subscribe(req); err != nil {
		metrics.SubscribeFailures.Inc()

		return err
	}

	return nil
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	return r.hub.Len()
}

// ServeWS upgrades the request to a WebSocket client of the relay and welcomes it with a broadcast to all clients.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// the upgrader already replied
		log.WithError(err).Warn("WebSocket upgrade failed")

		return
	}

	c := newClient(conn)
	if !r.hub.Register(c) {
		_ = conn.Close()

		return
	}

	go c.writePump()

	r.broadcast(Welcome)

	c.readPump()
	r.hub.Unregister(c)
}
