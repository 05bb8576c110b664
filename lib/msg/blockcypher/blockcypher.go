// Package blockcypher implements msg.Feed over the BlockCypher WebSocket API. One connection is kept open for the
// life of the feed and redialed when it breaks.
package blockcypher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/msg"
)

const (
	writeWait    = 10 * time.Second
	dialAttempts = 5
	bufferSize   = 256
)

// pingFrame keeps the upstream connection alive.
var pingFrame = []byte(`{"event":"ping"}`)

// Feed implements msg.Feed. Writes are serialized, a websocket connection supports one concurrent writer.
type Feed struct {
	url    string
	ping   time.Duration
	dialer *websocket.Dialer

	mu   sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Dial connects to socketURL, ie. wss://socket.blockcypher.com/v1/btc/main, authenticating with token if not empty.
// A keep-alive ping is sent every ping interval, none if ping is 0.
func Dial(ctx context.Context, socketURL, token string, ping time.Duration) (*Feed, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("invalid socket url %s: %w", socketURL, err)
	}

	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	f := &Feed{
		url:    u.String(),
		ping:   ping,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		out:    make(chan []byte, bufferSize),
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())

	conn, err := f.dial(ctx)
	if err != nil {
		f.cancel()

		return nil, err
	}

	f.conn = conn
	log.WithField("url", socketURL).Info("Connected to notification feed")

	f.wg.Add(1)

	go f.readLoop(conn)

	if ping > 0 {
		f.wg.Add(1)

		go f.pingLoop()
	}

	return f, nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn

	err := retry.Do(
		func() error {
			c, resp, err := f.dialer.DialContext(ctx, f.url, nil)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}

			if err != nil {
				return err
			}

			conn = c

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(dialAttempts),
		retry.Delay(500*time.Millisecond), //nolint:gomnd // initial backoff
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Feed dial attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to notification feed: %w", err)
	}

	return conn, nil
}

// readLoop pushes inbound frames to out. When the connection breaks it redials until the feed is closed.
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	defer close(f.out)

	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			select {
			case f.out <- data:
			case <-f.ctx.Done():
				return
			}

			continue
		}

		if f.ctx.Err() != nil {
			return
		}

		log.WithError(err).Warn("Notification feed connection lost, reconnecting")

		if conn = f.reconnect(); conn == nil {
			return
		}
	}
}

// reconnect replaces the broken connection. It returns nil when the feed is closed meanwhile.
func (f *Feed) reconnect() *websocket.Conn {
	for {
		conn, err := f.dial(f.ctx)
		if err == nil {
			f.mu.Lock()
			if f.ctx.Err() != nil {
				f.mu.Unlock()
				_ = conn.Close()

				return nil
			}

			old := f.conn
			f.conn = conn
			f.mu.Unlock()

			_ = old.Close()

			log.Info("Reconnected to notification feed")

			return conn
		}

		if f.ctx.Err() != nil {
			return nil
		}

		log.WithError(err).Error("Cannot reconnect to notification feed")
	}
}

func (f *Feed) pingLoop() {
	defer f.wg.Done()

	t := time.NewTicker(f.ping)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := f.write(pingFrame); err != nil {
				log.WithError(err).Debug("Feed ping failed")
			}
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Feed) write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ctx.Err() != nil {
		return msg.ErrClosed
	}

	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return f.conn.WriteMessage(websocket.TextMessage, b)
}

// Subscribe sends the subscribe request upstream.
func (f *Feed) Subscribe(r msg.Request) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"hash": r.Hash, "address": r.Address}).Info("Subscribing upstream")

	return f.write(b)
}

// Notifications returns the inbound frames.
func (f *Feed) Notifications() <-chan []byte {
	return f.out
}

// Close sends a close frame, closes the connection and waits for the feed goroutines to end.
func (f *Feed) Close() error {
	var err error

	f.once.Do(func() {
		f.mu.Lock()
		f.cancel()
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = f.conn.Close()
		f.mu.Unlock()

		f.wg.Wait()
	})

	return err
}
