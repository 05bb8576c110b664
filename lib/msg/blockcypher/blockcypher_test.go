package blockcypher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/blocksub/lib/msg"
)

// mockSocket simulates the BlockCypher socket: it records every frame received and lets the test push frames to the
// current connection.
type mockSocket struct {
	t        *testing.T
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
	tokens   []string
	received chan string
}

func newMockSocket(t *testing.T) (*mockSocket, *httptest.Server) {
	t.Helper()

	m := &mockSocket{t: t, received: make(chan string, 100)}
	ts := httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(ts.Close)

	return m, ts
}

func (m *mockSocket) serve(w http.ResponseWriter, r *http.Request) {
	c, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, c)
	m.tokens = append(m.tokens, r.URL.Query().Get("token"))
	m.mu.Unlock()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		m.received <- string(data)
	}
}

func (m *mockSocket) conn(i int) *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i >= len(m.conns) {
		return nil
	}

	return m.conns[i]
}

func (m *mockSocket) waitConn(i int) *websocket.Conn {
	var c *websocket.Conn

	require.Eventually(m.t, func() bool {
		c = m.conn(i)

		return c != nil
	}, 5*time.Second, 10*time.Millisecond)

	return c
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/btc/main"
}

// next returns the next received frame that is not a ping.
func (m *mockSocket) next() string {
	for {
		select {
		case s := <-m.received:
			if s != string(pingFrame) {
				return s
			}
		case <-time.After(5 * time.Second):
			m.t.Fatal("no frame received")
		}
	}
}

func TestFeed(t *testing.T) {
	m, ts := newMockSocket(t)

	f, err := Dial(context.Background(), wsURL(ts), "tok", 0)
	require.NoError(t, err)

	server := m.waitConn(0)
	assert.Equal(t, "tok", m.tokens[0])

	require.NoError(t, f.Subscribe(msg.TxRequest("f00")))
	assert.JSONEq(t, `{"event":"tx-confirmation","hash":"f00"}`, m.next())

	require.NoError(t, f.Subscribe(msg.AddressRequest("1abc")))
	assert.JSONEq(t, `{"event":"tx-confirmation","address":"1abc"}`, m.next())

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"hash":"f00","confirmations":1}`)))

	select {
	case n := <-f.Notifications():
		assert.JSONEq(t, `{"hash":"f00","confirmations":1}`, string(n))
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	require.NoError(t, f.Close())

	// closed feeds refuse writes and close their channel
	assert.ErrorIs(t, f.Subscribe(msg.TxRequest("f00")), msg.ErrClosed)

	_, ok := <-f.Notifications()
	assert.False(t, ok)
	assert.NoError(t, f.Close())
}

func TestFeedPing(t *testing.T) {
	m, ts := newMockSocket(t)

	f, err := Dial(context.Background(), wsURL(ts), "", 20*time.Millisecond)
	require.NoError(t, err)

	defer f.Close()

	select {
	case s := <-m.received:
		assert.Equal(t, string(pingFrame), s)
	case <-time.After(5 * time.Second):
		t.Fatal("no ping")
	}

	assert.Equal(t, "", m.tokens[0])
}

func TestFeedReconnects(t *testing.T) {
	m, ts := newMockSocket(t)

	f, err := Dial(context.Background(), wsURL(ts), "", 0)
	require.NoError(t, err)

	defer f.Close()

	// drop the first connection
	require.NoError(t, m.waitConn(0).Close())

	second := m.waitConn(1)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"after":"reconnect"}`)))

	select {
	case n := <-f.Notifications():
		assert.JSONEq(t, `{"after":"reconnect"}`, string(n))
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after reconnect")
	}

	// the notification was read from the new connection, so writes go there too
	require.NoError(t, f.Subscribe(msg.TxRequest("f01")))
	assert.JSONEq(t, `{"event":"tx-confirmation","hash":"f01"}`, m.next())
}

func TestDialFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/v1/btc/main", "", 0)
	assert.Error(t, err)

	_, err = Dial(ctx, "://bad", "", 0)
	assert.Error(t, err)
}
