package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/blocksub/lib/auth"
	"github.com/tarancss/blocksub/lib/block/blockcypher"
	"github.com/tarancss/blocksub/lib/errs"
	"github.com/tarancss/blocksub/lib/msg"
	"github.com/tarancss/blocksub/lib/store"
	"github.com/tarancss/blocksub/lib/store/memory"
	"github.com/tarancss/blocksub/relay"
)

// fakeFeed is an in memory msg.Feed.
type fakeFeed struct {
	in   chan []byte
	mu   sync.Mutex
	reqs []msg.Request
	err  error
	once sync.Once
}

func (f *fakeFeed) Subscribe(r msg.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.reqs = append(f.reqs, r)

	return nil
}

func (f *fakeFeed) requests() []msg.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]msg.Request(nil), f.reqs...)
}

func (f *fakeFeed) Notifications() <-chan []byte { return f.in }

func (f *fakeFeed) Close() error {
	f.once.Do(func() { close(f.in) })

	return nil
}

// fakeInfo answers lookups from fixed bodies. Keys starting with "bad" are upstream errors, "down" is a failure.
type fakeInfo struct{}

func (fakeInfo) lookup(key string) (json.RawMessage, error) {
	switch {
	case strings.HasPrefix(key, "bad"):
		return nil, errs.NewUpstream("Unable to find "+key, nil)
	case key == "down":
		return nil, errs.NewInternal(blockcypher.UnexpectedMessage, errors.New("connection refused"))
	}

	return json.RawMessage(fmt.Sprintf(`{"key":%q,"balance":42}`, key)), nil
}

func (f fakeInfo) AddressInfo(_ context.Context, address string) (json.RawMessage, error) {
	return f.lookup(address)
}

func (f fakeInfo) TransactionInfo(_ context.Context, hash string) (json.RawMessage, error) {
	return f.lookup(hash)
}

type fixture struct {
	db   *memory.Memory
	feed *fakeFeed
	srv  *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{db: memory.New(), feed: &fakeFeed{in: make(chan []byte)}}
	s := New(f.db, fakeInfo{}, f.feed, auth.NewTokens("test-secret", time.Minute))
	s.start()

	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(func() {
		f.srv.Close()
		s.Stop()
	})

	return f
}

// do makes a request and returns status code and body.
func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()

	var rd io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		j, err := json.Marshal(b)
		require.NoError(t, err)

		rd = bytes.NewReader(j)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res.StatusCode, b
}

func (f *fixture) register(t *testing.T, email string) string {
	t.Helper()

	code, b := f.do(t, http.MethodPost, "/auth/register", "", auth.RegisterRequest{Email: email, Name: "A", Password: "p"})
	require.Equal(t, http.StatusCreated, code, string(b))

	var s auth.Session
	require.NoError(t, json.Unmarshal(b, &s))

	return s.AuthToken
}

func errorBody(t *testing.T, b []byte) errs.Body {
	t.Helper()

	var e errs.Body
	require.NoError(t, json.Unmarshal(b, &e), string(b))

	return e
}

func TestHomeAndHealth(t *testing.T) {
	f := setup(t)

	code, b := f.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"body":"`+Welcome+`"}`, string(b))

	code, b = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"healthy","clients":0}`, string(b))

	code, _ = f.do(t, http.MethodPost, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestUnmatchedRoutes(t *testing.T) {
	f := setup(t)

	code, b := f.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, errs.Body{StatusCode: 404, Message: "Cannot GET /nope", Error: "Not Found"}, errorBody(t, b))

	code, b = f.do(t, http.MethodDelete, "/addresses", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, errs.Body{StatusCode: 405, Message: "Cannot DELETE /addresses", Error: "Method Not Allowed"},
		errorBody(t, b))

	// protected routes answer 404 before checking the token
	code, b = f.do(t, http.MethodGet, "/blockchain/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Cannot GET /blockchain/nope", errorBody(t, b).Message)
}

func TestRegisterAndLogin(t *testing.T) {
	f := setup(t)

	code, b := f.do(t, http.MethodPost, "/auth/register", "",
		auth.RegisterRequest{Email: "a@x.com", Name: "A", Password: "p"})
	require.Equal(t, http.StatusCreated, code)

	var s auth.Session
	require.NoError(t, json.Unmarshal(b, &s))
	assert.Equal(t, "A", s.Name)
	assert.Equal(t, "a@x.com", s.Email)
	assert.NotEmpty(t, s.AuthToken)

	code, b = f.do(t, http.MethodPost, "/auth/register", "",
		auth.RegisterRequest{Email: "a@x.com", Name: "A", Password: "p"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errs.Body{StatusCode: 400, Message: auth.MsgUserExists, Error: "Bad Request"}, errorBody(t, b))

	code, b = f.do(t, http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "a@x.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, errs.Body{StatusCode: 401, Message: auth.MsgInvalidCredentials, Error: "Unauthorized"}, errorBody(t, b))

	code, b = f.do(t, http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "nobody@x.com", Password: "p"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, auth.MsgInvalidCredentials, errorBody(t, b).Message)

	code, b = f.do(t, http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "a@x.com", Password: "p"})
	require.Equal(t, http.StatusCreated, code)
	require.NoError(t, json.Unmarshal(b, &s))
	assert.NotEmpty(t, s.AuthToken)
}

func TestValidation(t *testing.T) {
	f := setup(t)

	code, b := f.do(t, http.MethodPost, "/auth/register", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"statusCode":400,"error":"Bad Request","message":[
		"email should not be empty","name should not be empty","password should not be empty"]}`, string(b))

	code, b = f.do(t, http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "x", Password: "p"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"statusCode":400,"error":"Bad Request","message":["email must be an email"]}`, string(b))

	code, b = f.do(t, http.MethodPost, "/auth/login", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, MsgInvalidBody, errorBody(t, b).Message)

	code, b = f.do(t, http.MethodGet, "/blockchain/transaction", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"statusCode":400,"error":"Bad Request","message":["hash should not be empty"]}`, string(b))

	tok := f.register(t, "v@x.com")
	code, b = f.do(t, http.MethodPost, "/blockchain/address/subscribe", tok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{"statusCode":400,"error":"Bad Request","message":["address should not be empty"]}`, string(b))
}

func TestTopLists(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	code, b := f.do(t, http.MethodGet, "/addresses", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(b))

	// address i is referenced i+1 times
	for i := 0; i < 6; i++ {
		for j := 0; j <= i; j++ {
			_, err := f.db.Addresses().CreateOrIncrement(ctx, fmt.Sprintf("addr%d", i))
			require.NoError(t, err)
		}
	}

	code, b = f.do(t, http.MethodGet, "/addresses", "", nil)
	assert.Equal(t, http.StatusOK, code)

	var top []store.Entry
	require.NoError(t, json.Unmarshal(b, &top))
	require.Len(t, top, store.TopLimit)

	for i, e := range top {
		assert.Equal(t, fmt.Sprintf("addr%d", 5-i), e.Key)
		assert.Equal(t, int64(6-i), e.Counter)
	}

	_, err := f.db.Transactions().CreateOrIncrement(ctx, "tx1")
	require.NoError(t, err)

	code, b = f.do(t, http.MethodGet, "/transactions", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[{"hash":"tx1","counter":1}]`, string(b))
}

func TestLookups(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	code, b := f.do(t, http.MethodGet, "/blockchain/address?address=a1", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"key":"a1","balance":42}`, string(b))

	assert.Eventually(t, func() bool {
		e, err := f.db.Addresses().FindByKey(ctx, "a1")

		return err == nil && e.Counter == 1
	}, time.Second, 10*time.Millisecond)

	code, _ = f.do(t, http.MethodGet, "/blockchain/transaction?hash=h1", "", nil)
	assert.Equal(t, http.StatusOK, code)

	assert.Eventually(t, func() bool {
		e, err := f.db.Transactions().FindByKey(ctx, "h1")

		return err == nil && e.Counter == 1
	}, time.Second, 10*time.Millisecond)

	code, b = f.do(t, http.MethodGet, "/blockchain/address?address=bad1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, errs.Body{StatusCode: 400, Message: "Unable to find bad1", Error: "Bad Request"}, errorBody(t, b))

	code, b = f.do(t, http.MethodGet, "/blockchain/transaction?hash=down", "", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, errs.Body{StatusCode: 500, Message: blockcypher.UnexpectedMessage, Error: "Internal Server Error"},
		errorBody(t, b))

	// failed lookups are not counted
	_, err := f.db.Addresses().FindByKey(ctx, "bad1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.db.Transactions().FindByKey(ctx, "down")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscriptionsRequireAuth(t *testing.T) {
	f := setup(t)

	unauthorized := errs.Body{StatusCode: 401, Message: auth.MsgUnauthorized, Error: "Unauthorized"}

	for _, c := range []struct{ method, path, token string }{
		{http.MethodPost, "/blockchain/transaction/subscribe", ""},
		{http.MethodPost, "/blockchain/transaction/unsubscribe", ""},
		{http.MethodPost, "/blockchain/address/subscribe", "not.a.token"},
		{http.MethodPost, "/blockchain/address/unsubscribe", ""},
		{http.MethodGet, "/subscriptions", "garbage"},
	} {
		code, b := f.do(t, c.method, c.path, c.token, map[string]string{"hash": "h", "address": "a"})
		assert.Equal(t, http.StatusUnauthorized, code, c.path)
		assert.Equal(t, unauthorized, errorBody(t, b), c.path)
	}

	assert.Empty(t, f.feed.requests())
}

func TestSubscribeTransaction(t *testing.T) {
	f := setup(t)
	tok := f.register(t, "a@x.com")

	code, b := f.do(t, http.MethodPost, "/blockchain/transaction/subscribe", tok, HashRequest{Hash: "h1"})
	require.Equal(t, http.StatusCreated, code, string(b))

	var first store.Subscription
	require.NoError(t, json.Unmarshal(b, &first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, &store.User{Name: "A", Email: "a@x.com"}, first.User)
	assert.Nil(t, first.Address)
	require.NotNil(t, first.Transaction)
	assert.Equal(t, "h1", first.Transaction.Key)
	assert.Equal(t, int64(1), first.Transaction.Counter)

	// subscribing again returns the same subscription
	code, b = f.do(t, http.MethodPost, "/blockchain/transaction/subscribe", tok, HashRequest{Hash: "h1"})
	require.Equal(t, http.StatusCreated, code)

	var second store.Subscription
	require.NoError(t, json.Unmarshal(b, &second))
	assert.Equal(t, first.ID, second.ID)

	assert.Contains(t, f.feed.requests(), msg.TxRequest("h1"))

	code, b = f.do(t, http.MethodGet, "/subscriptions", tok, nil)
	require.Equal(t, http.StatusOK, code)

	var subs []store.Subscription
	require.NoError(t, json.Unmarshal(b, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, first.ID, subs[0].ID)

	code, b = f.do(t, http.MethodPost, "/blockchain/transaction/unsubscribe", tok, HashRequest{Hash: "h1"})
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "true", strings.TrimSpace(string(b)))

	code, b = f.do(t, http.MethodGet, "/subscriptions", tok, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(b))
}

func TestSubscribeAddress(t *testing.T) {
	f := setup(t)
	tok := f.register(t, "a@x.com")
	other := f.register(t, "b@x.com")

	code, b := f.do(t, http.MethodPost, "/blockchain/address/subscribe", tok, AddressRequest{Address: "a1"})
	require.Equal(t, http.StatusCreated, code, string(b))

	var sub store.Subscription
	require.NoError(t, json.Unmarshal(b, &sub))
	assert.Nil(t, sub.Transaction)
	require.NotNil(t, sub.Address)
	assert.Equal(t, "a1", sub.Address.Key)
	assert.Contains(t, f.feed.requests(), msg.AddressRequest("a1"))

	// subscriptions are listed per user
	code, b = f.do(t, http.MethodGet, "/subscriptions", other, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(b))

	// never referenced addresses unsubscribe fine
	code, b = f.do(t, http.MethodPost, "/blockchain/address/unsubscribe", tok, AddressRequest{Address: "never"})
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "true", strings.TrimSpace(string(b)))

	code, b = f.do(t, http.MethodPost, "/blockchain/address/unsubscribe", tok, AddressRequest{Address: "a1"})
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "true", strings.TrimSpace(string(b)))
}

func TestSubscribeRelayFailure(t *testing.T) {
	f := setup(t)
	tok := f.register(t, "a@x.com")

	f.feed.mu.Lock()
	f.feed.err = errors.New("socket closed")
	f.feed.mu.Unlock()

	code, b := f.do(t, http.MethodPost, "/blockchain/transaction/subscribe", tok, HashRequest{Hash: "h1"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, errs.Body{StatusCode: 500, Message: "Unable to subscribe to the transaction h1.",
		Error: "Internal Server Error"}, errorBody(t, b))

	// nothing was written
	_, err := f.db.Transactions().FindByKey(context.Background(), "h1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWebSocketWelcome(t *testing.T) {
	f := setup(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	defer conn.Close()
	defer res.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var m relay.Message
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, relay.EventPushNotification, m.Event)
	assert.Equal(t, relay.Welcome, m.Data)

	// upstream notifications are relayed verbatim
	f.feed.in <- []byte(`{"hash":"h1","confirmations":1}`)

	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, map[string]interface{}{"hash": "h1", "confirmations": float64(1)}, m.Data)
}
