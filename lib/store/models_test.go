package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryJSON(t *testing.T) {
	b, err := json.Marshal(Entry{ID: "1", Kind: AddressKind, Key: "1abc", Counter: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"address":"1abc","counter":3}`, string(b))

	b, err = json.Marshal(Entry{ID: "2", Kind: TransactionKind, Key: "f00", Counter: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hash":"f00","counter":1}`, string(b))

	var e Entry
	require.NoError(t, json.Unmarshal(b, &e))
	assert.Equal(t, Entry{Kind: TransactionKind, Key: "f00", Counter: 1}, e)

	assert.Error(t, json.Unmarshal([]byte(`{"counter":1}`), &e))
}

func TestSubscriptionJSON(t *testing.T) {
	s := Subscription{
		ID:          "s1",
		User:        &User{ID: "u1", Name: "A", Email: "a@x.com", PasswordHash: "secret"},
		Transaction: &Entry{Kind: TransactionKind, Key: "f00", Counter: 2},
	}

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":"s1","user":{"name":"A","email":"a@x.com"},"address":null,"transaction":{"hash":"f00","counter":2}}`,
		string(b))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "address", AddressKind.KeyField())
	assert.Equal(t, "hash", TransactionKind.KeyField())

	k, id := NewSubscription{UserID: "u", TransactionID: "t"}.Target()
	assert.Equal(t, TransactionKind, k)
	assert.Equal(t, "t", id)

	k, id = NewSubscription{UserID: "u", AddressID: "a"}.Target()
	assert.Equal(t, AddressKind, k)
	assert.Equal(t, "a", id)
}
