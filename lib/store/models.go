package store

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a registry: addresses or transactions.
type Kind string

// Registry kinds.
const (
	AddressKind     Kind = "address"
	TransactionKind Kind = "transaction"
)

// KeyField returns the name of the key attribute of the registry entries, "address" or "hash".
func (k Kind) KeyField() string {
	if k == TransactionKind {
		return "hash"
	}

	return "address"
}

// Entry is an address or transaction of a registry. Counter is incremented on every reference to Key.
type Entry struct {
	ID      string
	Kind    Kind
	Key     string
	Counter int64
}

type addressJSON struct {
	Address string `json:"address"`
	Counter int64  `json:"counter"`
}

type transactionJSON struct {
	Hash    string `json:"hash"`
	Counter int64  `json:"counter"`
}

// MarshalJSON renders the entry as {"address":..,"counter":..} or {"hash":..,"counter":..}.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Kind == TransactionKind {
		return json.Marshal(transactionJSON{Hash: e.Key, Counter: e.Counter})
	}

	return json.Marshal(addressJSON{Address: e.Key, Counter: e.Counter})
}

// UnmarshalJSON reads either shape written by MarshalJSON.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var v struct {
		Address *string `json:"address"`
		Hash    *string `json:"hash"`
		Counter int64   `json:"counter"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch {
	case v.Hash != nil:
		e.Kind, e.Key = TransactionKind, *v.Hash
	case v.Address != nil:
		e.Kind, e.Key = AddressKind, *v.Address
	default:
		return fmt.Errorf("entry has neither address nor hash: %s", b)
	}

	e.Counter = v.Counter

	return nil
}

// User is a registered account. Only name and email are rendered.
type User struct {
	ID           string `json:"-"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
}

// Subscription links a user with either an address or a transaction. References are resolved on read.
type Subscription struct {
	ID          string `json:"id"`
	User        *User  `json:"user"`
	Address     *Entry `json:"address"`
	Transaction *Entry `json:"transaction"`
}

// NewSubscription is the input to Subscriptions.Create. Exactly one of AddressID and TransactionID is set.
type NewSubscription struct {
	UserID        string
	AddressID     string
	TransactionID string
}

// Target returns the kind and id of the referenced registry entry.
func (n NewSubscription) Target() (Kind, string) {
	if n.TransactionID != "" {
		return TransactionKind, n.TransactionID
	}

	return AddressKind, n.AddressID
}
