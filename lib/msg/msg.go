// Package msg defines the interface to upstream notification feeds and the subscribe request sent to them.
package msg

import (
	"errors"
)

// EventTxConfirmation is the event of subscribe requests: notify confirmations of a transaction or of transactions
// involving an address.
const EventTxConfirmation = "tx-confirmation"

// Types of object of a subscribe request.
const (
	ADDRESS = 0
	TX      = 1
)

// ErrClosed is returned when using a closed feed.
var ErrClosed = errors.New("feed closed")

// Request is the subscribe control message sent upstream. Exactly one of Hash and Address is set.
type Request struct {
	Event   string `json:"event"`
	Hash    string `json:"hash,omitempty"`
	Address string `json:"address,omitempty"`
}

// TxRequest returns a subscribe request for the transaction hash.
func TxRequest(hash string) Request {
	return Request{Event: EventTxConfirmation, Hash: hash}
}

// AddressRequest returns a subscribe request for address.
func AddressRequest(address string) Request {
	return Request{Event: EventTxConfirmation, Address: address}
}

// Object returns the type of object and the object of the request.
func (r Request) Object() (int, string) {
	if r.Hash != "" {
		return TX, r.Hash
	}

	return ADDRESS, r.Address
}

// Feed is a long-lived connection to an upstream notification source.
type Feed interface {
	// Subscribe sends r upstream without waiting for any confirmation.
	Subscribe(r Request) error
	// Notifications returns the raw inbound frames. The channel is closed by Close.
	Notifications() <-chan []byte
	Close() error
}
