// Package block defines the interface required for blockchain information lookups.
package block

import (
	"context"
	"encoding/json"
)

// Info looks up addresses and transactions in a blockchain API. Responses are returned verbatim.
type Info interface {
	AddressInfo(ctx context.Context, address string) (json.RawMessage, error)
	TransactionInfo(ctx context.Context, hash string) (json.RawMessage, error)
}
