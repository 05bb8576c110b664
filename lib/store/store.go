// Package store defines the data model and the interfaces for database implementations used by the API service.
package store

import (
	"context"
	"errors"
)

// TopLimit is the number of entries returned by the top lists.
const TopLimit = 5

// Registry keeps a usage counter per address or transaction.
type Registry interface {
	Kind() Kind
	// FindByKey returns ErrNotFound if key was never referenced.
	FindByKey(ctx context.Context, key string) (*Entry, error)
	// CreateOrIncrement atomically creates the entry with counter 1 or increments its counter.
	CreateOrIncrement(ctx context.Context, key string) (*Entry, error)
	// ListTop returns at most n entries sorted by counter descending. Never nil.
	ListTop(ctx context.Context, n int) ([]Entry, error)
}

// Subscriptions stores the user subscriptions. Returned subscriptions have their references resolved.
type Subscriptions interface {
	// FindByTransaction returns the first subscription to the transaction. An empty userID matches any user.
	FindByTransaction(ctx context.Context, transactionID, userID string) (*Subscription, error)
	// FindByAddress returns the first subscription to the address. An empty userID matches any user.
	FindByAddress(ctx context.Context, addressID, userID string) (*Subscription, error)
	// Create inserts the subscription unless one for the same user and target exists, which is returned instead.
	Create(ctx context.Context, s NewSubscription) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]Subscription, error)
	// Delete methods do not fail when there is nothing to delete.
	DeleteByTransactionAndUser(ctx context.Context, transactionID, userID string) error
	DeleteByAddressAndUser(ctx context.Context, addressID, userID string) error
}

// Users stores the registered accounts.
type Users interface {
	// Create sets the ID of u. It returns ErrDuplicate if the email is taken.
	Create(ctx context.Context, u *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

// DB groups the stores of one database connection.
type DB interface {
	Users() Users
	Addresses() Registry
	Transactions() Registry
	Subscriptions() Subscriptions
	Close(ctx context.Context) error
}

// Errors returned
var (
	ErrNotFound  = errors.New("not found in store")
	ErrDuplicate = errors.New("duplicate key in store")
)
