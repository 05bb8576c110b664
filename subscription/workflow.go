// Package subscription implements the subscribe and unsubscribe workflows: notify the relay, upsert the registry entry
// and upsert the user subscription.
package subscription

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/errs"
	"github.com/tarancss/blocksub/lib/msg"
	"github.com/tarancss/blocksub/lib/store"
)

// ErrRelay is wrapped by the error returned when the subscribe request could not be sent upstream.
var ErrRelay = errors.New("relay subscribe failed")

// Relay sends subscribe requests upstream.
type Relay interface {
	Subscribe(r msg.Request) error
}

// Workflow orchestrates subscriptions of users to transactions and addresses.
type Workflow struct {
	relay         Relay
	addresses     store.Registry
	transactions  store.Registry
	subscriptions store.Subscriptions
}

// New returns a Workflow.
func New(relay Relay, addresses, transactions store.Registry, subscriptions store.Subscriptions) *Workflow {
	return &Workflow{relay: relay, addresses: addresses, transactions: transactions, subscriptions: subscriptions}
}

// target describes one side of the workflow: transactions or addresses.
type target struct {
	registry store.Registry
	request  msg.Request
	noun     string
	find     func(ctx context.Context, id, userID string) (*store.Subscription, error)
	create   func(id, userID string) store.NewSubscription
	remove   func(ctx context.Context, id, userID string) error
}

func (w *Workflow) transaction(hash string) target {
	return target{
		registry: w.transactions,
		request:  msg.TxRequest(hash),
		noun:     "transaction",
		find:     w.subscriptions.FindByTransaction,
		create: func(id, userID string) store.NewSubscription {
			return store.NewSubscription{UserID: userID, TransactionID: id}
		},
		remove: w.subscriptions.DeleteByTransactionAndUser,
	}
}

func (w *Workflow) address(address string) target {
	return target{
		registry: w.addresses,
		request:  msg.AddressRequest(address),
		noun:     "address",
		find:     w.subscriptions.FindByAddress,
		create: func(id, userID string) store.NewSubscription {
			return store.NewSubscription{UserID: userID, AddressID: id}
		},
		remove: w.subscriptions.DeleteByAddressAndUser,
	}
}

// SubscribeTransaction subscribes the user to the transaction hash. Subscribing twice returns the same subscription.
func (w *Workflow) SubscribeTransaction(ctx context.Context, hash, userID string) (*store.Subscription, error) {
	return w.subscribe(ctx, w.transaction(hash), hash, userID)
}

// SubscribeAddress subscribes the user to address. Subscribing twice returns the same subscription.
func (w *Workflow) SubscribeAddress(ctx context.Context, address, userID string) (*store.Subscription, error) {
	return w.subscribe(ctx, w.address(address), address, userID)
}

// UnsubscribeTransaction removes the subscription of the user to the transaction hash. It returns false only when
// the removal failed.
func (w *Workflow) UnsubscribeTransaction(ctx context.Context, hash, userID string) bool {
	return w.unsubscribe(ctx, w.transaction(hash), hash, userID)
}

// UnsubscribeAddress removes the subscription of the user to address. It returns false only when the removal failed.
func (w *Workflow) UnsubscribeAddress(ctx context.Context, address, userID string) bool {
	return w.unsubscribe(ctx, w.address(address), address, userID)
}

func (w *Workflow) subscribe(ctx context.Context, t target, key, userID string) (*store.Subscription, error) {
	l := log.WithFields(log.Fields{t.noun: key, "user": userID})

	// nothing is written if the relay cannot be notified
	if err := w.relay.Subscribe(t.request); err != nil {
		l.WithError(err).Error("Cannot subscribe upstream")

		return nil, errs.NewInternal(fmt.Sprintf("Unable to subscribe to the %s %s.", t.noun, key),
			fmt.Errorf("%w: %v", ErrRelay, err)) //nolint:errorlint // the relay error is logged above
	}

	entry, err := t.registry.FindByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		entry, err = t.registry.CreateOrIncrement(ctx, key)
	}

	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s %s: %w", t.noun, key, err)
	}

	sub, err := t.find(ctx, entry.ID, userID)
	if err == nil {
		l.Debug("Already subscribed")

		return sub, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("cannot look up subscription: %w", err)
	}

	sub, err = w.subscriptions.Create(ctx, t.create(entry.ID, userID))
	if err != nil {
		return nil, fmt.Errorf("cannot create subscription: %w", err)
	}

	l.Info("Subscribed")

	return sub, nil
}

func (w *Workflow) unsubscribe(ctx context.Context, t target, key, userID string) bool {
	l := log.WithFields(log.Fields{t.noun: key, "user": userID})

	entry, err := t.registry.FindByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// never referenced, nothing to remove
		return true
	}

	if err != nil {
		l.WithError(err).Error("Cannot resolve unsubscription target")

		return false
	}

	if err = t.remove(ctx, entry.ID, userID); err != nil {
		l.WithError(err).Error("Cannot unsubscribe")

		return false
	}

	l.Info("Unsubscribed")

	return true
}
