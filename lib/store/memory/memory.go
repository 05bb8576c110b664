// Package memory implements the store interfaces in process memory. Data is lost when the process stops.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tarancss/blocksub/lib/store"
)

// Memory implements store.DB.
type Memory struct {
	users        *users
	addresses    *registry
	transactions *registry
	subs         *subscriptions
}

// New returns an empty in memory database.
func New() *Memory {
	m := &Memory{
		users:        &users{byID: map[string]store.User{}, byEmail: map[string]string{}},
		addresses:    newRegistry(store.AddressKind),
		transactions: newRegistry(store.TransactionKind),
	}
	m.subs = &subscriptions{m: m}

	return m
}

// Users returns the users store.
func (m *Memory) Users() store.Users { return m.users }

// Addresses returns the address registry.
func (m *Memory) Addresses() store.Registry { return m.addresses }

// Transactions returns the transaction registry.
func (m *Memory) Transactions() store.Registry { return m.transactions }

// Subscriptions returns the subscriptions store.
func (m *Memory) Subscriptions() store.Subscriptions { return m.subs }

// Close is a no-op.
func (m *Memory) Close(context.Context) error { return nil }

type users struct {
	mu      sync.RWMutex
	byID    map[string]store.User
	byEmail map[string]string
}

func (u *users) Create(_ context.Context, usr *store.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.byEmail[usr.Email]; ok {
		return store.ErrDuplicate
	}

	usr.ID = uuid.New().String()
	u.byID[usr.ID] = *usr
	u.byEmail[usr.Email] = usr.ID

	return nil
}

func (u *users) FindByEmail(_ context.Context, email string) (*store.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	id, ok := u.byEmail[email]
	if !ok {
		return nil, store.ErrNotFound
	}

	usr := u.byID[id]

	return &usr, nil
}

func (u *users) FindByID(_ context.Context, id string) (*store.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	usr, ok := u.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &usr, nil
}

// registry keeps entries in insertion order, which breaks counter ties in ListTop.
type registry struct {
	kind    store.Kind
	mu      sync.RWMutex
	entries []*store.Entry
	byKey   map[string]*store.Entry
	byID    map[string]*store.Entry
}

func newRegistry(k store.Kind) *registry {
	return &registry{kind: k, byKey: map[string]*store.Entry{}, byID: map[string]*store.Entry{}}
}

func (r *registry) Kind() store.Kind { return r.kind }

func (r *registry) FindByKey(_ context.Context, key string) (*store.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}

	c := *e

	return &c, nil
}

func (r *registry) CreateOrIncrement(_ context.Context, key string) (*store.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if ok {
		e.Counter++
	} else {
		e = &store.Entry{ID: uuid.New().String(), Kind: r.kind, Key: key, Counter: 1}
		r.entries = append(r.entries, e)
		r.byKey[key] = e
		r.byID[e.ID] = e
	}

	c := *e

	return &c, nil
}

func (r *registry) ListTop(_ context.Context, n int) ([]store.Entry, error) {
	r.mu.RLock()
	all := make([]store.Entry, 0, len(r.entries))

	for _, e := range r.entries {
		all = append(all, *e)
	}
	r.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Counter > all[j].Counter })

	if n >= 0 && len(all) > n {
		all = all[:n]
	}

	return all, nil
}

func (r *registry) get(id string) *store.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil
	}

	c := *e

	return &c
}

type row struct {
	id, userID, addressID, transactionID string
}

type subscriptions struct {
	m    *Memory
	mu   sync.RWMutex
	rows []row
}

func (s *subscriptions) find(match func(row) bool) (*store.Subscription, error) {
	s.mu.RLock()

	for _, r := range s.rows {
		if match(r) {
			s.mu.RUnlock()

			return s.resolve(r), nil
		}
	}
	s.mu.RUnlock()

	return nil, store.ErrNotFound
}

func (s *subscriptions) FindByTransaction(_ context.Context, transactionID, userID string) (*store.Subscription, error) {
	return s.find(func(r row) bool {
		return r.transactionID != "" && r.transactionID == transactionID && (userID == "" || r.userID == userID)
	})
}

func (s *subscriptions) FindByAddress(_ context.Context, addressID, userID string) (*store.Subscription, error) {
	return s.find(func(r row) bool {
		return r.addressID != "" && r.addressID == addressID && (userID == "" || r.userID == userID)
	})
}

func (s *subscriptions) Create(_ context.Context, n store.NewSubscription) (*store.Subscription, error) {
	s.mu.Lock()

	for _, r := range s.rows {
		if r.userID == n.UserID && r.addressID == n.AddressID && r.transactionID == n.TransactionID {
			s.mu.Unlock()

			return s.resolve(r), nil
		}
	}

	r := row{id: uuid.New().String(), userID: n.UserID, addressID: n.AddressID, transactionID: n.TransactionID}
	s.rows = append(s.rows, r)
	s.mu.Unlock()

	return s.resolve(r), nil
}

func (s *subscriptions) ListByUser(_ context.Context, userID string) ([]store.Subscription, error) {
	s.mu.RLock()
	mine := []row{}

	for _, r := range s.rows {
		if r.userID == userID {
			mine = append(mine, r)
		}
	}
	s.mu.RUnlock()

	subs := make([]store.Subscription, 0, len(mine))
	for _, r := range mine {
		subs = append(subs, *s.resolve(r))
	}

	return subs, nil
}

func (s *subscriptions) remove(match func(row) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]

	for _, r := range s.rows {
		if !match(r) {
			kept = append(kept, r)
		}
	}

	s.rows = kept
}

func (s *subscriptions) DeleteByTransactionAndUser(_ context.Context, transactionID, userID string) error {
	s.remove(func(r row) bool { return r.transactionID == transactionID && r.userID == userID })

	return nil
}

func (s *subscriptions) DeleteByAddressAndUser(_ context.Context, addressID, userID string) error {
	s.remove(func(r row) bool { return r.addressID == addressID && r.userID == userID })

	return nil
}

// resolve populates the references of a row. It must be called without holding s.mu.
func (s *subscriptions) resolve(r row) *store.Subscription {
	sub := &store.Subscription{ID: r.id}

	if u, err := s.m.users.FindByID(context.Background(), r.userID); err == nil {
		sub.User = u
	}

	if r.addressID != "" {
		sub.Address = s.m.addresses.get(r.addressID)
	}

	if r.transactionID != "" {
		sub.Transaction = s.m.transactions.get(r.transactionID)
	}

	return sub
}
