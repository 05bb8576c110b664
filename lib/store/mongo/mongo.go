// Package mongo implements the store interfaces for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/blocksub/lib/store"
)

// Collection names.
const (
	UsersCol         = "users"
	AddressesCol     = "addresses"
	TransactionsCol  = "transactions"
	SubscriptionsCol = "subscriptions"
)

// Mongo implements store.DB on a MongoDB database.
type Mongo struct {
	c            *mgo.Client
	db           *mgo.Database
	users        *users
	addresses    *registry
	transactions *registry
	subs         *subscriptions
}

// New returns a Mongo client connection to the specified MongoDB database uri, using database name. The unique
// indexes are created if missing.
func New(ctx context.Context, uri, name string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second) //nolint:gomnd // 10 seconds timeout
	defer cancel()

	c, err := mgo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	if err = c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	db := c.Database(name)
	m := &Mongo{
		c:            c,
		db:           db,
		users:        &users{col: db.Collection(UsersCol)},
		addresses:    &registry{kind: store.AddressKind, col: db.Collection(AddressesCol)},
		transactions: &registry{kind: store.TransactionKind, col: db.Collection(TransactionsCol)},
	}
	m.subs = &subscriptions{m: m, col: db.Collection(SubscriptionsCol)}

	if err = m.ensureIndexes(ctx); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, err
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := func(keys bson.D) mgo.IndexModel {
		return mgo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}
	partial := func(field string) mgo.IndexModel {
		return mgo.IndexModel{
			Keys: bson.D{{Key: "user", Value: 1}, {Key: field, Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{field: bson.M{"$exists": true}}),
		}
	}

	indexes := map[string][]mgo.IndexModel{
		UsersCol:         {unique(bson.D{{Key: "email", Value: 1}})},
		AddressesCol:     {unique(bson.D{{Key: "address", Value: 1}}), {Keys: bson.D{{Key: "counter", Value: -1}}}},
		TransactionsCol:  {unique(bson.D{{Key: "hash", Value: 1}}), {Keys: bson.D{{Key: "counter", Value: -1}}}},
		SubscriptionsCol: {partial("address"), partial("transaction")},
	}

	for col, models := range indexes {
		if _, err := m.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("cannot create indexes on %s: %w", col, err)
		}
	}

	return nil
}

// Close will close the database connection. Must be called at termination time.
func (m *Mongo) Close(ctx context.Context) error {
	return m.c.Disconnect(ctx)
}

// Users returns the users store.
func (m *Mongo) Users() store.Users { return m.users }

// Addresses returns the address registry.
func (m *Mongo) Addresses() store.Registry { return m.addresses }

// Transactions returns the transaction registry.
func (m *Mongo) Transactions() store.Registry { return m.transactions }

// Subscriptions returns the subscriptions store.
func (m *Mongo) Subscriptions() store.Subscriptions { return m.subs }

// notFound maps the driver's no documents error.
func notFound(err error) error {
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ErrNotFound
	}

	return err
}

// MongoUser implements a store user to MongoDB.
type MongoUser struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Name     string             `bson:"name"`
	Email    string             `bson:"email"`
	Password string             `bson:"password"`
}

// User converts a MongoUser to store.User type.
func (u MongoUser) User() *store.User {
	return &store.User{ID: u.ID.Hex(), Name: u.Name, Email: u.Email, PasswordHash: u.Password}
}

type users struct {
	col *mgo.Collection
}

func (u *users) Create(ctx context.Context, usr *store.User) error {
	res, err := u.col.InsertOne(ctx, MongoUser{Name: usr.Name, Email: usr.Email, Password: usr.PasswordHash})
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert user in db: %w", err)
	}

	usr.ID = res.InsertedID.(primitive.ObjectID).Hex()

	return nil
}

func (u *users) findOne(ctx context.Context, filter bson.M) (*store.User, error) {
	var mu MongoUser
	if err := u.col.FindOne(ctx, filter).Decode(&mu); err != nil {
		return nil, notFound(err)
	}

	return mu.User(), nil
}

func (u *users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return u.findOne(ctx, bson.M{"email": email})
}

func (u *users) FindByID(ctx context.Context, id string) (*store.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	return u.findOne(ctx, bson.M{"_id": oid})
}

// MongoEntry implements a registry entry to MongoDB. Only the key field of the registry kind is set.
type MongoEntry struct {
	ID      primitive.ObjectID `bson:"_id"`
	Address string             `bson:"address,omitempty"`
	Hash    string             `bson:"hash,omitempty"`
	Counter int64              `bson:"counter"`
}

// Entry converts a MongoEntry to store.Entry type.
func (e MongoEntry) Entry(k store.Kind) *store.Entry {
	key := e.Address
	if k == store.TransactionKind {
		key = e.Hash
	}

	return &store.Entry{ID: e.ID.Hex(), Kind: k, Key: key, Counter: e.Counter}
}

type registry struct {
	kind store.Kind
	col  *mgo.Collection
}

func (r *registry) Kind() store.Kind { return r.kind }

func (r *registry) FindByKey(ctx context.Context, key string) (*store.Entry, error) {
	var me MongoEntry
	if err := r.col.FindOne(ctx, bson.M{r.kind.KeyField(): key}).Decode(&me); err != nil {
		return nil, notFound(err)
	}

	return me.Entry(r.kind), nil
}

func (r *registry) CreateOrIncrement(ctx context.Context, key string) (*store.Entry, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	filter := bson.M{r.kind.KeyField(): key}
	update := bson.M{"$inc": bson.M{"counter": 1}}

	var me MongoEntry

	err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&me)
	if mgo.IsDuplicateKeyError(err) {
		// two concurrent upserts inserted the same key, the loser now finds the document
		err = r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&me)
	}

	if err != nil {
		return nil, fmt.Errorf("could not upsert %s %s in db: %w", r.kind, key, err)
	}

	return me.Entry(r.kind), nil
}

func (r *registry) ListTop(ctx context.Context, n int) ([]store.Entry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "counter", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(n))

	cur, err := r.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", r.kind, err)
	}

	var docs []MongoEntry
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", r.kind, err)
	}

	entries := make([]store.Entry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, *d.Entry(r.kind))
	}

	return entries, nil
}

// byIDs returns the entries with the given ids keyed by hex id.
func (r *registry) byIDs(ctx context.Context, ids []primitive.ObjectID) (map[string]*store.Entry, error) {
	found := map[string]*store.Entry{}
	if len(ids) == 0 {
		return found, nil
	}

	cur, err := r.col.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("error resolving %s: %w", r.kind, err)
	}

	var docs []MongoEntry
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", r.kind, err)
	}

	for _, d := range docs {
		found[d.ID.Hex()] = d.Entry(r.kind)
	}

	return found, nil
}

// MongoSubscription implements a subscription to MongoDB. References are stored by id.
type MongoSubscription struct {
	ID          primitive.ObjectID  `bson:"_id"`
	User        primitive.ObjectID  `bson:"user"`
	Address     *primitive.ObjectID `bson:"address,omitempty"`
	Transaction *primitive.ObjectID `bson:"transaction,omitempty"`
}

type subscriptions struct {
	m   *Mongo
	col *mgo.Collection
}

// filter builds the lookup of a subscription by target and, if userID is set, by user. ok is false when an id is
// not a valid ObjectID, so nothing can match.
func filter(field, targetID, userID string) (f bson.M, ok bool) {
	toid, err := primitive.ObjectIDFromHex(targetID)
	if err != nil {
		return nil, false
	}

	f = bson.M{field: toid}

	if userID != "" {
		uoid, err := primitive.ObjectIDFromHex(userID)
		if err != nil {
			return nil, false
		}

		f["user"] = uoid
	}

	return f, true
}

func (s *subscriptions) findOne(ctx context.Context, field, targetID, userID string) (*store.Subscription, error) {
	f, ok := filter(field, targetID, userID)
	if !ok {
		return nil, store.ErrNotFound
	}

	var ms MongoSubscription
	if err := s.col.FindOne(ctx, f).Decode(&ms); err != nil {
		return nil, notFound(err)
	}

	subs, err := s.resolve(ctx, []MongoSubscription{ms})
	if err != nil {
		return nil, err
	}

	return &subs[0], nil
}

func (s *subscriptions) FindByTransaction(ctx context.Context, transactionID, userID string) (*store.Subscription, error) {
	return s.findOne(ctx, "transaction", transactionID, userID)
}

func (s *subscriptions) FindByAddress(ctx context.Context, addressID, userID string) (*store.Subscription, error) {
	return s.findOne(ctx, "address", addressID, userID)
}

func (s *subscriptions) Create(ctx context.Context, n store.NewSubscription) (*store.Subscription, error) {
	kind, targetID := n.Target()

	f, ok := filter(string(kind), targetID, n.UserID)
	if !ok || n.UserID == "" {
		return nil, fmt.Errorf("invalid subscription %+v: %w", n, store.ErrNotFound)
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	update := bson.M{"$setOnInsert": bson.M{"createdAt": time.Now().UTC()}}

	var ms MongoSubscription

	err := s.col.FindOneAndUpdate(ctx, f, update, opts).Decode(&ms)
	if mgo.IsDuplicateKeyError(err) {
		err = s.col.FindOne(ctx, f).Decode(&ms)
	}

	if err != nil {
		return nil, fmt.Errorf("could not insert subscription in db: %w", err)
	}

	subs, err := s.resolve(ctx, []MongoSubscription{ms})
	if err != nil {
		return nil, err
	}

	return &subs[0], nil
}

func (s *subscriptions) ListByUser(ctx context.Context, userID string) ([]store.Subscription, error) {
	uoid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return []store.Subscription{}, nil
	}

	cur, err := s.col.Find(ctx, bson.M{"user": uoid}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("error listing subscriptions: %w", err)
	}

	var docs []MongoSubscription
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding subscriptions: %w", err)
	}

	return s.resolve(ctx, docs)
}

func (s *subscriptions) deleteMany(ctx context.Context, field, targetID, userID string) error {
	f, ok := filter(field, targetID, userID)
	if !ok || userID == "" {
		return nil
	}

	res, err := s.col.DeleteMany(ctx, f)
	if err != nil {
		return fmt.Errorf("could not delete subscription: %w", err)
	}

	log.WithField("deleted", res.DeletedCount).Debugf("Deleted %s subscriptions of user %s", field, userID)

	return nil
}

func (s *subscriptions) DeleteByTransactionAndUser(ctx context.Context, transactionID, userID string) error {
	return s.deleteMany(ctx, "transaction", transactionID, userID)
}

func (s *subscriptions) DeleteByAddressAndUser(ctx context.Context, addressID, userID string) error {
	return s.deleteMany(ctx, "address", addressID, userID)
}

// resolve populates the user, address and transaction references of docs with one query per collection.
func (s *subscriptions) resolve(ctx context.Context, docs []MongoSubscription) ([]store.Subscription, error) {
	subs := make([]store.Subscription, 0, len(docs))
	if len(docs) == 0 {
		return subs, nil
	}

	var userIDs, addrIDs, txIDs []primitive.ObjectID

	for _, d := range docs {
		userIDs = append(userIDs, d.User)

		if d.Address != nil {
			addrIDs = append(addrIDs, *d.Address)
		}

		if d.Transaction != nil {
			txIDs = append(txIDs, *d.Transaction)
		}
	}

	cur, err := s.m.users.col.Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, fmt.Errorf("error resolving users: %w", err)
	}

	var mus []MongoUser
	if err = cur.All(ctx, &mus); err != nil {
		return nil, fmt.Errorf("error decoding users: %w", err)
	}

	usrs := make(map[primitive.ObjectID]*store.User, len(mus))
	for _, mu := range mus {
		usrs[mu.ID] = mu.User()
	}

	addrs, err := s.m.addresses.byIDs(ctx, addrIDs)
	if err != nil {
		return nil, err
	}

	txs, err := s.m.transactions.byIDs(ctx, txIDs)
	if err != nil {
		return nil, err
	}

	for _, d := range docs {
		sub := store.Subscription{ID: d.ID.Hex(), User: usrs[d.User]}
		if d.Address != nil {
			sub.Address = addrs[d.Address.Hex()]
		}

		if d.Transaction != nil {
			sub.Transaction = txs[d.Transaction.Hex()]
		}

		subs = append(subs, sub)
	}

	return subs, nil
}
