// Package postgres implements the store interfaces for PostgreSQL. The schema is managed with embedded migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver for postgres:// urls
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the SQLSTATE of unique constraint errors.
const uniqueViolation = "23505"

// Postgres implements store.DB on a PostgreSQL database.
type Postgres struct {
	db           *sql.DB
	users        *users
	addresses    *registry
	transactions *registry
	subs         *subscriptions
}

// New returns a postgres client connection to the database in 'connection', a postgres:// url. Pending migrations
// are applied first.
func New(ctx context.Context, connection string) (*Postgres, error) {
	if err := Migrate(connection); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	p := &Postgres{
		db:           db,
		users:        &users{db: db},
		addresses:    &registry{kind: store.AddressKind, db: db, table: "addresses"},
		transactions: &registry{kind: store.TransactionKind, db: db, table: "transactions"},
	}
	p.subs = &subscriptions{db: db}

	return p, nil
}

// Migrate runs the embedded migrations up to the latest version.
func Migrate(connection string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connection)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}

// Users returns the users store.
func (p *Postgres) Users() store.Users { return p.users }

// Addresses returns the address registry.
func (p *Postgres) Addresses() store.Registry { return p.addresses }

// Transactions returns the transaction registry.
func (p *Postgres) Transactions() store.Registry { return p.transactions }

// Subscriptions returns the subscriptions store.
func (p *Postgres) Subscriptions() store.Subscriptions { return p.subs }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// validID reports whether id can be compared with a UUID column.
func validID(id string) bool {
	_, err := uuid.Parse(id)

	return err == nil
}

type users struct {
	db *sql.DB
}

func (u *users) Create(ctx context.Context, usr *store.User) error {
	id := uuid.New().String()

	_, err := u.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash) VALUES ($1, $2, $3, $4)`,
		id, usr.Name, usr.Email, usr.PasswordHash)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	usr.ID = id

	return nil
}

func (u *users) findOne(ctx context.Context, where string, arg interface{}) (*store.User, error) {
	var usr store.User

	err := u.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash FROM users WHERE `+where, arg).
		Scan(&usr.ID, &usr.Name, &usr.Email, &usr.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &usr, nil
}

func (u *users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return u.findOne(ctx, "email = $1", email)
}

func (u *users) FindByID(ctx context.Context, id string) (*store.User, error) {
	if !validID(id) {
		return nil, store.ErrNotFound
	}

	return u.findOne(ctx, "id = $1", id)
}

type registry struct {
	kind  store.Kind
	db    *sql.DB
	table string
}

func (r *registry) Kind() store.Kind { return r.kind }

func (r *registry) FindByKey(ctx context.Context, key string) (*store.Entry, error) {
	e := store.Entry{Kind: r.kind}

	query := fmt.Sprintf(`SELECT id, %[2]s, counter FROM %[1]s WHERE %[2]s = $1`, r.table, r.kind.KeyField())

	err := r.db.QueryRowContext(ctx, query, key).Scan(&e.ID, &e.Key, &e.Counter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", r.kind, err)
	}

	return &e, nil
}

func (r *registry) CreateOrIncrement(ctx context.Context, key string) (*store.Entry, error) {
	e := store.Entry{Kind: r.kind}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, %[2]s, counter) VALUES ($1, $2, 1)
		ON CONFLICT (%[2]s) DO UPDATE SET counter = %[1]s.counter + 1
		RETURNING id, %[2]s, counter`, r.table, r.kind.KeyField())

	err := r.db.QueryRowContext(ctx, query, uuid.New().String(), key).Scan(&e.ID, &e.Key, &e.Counter)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s %s: %w", r.kind, key, err)
	}

	return &e, nil
}

func (r *registry) ListTop(ctx context.Context, n int) ([]store.Entry, error) {
	query := fmt.Sprintf(`SELECT id, %[2]s, counter FROM %[1]s ORDER BY counter DESC, seq LIMIT $1`,
		r.table, r.kind.KeyField())

	rows, err := r.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.kind, err)
	}
	defer rows.Close()

	entries := []store.Entry{}

	for rows.Next() {
		e := store.Entry{Kind: r.kind}
		if err = rows.Scan(&e.ID, &e.Key, &e.Counter); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.kind, err)
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// selectSubscriptions resolves the references of subscriptions with one join.
const selectSubscriptions = `
	SELECT s.id, u.id, u.name, u.email, a.id, a.address, a.counter, t.id, t.hash, t.counter
	FROM subscriptions s
	JOIN users u ON u.id = s.user_id
	LEFT JOIN addresses a ON a.id = s.address_id
	LEFT JOIN transactions t ON t.id = s.transaction_id
	`

type subscriptions struct {
	db *sql.DB
}

// column returns the target column and the unique constraint on (user, target) of a registry kind.
func column(k store.Kind) (col, constraint string) {
	if k == store.TransactionKind {
		return "transaction_id", "subscriptions_user_transaction"
	}

	return "address_id", "subscriptions_user_address"
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scanner) (*store.Subscription, error) {
	var (
		sub                store.Subscription
		usr                store.User
		addrID, addr       sql.NullString
		txID, hash         sql.NullString
		addrCount, txCount sql.NullInt64
	)

	if err := row.Scan(&sub.ID, &usr.ID, &usr.Name, &usr.Email,
		&addrID, &addr, &addrCount, &txID, &hash, &txCount); err != nil {
		return nil, err
	}

	sub.User = &usr
	if addrID.Valid {
		sub.Address = &store.Entry{ID: addrID.String, Kind: store.AddressKind, Key: addr.String, Counter: addrCount.Int64}
	}

	if txID.Valid {
		sub.Transaction = &store.Entry{ID: txID.String, Kind: store.TransactionKind, Key: hash.String, Counter: txCount.Int64}
	}

	return &sub, nil
}

func (s *subscriptions) findOne(ctx context.Context, k store.Kind, targetID, userID string) (*store.Subscription, error) {
	if !validID(targetID) || (userID != "" && !validID(userID)) {
		return nil, store.ErrNotFound
	}

	col, _ := column(k)
	query := selectSubscriptions + `WHERE s.` + col + ` = $1 AND ($2 = '' OR s.user_id::text = $2) ORDER BY s.seq LIMIT 1`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, targetID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

func (s *subscriptions) FindByTransaction(ctx context.Context, transactionID, userID string) (*store.Subscription, error) {
	return s.findOne(ctx, store.TransactionKind, transactionID, userID)
}

func (s *subscriptions) FindByAddress(ctx context.Context, addressID, userID string) (*store.Subscription, error) {
	return s.findOne(ctx, store.AddressKind, addressID, userID)
}

func (s *subscriptions) Create(ctx context.Context, n store.NewSubscription) (*store.Subscription, error) {
	kind, targetID := n.Target()
	if !validID(targetID) || !validID(n.UserID) {
		return nil, fmt.Errorf("invalid subscription %+v: %w", n, store.ErrNotFound)
	}

	col, constraint := column(kind)
	// the no-op update makes RETURNING yield the existing row on conflict
	query := fmt.Sprintf(`
		INSERT INTO subscriptions (id, user_id, %s) VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT %s DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id`, col, constraint)

	var id string
	if err := s.db.QueryRowContext(ctx, query, uuid.New().String(), n.UserID, targetID).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, selectSubscriptions+`WHERE s.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription %s: %w", id, err)
	}

	return sub, nil
}

func (s *subscriptions) ListByUser(ctx context.Context, userID string) ([]store.Subscription, error) {
	subs := []store.Subscription{}
	if !validID(userID) {
		return subs, nil
	}

	rows, err := s.db.QueryContext(ctx, selectSubscriptions+`WHERE s.user_id = $1 ORDER BY s.seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		subs = append(subs, *sub)
	}

	return subs, rows.Err()
}

func (s *subscriptions) delete(ctx context.Context, k store.Kind, targetID, userID string) error {
	if !validID(targetID) || !validID(userID) {
		return nil
	}

	col, _ := column(k)

	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE `+col+` = $1 AND user_id = $2`, targetID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil {
		log.WithField("deleted", n).Debugf("Deleted %s subscriptions of user %s", k, userID)
	}

	return nil
}

func (s *subscriptions) DeleteByTransactionAndUser(ctx context.Context, transactionID, userID string) error {
	return s.delete(ctx, store.TransactionKind, transactionID, userID)
}

func (s *subscriptions) DeleteByAddressAndUser(ctx context.Context, addressID, userID string) error {
	return s.delete(ctx, store.AddressKind, addressID, userID)
}
