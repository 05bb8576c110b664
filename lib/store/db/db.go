// Package db implements the opening and graceful closing of database connections.
package db

import (
	"context"
	"fmt"

	"github.com/tarancss/blocksub/lib/store"
	"github.com/tarancss/blocksub/lib/store/memory"
	"github.com/tarancss/blocksub/lib/store/mongo"
	"github.com/tarancss/blocksub/lib/store/postgres"
)

// Supported database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
	MEMORY   string = "memory"
)

// New returns a new database connection according to the options (database type). name is the database name used
// by MongoDB; PostgreSQL takes it from the connection url.
func New(ctx context.Context, options, connection, name string) (store.DB, error) {
	switch options {
	case MONGODB:
		return mongo.New(ctx, connection, name)
	case POSTGRES:
		return postgres.New(ctx, connection)
	case MEMORY:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}

// Close gracefully closes the database connection.
func Close(ctx context.Context, dh store.DB) error {
	if dh == nil {
		return nil
	}

	return dh.Close(ctx)
}
