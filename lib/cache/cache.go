// Package cache implements a Redis backed cache for blockchain lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tarancss/blocksub/lib/block"
)

// Key prefixes.
const (
	AddressPrefix     = "blocksub:addr:"
	TransactionPrefix = "blocksub:tx:"
)

// entry is the msgpack encoded value stored in Redis.
type entry struct {
	Body      []byte `msgpack:"b"`
	FetchedAt int64  `msgpack:"t"`
}

// Info wraps a block.Info caching successful responses for ttl. Cache failures are logged and the wrapped lookup is
// used instead.
type Info struct {
	next   block.Info
	client *redis.Client
	ttl    time.Duration
}

// Connect opens a Redis client from a redis:// url and checks the connection.
func Connect(ctx context.Context, uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// New returns next wrapped by a cache on client. Nothing is cached when ttl is not positive.
func New(next block.Info, client *redis.Client, ttl time.Duration) *Info {
	return &Info{next: next, client: client, ttl: ttl}
}

// AddressInfo implements block.Info.
func (c *Info) AddressInfo(ctx context.Context, address string) (json.RawMessage, error) {
	return c.lookup(ctx, AddressPrefix+address, func() (json.RawMessage, error) {
		return c.next.AddressInfo(ctx, address)
	})
}

// TransactionInfo implements block.Info.
func (c *Info) TransactionInfo(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.lookup(ctx, TransactionPrefix+hash, func() (json.RawMessage, error) {
		return c.next.TransactionInfo(ctx, hash)
	})
}

// Close closes the Redis client.
func (c *Info) Close() error {
	return c.client.Close()
}

func (c *Info) lookup(ctx context.Context, key string, fetch func() (json.RawMessage, error)) (json.RawMessage, error) {
	raw, err := c.client.Get(ctx, key).Bytes()

	switch {
	case err == nil:
		var e entry
		if err = msgpack.Unmarshal(raw, &e); err == nil {
			return json.RawMessage(e.Body), nil
		}

		log.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		log.WithError(err).WithField("key", key).Warn("Cache read failed")
	}

	body, err := fetch()
	if err != nil {
		return nil, err
	}

	// without a ttl the entry would never expire
	if c.ttl <= 0 {
		return body, nil
	}

	val, err := msgpack.Marshal(entry{Body: body, FetchedAt: time.Now().Unix()})
	if err == nil {
		err = c.client.Set(ctx, key, val, c.ttl).Err()
	}

	if err != nil {
		log.WithError(err).WithField("key", key).Warn("Cache write failed")
	}

	return body, nil
}
