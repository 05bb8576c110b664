// Package blocksub and its sub-packages implement a backend service to look up blockchain addresses and transactions
// and to subscribe to their push notifications.
/*
blocksub provides one microservice (package api) started by running cmd/api/main.go.

Architecture

The service exposes an HTTP RESTful API. Address and transaction lookups are proxied to the BlockCypher API (package
lib/block) and optionally cached in Redis (package lib/cache). Every successful lookup increments a popularity counter
kept in the registries of the database; the top five addresses and transactions can be listed by any client.

Users register and log in to get a JWT (package lib/auth). Authenticated users subscribe to addresses and
transactions (package subscription): the subscribe request is sent upstream and the subscription is persisted.

The notification relay (package relay) keeps a single connection to the upstream notification feed (package lib/msg)
and broadcasts every notification to all WebSocket clients connected to /ws. The feed is either the BlockCypher
WebSocket API or a message broker reached over AMQP, selected in the configuration.

The database layer (package lib/store) provides a product agnostic interface implemented for MongoDB, PostgreSQL and
an in-memory store.

The configuration is read from an optional JSON file and from BSUB_ prefixed environment variables (package
lib/config). The service can also be monitored via a Prometheus API by setting the flag "-m" at startup.

*/
package blocksub
