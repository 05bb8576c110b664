// Package amqp implements msg.Feed for AMQP compliant brokers (ie RabbitMQ). Subscribe requests are published for a
// watcher process to forward upstream, and its notifications are consumed from the broker.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/tarancss/blocksub/lib/msg"
)

// Exchanges declared by Setup.
const (
	// RequestsExchange ("wr", watch requests): subscribe requests are published to this exchange.
	RequestsExchange = "wr"
	// EventsExchange ("ee", explorer events): notifications are consumed from this exchange.
	EventsExchange = "ee"
)

// Amqp implements a connection to a broker for the network net (ie. btc-main) and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	net  string

	mu sync.Mutex // amqp.Channel publishing is not safe for concurrent use
	ch *amqp.Channel

	out  chan []byte
	wg   sync.WaitGroup
	once sync.Once
}

// New connects to the broker at uri, declares the exchanges and starts consuming the events of net.
func New(ctx context.Context, uri, net string) (*Amqp, error) {
	r := &Amqp{net: net, out: make(chan []byte)}

	err := retry.Do(
		func() error {
			var err error
			r.conn, err = amqp.Dial(uri)

			return err
		},
		retry.Context(ctx),
		retry.Attempts(5), //nolint:gomnd // wait for the broker to be ready
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("AMQP dial attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to message broker: %w", err)
	}

	log.Printf("Connected to %s", uri)

	if err = r.Setup(); err != nil {
		_ = r.conn.Close()

		return nil, err
	}

	if err = r.consume(); err != nil {
		_ = r.conn.Close()

		return nil, err
	}

	return r, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	// declare exchanges
	if err = channel.ExchangeDeclare(RequestsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil)
}

// consume declares the events queue of the network, binds it and pushes every message body to out.
func (r *Amqp) consume() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}

	queue := EventsExchange + r.net
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	if err = ch.QueueBind(queue, r.net+".*.*", EventsExchange, false, nil); err != nil {
		return err
	}

	msgs, err := ch.Consume(queue, "blocksub-"+r.net, false, false, false, false, nil)
	if err != nil {
		return err
	}

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer close(r.out)

		// msgs is closed when the connection is
		for m := range msgs {
			r.out <- m.Body
			if err := m.Ack(false); err != nil {
				log.WithError(err).Warn("Cannot ack event")
			}
		}
	}()

	return nil
}

// Subscribe publishes a subscribe request to the "wr" exchange with routing key <net>.<type>.<object>.
func (r *Amqp) Subscribe(req msg.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	typ, obj := req.Object()

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	p := amqp.Publishing{
		Headers:     amqp.Table{"x-wreq-name": r.net + "." + obj},
		Body:        body,
		ContentType: "application/json",
	}

	if err = r.ch.Publish(RequestsExchange, r.net+"."+strconv.Itoa(typ)+"."+obj, false, false, p); err != nil {
		log.Printf("[%s] Error sending request to message broker %v", r.net, err)

		// the channel is unusable after an error
		r.ch = nil
	}

	return err
}

// Notifications returns the bodies of the consumed events.
func (r *Amqp) Notifications() <-chan []byte {
	return r.out
}

// Close terminates gracefully the connection to the AMQP message broker. Pending events must be drained from
// Notifications for it to return.
func (r *Amqp) Close() error {
	var err error

	r.once.Do(func() {
		r.mu.Lock()
		if r.ch != nil {
			if errCh := r.ch.Close(); errCh != nil {
				log.Printf("Error closing amqp.Channel:%v", errCh)
			}

			r.ch = nil
		}
		r.mu.Unlock()

		err = r.conn.Close()
		r.wg.Wait()
	})

	return err
}
