// Package api implements the blocksub API service.
//
// The service exposes a RESTful API to look up blockchain addresses and transactions, keep their popularity counters,
// register and log in users and manage their push notification subscriptions. Notifications are relayed to WebSocket
// clients connected to /ws.
package api

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/auth"
	"github.com/tarancss/blocksub/lib/block"
	"github.com/tarancss/blocksub/lib/msg"
	"github.com/tarancss/blocksub/lib/store"
	"github.com/tarancss/blocksub/lib/store/db"
	"github.com/tarancss/blocksub/relay"
	"github.com/tarancss/blocksub/subscription"
)

// countTimeout bounds the background counter upserts that follow a lookup.
const countTimeout = 5 * time.Second

// Service contains the data necessary to deliver the service
type Service struct {
	db       store.DB
	info     block.Info
	feed     msg.Feed
	relay    *relay.Relay
	workflow *subscription.Workflow
	auth     *auth.Service
	validate *validator.Validate

	ctx    context.Context // lifetime of the relay
	cancel context.CancelFunc
	wg     sync.WaitGroup // relay and background counter upserts
	once   sync.Once

	s  *http.Server  // http server
	sc chan struct{} // http server channel used for graceful shutdowns
}

// New returns a pointer to a new API service. The service owns db, info and feed and closes them on Stop.
func New(dbConn store.DB, info block.Info, feed msg.Feed, tokens *auth.Tokens) *Service {
	rl := relay.New(feed)
	s := &Service{
		db:       dbConn,
		info:     info,
		feed:     feed,
		relay:    rl,
		workflow: subscription.New(rl, dbConn.Addresses(), dbConn.Transactions(), dbConn.Subscriptions()),
		auth:     auth.NewService(dbConn.Users(), tokens),
		validate: newValidator(),
		sc:       make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s
}

// start launches the relay pump.
func (s *Service) start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.relay.Run(s.ctx)
	}()
}

// Stop shuts down the http server and closes gracefully the notification feed, the relay, the lookup cache and the
// database. Pending counter upserts are waited for.
func (s *Service) Stop() {
	s.once.Do(func() {
		var err error
		// shutdown http server
		if s.s != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
			if err = s.s.Shutdown(ctx); err != nil {
				log.WithError(err).Error("Error in http server shutdown")
			}

			cancel()
		}

		// close the feed first so the relay sees the end of the notifications
		if err = s.feed.Close(); err != nil {
			log.WithError(err).Error("Error closing notification feed")
		}

		s.cancel()
		s.wg.Wait()

		if c, ok := s.info.(io.Closer); ok {
			if err = c.Close(); err != nil {
				log.WithError(err).Error("Error closing lookup cache")
			}
		}

		// close database
		ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
		defer cancel()

		err = db.Close(ctx, s.db)
		log.WithError(err).Info("Disconnected database")

		close(s.sc) // close server channel to indicate shutdown has finished
	})
}
