package api

import (
	"context"
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/auth"
	"github.com/tarancss/blocksub/lib/errs"
	"github.com/tarancss/blocksub/lib/store"
)

// Welcome is the body of the home page.
const Welcome = "Hello, this is your blockchain subscription API!"

// Response defines the data structure returned by the home page.
type Response struct {
	Body string `json:"body"`
}

// Health is returned by the health check.
type Health struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// HashRequest is the body of transaction subscriptions and the query of transaction lookups.
type HashRequest struct {
	Hash string `json:"hash" validate:"required"`
}

// AddressRequest is the body of address subscriptions and the query of address lookups.
type AddressRequest struct {
	Address string `json:"address" validate:"required"`
}

// homeHandler just replies a welcome message to the client.
func (s *Service) homeHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, Response{Body: Welcome})
}

// healthHandler replies the service status and the number of relay clients.
func (s *Service) healthHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, Health{Status: "healthy", Clients: s.relay.Clients()})
}

// topAddressesHandler replies the most looked up addresses.
func (s *Service) topAddressesHandler(rw http.ResponseWriter, r *http.Request) {
	s.top(rw, r, s.db.Addresses())
}

// topTransactionsHandler replies the most looked up transactions.
func (s *Service) topTransactionsHandler(rw http.ResponseWriter, r *http.Request) {
	s.top(rw, r, s.db.Transactions())
}

func (s *Service) top(rw http.ResponseWriter, r *http.Request, reg store.Registry) {
	var err error

	var res []store.Entry

	defer func() {
		// reply to requester accordingly
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusOK, res)
		}
	}()

	res, err = reg.ListTop(r.Context(), store.TopLimit)
}

// registerHandler creates a user and replies its session.
func (s *Service) registerHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var req auth.RegisterRequest

	var res *auth.Session

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusCreated, res)
		}
	}()

	if err = s.decode(r, &req); err != nil {
		return
	}

	res, err = s.auth.Register(r.Context(), req)
}

// loginHandler checks the credentials and replies a new session.
func (s *Service) loginHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var req auth.LoginRequest

	var res *auth.Session

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusCreated, res)
		}
	}()

	if err = s.decode(r, &req); err != nil {
		return
	}

	res, err = s.auth.Login(r.Context(), req)
}

// addressInfoHandler replies the upstream balance of an address and counts the lookup.
func (s *Service) addressInfoHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res json.RawMessage

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusOK, res)
		}
	}()

	req := AddressRequest{Address: r.URL.Query().Get("address")}
	if err = s.check(req); err != nil {
		return
	}

	if res, err = s.info.AddressInfo(r.Context(), req.Address); err != nil {
		return
	}

	s.count(r.Context(), s.db.Addresses(), req.Address)
}

// transactionInfoHandler replies the upstream details of a transaction and counts the lookup.
func (s *Service) transactionInfoHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res json.RawMessage

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusOK, res)
		}
	}()

	req := HashRequest{Hash: r.URL.Query().Get("hash")}
	if err = s.check(req); err != nil {
		return
	}

	if res, err = s.info.TransactionInfo(r.Context(), req.Hash); err != nil {
		return
	}

	s.count(r.Context(), s.db.Transactions(), req.Hash)
}

// count increments the registry counter of key in the background. The reply does not wait for it and a failure is
// only logged.
func (s *Service) count(ctx context.Context, reg store.Registry, key string) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), countTimeout)
		defer cancel()

		if _, err := reg.CreateOrIncrement(ctx, key); err != nil {
			log.WithError(err).WithFields(log.Fields{"kind": reg.Kind(), "key": key}).Error("Cannot count lookup")
		}
	}()
}

// subscribeTransactionHandler subscribes the caller to a transaction.
func (s *Service) subscribeTransactionHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var req HashRequest

	var res *store.Subscription

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusCreated, res)
		}
	}()

	if err = s.decode(r, &req); err != nil {
		return
	}

	res, err = s.workflow.SubscribeTransaction(r.Context(), req.Hash, auth.UserID(r.Context()))
}

// unsubscribeTransactionHandler removes the subscription of the caller to a transaction.
func (s *Service) unsubscribeTransactionHandler(rw http.ResponseWriter, r *http.Request) {
	var req HashRequest
	if err := s.decode(r, &req); err != nil {
		replyError(rw, errs.From(err))

		return
	}

	reply(rw, http.StatusCreated, s.workflow.UnsubscribeTransaction(r.Context(), req.Hash, auth.UserID(r.Context())))
}

// subscribeAddressHandler subscribes the caller to an address.
func (s *Service) subscribeAddressHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var req AddressRequest

	var res *store.Subscription

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusCreated, res)
		}
	}()

	if err = s.decode(r, &req); err != nil {
		return
	}

	res, err = s.workflow.SubscribeAddress(r.Context(), req.Address, auth.UserID(r.Context()))
}

// unsubscribeAddressHandler removes the subscription of the caller to an address.
func (s *Service) unsubscribeAddressHandler(rw http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if err := s.decode(r, &req); err != nil {
		replyError(rw, errs.From(err))

		return
	}

	reply(rw, http.StatusCreated, s.workflow.UnsubscribeAddress(r.Context(), req.Address, auth.UserID(r.Context())))
}

// subscriptionsHandler replies all subscriptions of the caller.
func (s *Service) subscriptionsHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res []store.Subscription

	defer func() {
		if err != nil {
			replyError(rw, errs.From(err))
		} else {
			reply(rw, http.StatusOK, res)
		}
	}()

	res, err = s.db.Subscriptions().ListByUser(r.Context(), auth.UserID(r.Context()))
}

// notFoundHandler replies requests no route matches.
func notFoundHandler(rw http.ResponseWriter, r *http.Request) {
	replyError(rw, errs.NewNotFound(r.Method, r.URL.Path))
}

// methodNotAllowedHandler replies requests to a route with a method it does not accept.
func methodNotAllowedHandler(rw http.ResponseWriter, r *http.Request) {
	replyError(rw, errs.NewMethodNotAllowed(r.Method, r.URL.Path))
}
