package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const timeout = 15

// Router returns the API definition.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog, recoverer)

	r.HandleFunc("/", s.homeHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/addresses", s.topAddressesHandler).Methods(http.MethodGet)       // most looked up addresses
	r.HandleFunc("/transactions", s.topTransactionsHandler).Methods(http.MethodGet) // most looked up transactions

	r.HandleFunc("/auth/register", s.registerHandler).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.loginHandler).Methods(http.MethodPost)

	bc := r.PathPrefix("/blockchain").Subrouter()
	bc.HandleFunc("/address", s.addressInfoHandler).Methods(http.MethodGet)         // upstream address balance
	bc.HandleFunc("/transaction", s.transactionInfoHandler).Methods(http.MethodGet) // upstream transaction details
	bc.Handle("/transaction/subscribe", s.requireAuth(s.subscribeTransactionHandler)).Methods(http.MethodPost)
	bc.Handle("/transaction/unsubscribe", s.requireAuth(s.unsubscribeTransactionHandler)).Methods(http.MethodPost)
	bc.Handle("/address/subscribe", s.requireAuth(s.subscribeAddressHandler)).Methods(http.MethodPost)
	bc.Handle("/address/unsubscribe", s.requireAuth(s.unsubscribeAddressHandler)).Methods(http.MethodPost)

	r.Handle("/subscriptions", s.requireAuth(s.subscriptionsHandler)).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.relay.ServeWS).Methods(http.MethodGet) // notification relay clients

	// mux middleware only runs on matched routes
	r.NotFoundHandler = accessLog(http.HandlerFunc(notFoundHandler))
	r.MethodNotAllowedHandler = accessLog(http.HandlerFunc(methodNotAllowedHandler))

	return r
}

// Init sets up and starts the http server to service the RESTful API and the notification relay. It blocks until the
// service is stopped.
func (s *Service) Init(endpoint, port string) string {
	var err error

	s.start()

	s.s = &http.Server{
		Handler:      s.Router(),
		Addr:         endpoint + ":" + port,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	go func() {
		err = s.s.ListenAndServe()
	}()

	log.Infof("Listening to API http requests on %s:%s", endpoint, port)

	// wait for server to be shutdown
	<-s.sc

	return fmt.Sprintf("shutdown http server: %v", err)
}
