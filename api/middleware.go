package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/blocksub/lib/auth"
	"github.com/tarancss/blocksub/lib/errs"
	"github.com/tarancss/blocksub/lib/metrics"
	"github.com/tarancss/blocksub/lib/util"
)

// recorder captures the status code written by a handler.
type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	// the upgrader replies 101 on the raw connection
	r.status = http.StatusSwitchingProtocols

	return h.Hijack()
}

// route returns the matched route template so metrics labels stay bounded.
func route(r *http.Request) string {
	if m := mux.CurrentRoute(r); m != nil {
		if t, err := m.GetPathTemplate(); err == nil {
			return t
		}
	}

	return "unmatched"
}

// accessLog logs every request and records its metrics.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		d := time.Since(start)
		rt := route(r)

		metrics.Requests.WithLabelValues(rt, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.Latency.WithLabelValues(rt).Observe(d.Seconds())

		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": d,
			"remote":   r.RemoteAddr,
		}).Info("httpreq")
	})
}

// recoverer turns a handler panic into a generic 500.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{"panic": p, "path": r.URL.Path}).Error("Recovered from panic")
				replyError(w, errs.From(errors.New("panic in handler")))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requireAuth only lets requests with a valid bearer token through. The user id is stored in the request context.
func (s *Service) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.auth.Authenticate(util.Bearer(r.Header.Get("Authorization")))
		if err != nil {
			replyError(w, errs.From(err))

			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), id)))
	})
}
