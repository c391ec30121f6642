// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package apiserver implements the HTTP API used by wallets to query their
// balances and history and to drive tx proposals.
package apiserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/proposal"
	"github.com/gorilla/mux"
)

const (
	// DefaultMaxClients is the default number of concurrently served
	// requests.
	DefaultMaxClients = 100

	// apiReadTimeout bounds reading a request, including its body.
	apiReadTimeout = 10 * time.Second
)

// Options contains the required options for running the API server.
type Options struct {
	// Username and Password are the HTTP basic auth credentials every
	// request must carry.
	Username string
	Password string

	// MaxClients limits the concurrently served requests. Requests over
	// the limit are answered with 429.
	MaxClients int64
}

// Server serves the wallet API over a set of listeners.
type Server struct {
	httpServer http.Server
	router     *mux.Router
	db         indexdb.DB
	proposals  *proposal.Manager
	now        func() time.Time

	listeners []net.Listener
	authsha   [sha256.Size]byte

	wg      sync.WaitGroup
	quit    chan struct{}
	quitMtx sync.Mutex
}

// NewServer creates a new API server over db and proposals. The server does
// not accept connections until Start is called.
func NewServer(opts *Options, db indexdb.DB, proposals *proposal.Manager,
	listeners []net.Listener) *Server {

	maxClients := opts.MaxClients
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	server := &Server{
		router:    mux.NewRouter(),
		db:        db,
		proposals: proposals,
		now:       time.Now,
		listeners: listeners,
		// A hash of the HTTP basic auth string is used for a constant
		// time comparison.
		authsha: sha256.Sum256(httpBasicAuth(opts.Username, opts.Password)),
		quit:    make(chan struct{}),
	}

	server.registerRoutes()

	server.httpServer = http.Server{
		Handler: throttled(maxClients, server.authenticated(server.router)),

		// Timeout connections which don't complete the request within
		// the allowed timeframe.
		ReadTimeout: apiReadTimeout,
	}

	return server
}

// registerRoutes binds every endpoint to its handler.
func (s *Server) registerRoutes() {
	r := s.router.PathPrefix("/v1").Subrouter()

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/wallets", s.handleRegisterWallet).
		Methods(http.MethodPost)
	r.HandleFunc("/wallets/{id}/balances", s.handleWalletBalances).
		Methods(http.MethodGet)
	r.HandleFunc("/wallets/{id}/history", s.handleWalletHistory).
		Methods(http.MethodGet)
	r.HandleFunc("/addresses/{address}/balances",
		s.handleAddressBalances).Methods(http.MethodGet)
	r.HandleFunc("/addresses/{address}/history",
		s.handleAddressHistory).Methods(http.MethodGet)

	r.HandleFunc("/proposals", s.handleCreateProposal).
		Methods(http.MethodPost)
	r.HandleFunc("/proposals/{id}", s.handleGetProposal).
		Methods(http.MethodGet)
	r.HandleFunc("/proposals/{id}", s.handleSendProposal).
		Methods(http.MethodPut)
	r.HandleFunc("/proposals/{id}", s.handleDestroyProposal).
		Methods(http.MethodDelete)
}

// ServeHTTP serves a single request through the full handler chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// Start begins serving on every listener. It does not block.
func (s *Server) Start() {
	for _, lis := range s.listeners {
		s.serve(lis)
	}
}

// serve serves the API on lis. This function does not block on
// lis.Accept.
func (s *Server) serve(lis net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Infof("API server listening on %s", lis.Addr())
		err := s.httpServer.Serve(lis)
		log.Tracef("Finished serving API: %v", err)
	}()
}

// Stop closes every listener and waits for the serving goroutines to exit.
// Calling Stop more than once is harmless.
func (s *Server) Stop() {
	s.quitMtx.Lock()
	select {
	case <-s.quit:
		s.quitMtx.Unlock()
		return
	default:
	}

	// Closing the server drops active connections as well as the
	// listeners it is serving.
	if err := s.httpServer.Close(); err != nil {
		log.Debugf("Closing API server: %v", err)
	}
	for _, listener := range s.listeners {
		err := listener.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Errorf("Cannot close listener `%s`: %v",
				listener.Addr(), err)
		}
	}

	close(s.quit)
	s.quitMtx.Unlock()

	s.wg.Wait()
}

// httpBasicAuth returns the UTF-8 bytes of the HTTP Basic authentication
// string:
//
//	"Basic " + base64(username + ":" + password)
func httpBasicAuth(username, password string) []byte {
	const header = "Basic "
	base64 := base64.StdEncoding

	b64InputLen := len(username) + len(":") + len(password)
	b64Input := make([]byte, 0, b64InputLen)
	b64Input = append(b64Input, username...)
	b64Input = append(b64Input, ':')
	b64Input = append(b64Input, password...)

	output := make([]byte, len(header)+base64.EncodedLen(b64InputLen))
	copy(output, header)
	base64.Encode(output[len(header):], b64Input)
	return output
}

// checkAuthHeader checks the HTTP Basic authentication supplied by a client
// in the HTTP request r. It errors with ErrNoAuth if the request does not
// contain the Authorization header, or another non-nil error if the
// authentication was provided but incorrect.
//
// This check is time-constant.
func (s *Server) checkAuthHeader(r *http.Request) error {
	authhdr := r.Header["Authorization"]
	if len(authhdr) == 0 {
		return ErrNoAuth
	}

	authsha := sha256.Sum256([]byte(authhdr[0]))
	cmp := subtle.ConstantTimeCompare(authsha[:], s.authsha[:])
	if cmp != 1 {
		return errors.New("bad auth")
	}
	return nil
}

// authenticated rejects requests that fail checkAuthHeader.
func (s *Server) authenticated(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.checkAuthHeader(r); err != nil {
			log.Warnf("Unauthorized client request from %s: %v",
				r.RemoteAddr, err)
			authFail(w)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// authFail sends a message back to the client if the http auth is rejected.
func authFail(w http.ResponseWriter) {
	w.Header().Add("WWW-Authenticate", `Basic realm="walletindexer API"`)
	writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
}

// throttled wraps an http.Handler with throttling of concurrent active
// clients by responding with an HTTP 429 when the threshold is crossed.
func throttled(threshold int64, h http.Handler) http.Handler {
	var active int64

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)

		if current-1 >= threshold {
			log.Warnf("Reached threshold of %d concurrent active "+
				"clients", threshold)
			writeError(w, http.StatusTooManyRequests,
				errors.New("too many requests"))
			return
		}

		h.ServeHTTP(w, r)
	})
}
