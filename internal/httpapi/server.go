// Package httpapi provides the HTTP surface of the LoadZone daemon.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/loadzone/loadzone/internal/booking"
	"github.com/loadzone/loadzone/internal/notify"
)

// identityCookie carries the requester identity between calls.
const identityCookie = "requester"

// Server provides the HTTP API.
type Server struct {
	service *booking.Service
	hub     *notify.Hub
	logger  pslog.Logger
	addr    string
	server  *http.Server
}

// NewServer creates an HTTP server over the booking service.
func NewServer(service *booking.Service, hub *notify.Hub, addr string, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Server{
		service: service,
		hub:     hub,
		logger:  logger,
		addr:    addr,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/me", s.handleMe)

	mux.HandleFunc("/resources", s.handleResources)
	mux.HandleFunc("/resources/", s.handleResourceByID)

	mux.HandleFunc("/groups", s.handleGroups)
	mux.HandleFunc("/groups/", s.handleGroupByID)

	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams indefinitely.
	}

	s.logger.Info("httpapi.listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// writeError maps booking sentinels to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, booking.ErrGroupNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, booking.ErrAlreadyLeased),
		errors.Is(err, booking.ErrNotOwner),
		errors.Is(err, booking.ErrSelfOwnership),
		errors.Is(err, booking.ErrNotQueued),
		errors.Is(err, booking.ErrQueueFull),
		errors.Is(err, booking.ErrResourceExists),
		errors.Is(err, booking.ErrGroupExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("httpapi.internal_error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
