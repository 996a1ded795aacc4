package server

import (
	"context"
	"net/http"
	"time"

	"github.com/canonical/testflinger-go/internal/app"
	"github.com/canonical/testflinger-go/internal/common"
)

// Server wraps the HTTP server and application reference.
type Server struct {
	app          *app.App
	server       *http.Server
	logger       *common.Logger
	shutdownChan chan struct{}
	events       *EventHub
}

// SetShutdownChannel sets the channel that will be signaled when HTTP shutdown is requested.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// NewServer creates a new HTTP REST API server.
func NewServer(a *app.App) *Server {
	events := NewEventHub(a.Logger)
	go events.Run()

	s := &Server{
		app:    a,
		logger: a.Logger,
		events: events,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, a.Logger, a.Config, a.Storage.Clients())

	s.server = &http.Server{
		Addr:         a.Config.Server.ListenAddress,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("starting dispatch API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and stops the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Stop()
	return s.server.Shutdown(ctx)
}
