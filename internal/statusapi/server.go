// Package statusapi serves the local HTTP API of the daemon: health,
// Prometheus metrics and read/edit access to the cached dashboard state.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/busdash/internal/engine"
	"github.com/markus-barta/busdash/internal/eventbus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds the API settings.
type Config struct {
	ListenAddr      string
	DisplayWidth    int           // chart width used when a request names none
	ShutdownTimeout time.Duration // graceful shutdown of open requests
}

// Server is the status API server.
type Server struct {
	cfg    Config
	eng    *engine.Engine
	log    zerolog.Logger
	router *chi.Mux
	hub    *Hub

	pushConnected atomic.Bool
	subs          []eventbus.Subscription
	stopHub       context.CancelFunc
}

// New creates the server, starts the event hub and tracks the push
// connection state. Close releases both.
func New(cfg Config, eng *engine.Engine, log zerolog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg: cfg,
		eng: eng,
		log: log.With().Str("component", "statusapi").Logger(),
		hub: NewHub(log),
	}

	bus := eng.Bus()
	s.subs = append(s.subs,
		bus.Subscribe(eventbus.TopicPushConnected, func(any) { s.pushConnected.Store(true) }),
		bus.Subscribe(eventbus.TopicPushDisconnected, func(any) { s.pushConnected.Store(false) }),
	)
	s.subs = append(s.subs, s.hub.Subscribe(bus)...)

	// Start hub immediately (for testing and normal use)
	hubCtx, stop := context.WithCancel(context.Background())
	s.stopHub = stop
	go s.hub.Run(hubCtx)

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Get("/nodes", s.handleGetNodes)
		r.Get("/nodes/{nodeID}", s.handleGetNode)

		r.Get("/widgets", s.handleGetWidgets)
		r.Put("/widgets/order", s.handleReorderWidgets)
		r.Patch("/widgets/{nodeID}", s.handleUpdateWidget)

		r.Get("/history/{nodeID}/{context}", s.handleGetHistory)
		r.Put("/history/{nodeID}/{context}/period", s.handleSetPeriod)
		r.Delete("/history/{nodeID}/modal", s.handleCloseModal)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Serve runs the server until ctx is cancelled. It implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting status API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status API shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "status-api" }

// Close stops relaying bus events and disconnects UI clients.
func (s *Server) Close() {
	for _, sub := range s.subs {
		s.eng.Bus().Unsubscribe(sub)
	}
	s.subs = nil
	s.stopHub()
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
