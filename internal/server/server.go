// Package server is the producer-side entry point: authenticated HTTP
// endpoints that insert remote commands, the realtime websocket that pushes
// them to desktops, and the housekeeping reaper.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/realtime"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// Config holds server settings.
type Config struct {
	ListenAddr string
	// LeaseTimeout enables the orphan reaper when > 0.
	LeaseTimeout time.Duration
	// Retention enables purging of terminal rows when > 0.
	Retention    time.Duration
	ReapInterval time.Duration
}

// Server is the relay server.
type Server struct {
	cfg      Config
	store    store.Store
	verifier *auth.Verifier
	hub      *realtime.Hub
	reaper   *Reaper
	router   *chi.Mux
	log      zerolog.Logger
}

// New creates a server.
func New(cfg Config, st store.Store, verifier *auth.Verifier, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		verifier: verifier,
		hub:      realtime.NewHub(log),
		reaper:   NewReaper(st, cfg.LeaseTimeout, cfg.Retention, log),
		log:      log.With().Str("component", "server").Logger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/functions/v1", func(r chi.Router) {
			r.Post("/remote-command", s.handleCreateCommand)
			r.Get("/remote-command/{commandID}", s.handleGetCommand)
			r.Post("/remote-command/{commandID}/requeue", s.handleRequeueCommand)
			r.Get("/chat-responses", s.handleChatResponses)
			r.Get("/instances", s.handleInstances)

			r.Route("/scripts", func(r chi.Router) {
				r.Get("/", s.handleListScripts)
				r.Post("/", s.handleCreateScript)
				r.Get("/{scriptID}", s.handleGetScript)
				r.Put("/{scriptID}", s.handleUpdateScript)
				r.Delete("/{scriptID}", s.handleDeleteScript)
			})
		})

		r.Get("/realtime/v1/websocket", s.handleWebSocket)
	})

	s.router = r
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Hub returns the realtime hub.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.reaper.Run(ctx, s.cfg.ReapInterval)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting relay server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("relay server stopped")
	return nil
}
