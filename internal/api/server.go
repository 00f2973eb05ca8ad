package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/config"
	"github.com/shohag/driprelay/internal/storage"
)

// Submitter queues a sequence for generation; generation.Dispatcher satisfies it.
type Submitter interface {
	Submit(sequenceID string) bool
}

type Server struct {
	cfg      config.ServerConfig
	defaults config.SequenceConfig
	store    storage.Storage
	jobs     Submitter
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg config.ServerConfig, defaults config.SequenceConfig, store storage.Storage, jobs Submitter, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		defaults: defaults,
		store:    store,
		jobs:     jobs,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	seqHandler := NewSequenceHandler(s.store, s.jobs, s.defaults, s.log)
	statsHandler := NewStatsHandler(s.store)

	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKeys))

		r.With(SignatureMiddleware(s.cfg.WebhookSecret, s.cfg.SignatureSkew)).
			Post("/sequences", seqHandler.Create)
		r.Get("/sequences", seqHandler.List)
		r.Get("/sequences/{id}", seqHandler.Get)
		r.Patch("/sequences/{id}", seqHandler.Update)
		r.Get("/sequences/{id}/items", seqHandler.Items)
		r.Post("/sequences/{id}/resume", seqHandler.Resume)

		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	if len(s.cfg.APIKeys) == 0 {
		s.log.Warn().Msg("no api keys configured, API is unauthenticated")
	}
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
