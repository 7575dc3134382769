// Package api serves the sheetagent HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/malbeclabs/sheetagent/api/handlers"
	"github.com/malbeclabs/sheetagent/api/metrics"
	"github.com/malbeclabs/sheetagent/internal/app"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	log            *slog.Logger
	app            *app.App
	listenAddr     string
	allowedOrigins []string
	handler        http.Handler
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.log = logger
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithAllowedOrigins enables CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func NewServer(a *app.App, opts ...Option) (*Server, error) {
	if a == nil {
		return nil, errors.New("app is required")
	}
	s := &Server{
		log:        slog.Default(),
		app:        a,
		listenAddr: ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	h := handlers.New(s.log, s.app)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tables", h.ListTables)
		r.Post("/tables", h.AddTable)
		r.Post("/tables/upload", h.UploadTable)
		r.Post("/tables/join", h.JoinTables)
		r.Post("/tables/join/suggest", h.SuggestJoin)
		r.Delete("/tables/{id}", h.RemoveTable)
		r.Post("/tables/{id}/active", h.SetActive)
		r.Get("/tables/{id}/preview", h.Preview)

		r.Post("/chat", h.Chat)
		r.Post("/chat/stream", h.ChatStream)

		r.Get("/tools", h.ListTools)
		r.Get("/tools/{name}", h.GetTool)
		r.Post("/tools/{name}", h.CallTool)

		r.Get("/traces", h.ListTraces)
		r.Get("/traces/{id}", h.GetTrace)
		r.Post("/traces/{id}/feedback", h.SubmitFeedback)
	})
	return r
}

// Run serves until ctx is canceled, then drains open requests.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.listenAddr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			metrics.TablesLoaded.Set(float64(s.app.Registry.Len()))
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: server listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-errCh
}
