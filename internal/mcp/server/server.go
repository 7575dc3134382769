// Package server exposes the sheet tools and the question workflow over the
// Model Context Protocol, using the stateless streamable HTTP transport.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/malbeclabs/sheetagent/internal/mcp/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	mcp     *mcp.Server
	handler http.Handler
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcp.NewServer(&mcp.Implementation{Name: "sheetagent", Version: cfg.Version}, nil),
	}

	if err := RegisterSheetTools(s.log, s.mcp, cfg.Tools); err != nil {
		return nil, fmt.Errorf("failed to register sheet tools: %w", err)
	}
	if err := RegisterListTablesTool(s.log, s.mcp, cfg.Tables); err != nil {
		return nil, fmt.Errorf("failed to register list_tables tool: %w", err)
	}
	if cfg.Asker != nil {
		if err := RegisterQueryTool(s.log, s.mcp, cfg.Asker); err != nil {
			return nil, fmt.Errorf("failed to register query tool: %w", err)
		}
	}

	s.handler = s.routes()
	return s, nil
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeText(w, http.StatusOK, "ok")
	})
	r.Get("/readyz", s.readyzHandler)

	r.Group(func(r chi.Router) {
		if len(s.cfg.AllowedTokens) > 0 {
			r.Use(s.authMiddleware)
		}
		r.Handle("/", streamable)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve handles MCP traffic on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		// The query tool runs the whole workflow, which can take a while.
		ReadTimeout:    time.Minute,
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    2 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: mcp listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: stopping", "reason", context.Cause(ctx))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// readyzHandler reports ready once at least one table is loaded.
func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if len(s.cfg.Tables.ListTables()) == 0 {
		s.writeText(w, http.StatusServiceUnavailable, "no tables loaded")
		return
	}
	s.writeText(w, http.StatusOK, "ok")
}

func (s *Server) writeText(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(msg + "\n")); err != nil {
		s.log.Error("server: failed to write response", "status", status, "error", err)
	}
}

var authFailures = map[string]string{
	"missing_header": "missing authorization header",
	"invalid_format": "invalid authorization header format",
	"empty_token":    "empty token",
	"invalid_token":  "invalid token",
}

// bearerToken extracts the token from an Authorization header. On failure it
// returns the metric label of the reason.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing_header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", "invalid_format"
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", "empty_token"
	}
	return token, ""
}

func (s *Server) allowed(token string) bool {
	for _, t := range s.cfg.AllowedTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, reason := bearerToken(r.Header.Get("Authorization"))
		if reason == "" && !s.allowed(token) {
			reason = "invalid_token"
		}
		if reason != "" {
			metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
			s.log.Debug("server: rejected request", "reason", reason, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeText(w, http.StatusUnauthorized, "unauthorized: "+authFailures[reason])
			return
		}
		next.ServeHTTP(w, r)
	})
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	})
}
