// Package server exposes the chat core over HTTP: a token-authenticated
// JSON API for threads, an SSE endpoint streaming turn events, and the
// Prometheus metrics handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/chatkit/internal/auth"
	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/store"
)

type ctxKey int

const userIDKey ctxKey = 0

// Server is the HTTP front end.
type Server struct {
	addr    string
	logger  *slog.Logger
	reg     *plugins.Registry
	promReg *prometheus.Registry

	httpServer *http.Server
	listener   net.Listener
}

// New creates the server. promReg may be nil to disable /metrics.
func New(addr string, reg *plugins.Registry, promReg *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		logger:  logger.With("component", "server"),
		reg:     reg,
		promReg: promReg,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.promReg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /v1/login", s.handleLogin)

	mux.Handle("POST /v1/chat", s.requireAuth(s.handleChat))
	mux.Handle("GET /v1/models", s.requireAuth(s.handleModels))
	mux.Handle("GET /v1/threads", s.requireAuth(s.handleListThreads))
	mux.Handle("GET /v1/threads/search", s.requireAuth(s.handleSearchThreads))
	mux.Handle("GET /v1/threads/{id}", s.requireAuth(s.handleGetThread))
	mux.Handle("GET /v1/threads/{id}/messages", s.requireAuth(s.handleThreadMessages))
	mux.Handle("PATCH /v1/threads/{id}", s.requireAuth(s.handleRenameThread))
	mux.Handle("POST /v1/threads/{id}/archive", s.requireAuth(s.handleArchiveThread))
	mux.Handle("DELETE /v1/threads/{id}", s.requireAuth(s.handleDeleteThread))

	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", s.addr)
	return nil
}

// Addr returns the bound listen address, once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireAuth verifies the bearer token and puts the user id on the request
// context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		authPlugin, err := s.reg.Auth()
		if err != nil {
			s.writeJSONError(w, err)
			return
		}
		userID, err := authPlugin.VerifyToken(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeJSONError maps domain sentinels onto HTTP statuses.
func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrBusy):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
