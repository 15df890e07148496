// Package rpc exposes the task lifecycle engine over HTTP.
//
// Authentication is delegated to a fronting proxy: the server trusts the
// X-Auth-User header for identity and resolves group membership through
// the directory service on every request. There is no session state.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tasklane/tasklane/internal/directory"
	"github.com/tasklane/tasklane/internal/lifecycle"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/types"
)

// Server serves the HTTP API.
type Server struct {
	engine *lifecycle.Engine
	store  storage.Storage
	dir    directory.Service
	log    *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
}

// NewServer wires the API around an engine and its backing store.
func NewServer(engine *lifecycle.Engine, store storage.Storage, dir directory.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, store: store, dir: dir, log: log}
}

// Handler builds the route table. Exposed separately so tests can drive
// the mux through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health has no auth requirement.
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /tasks", s.authed(s.handleCreateTask))
	mux.Handle("GET /tasks/{app}", s.authed(s.handleListTasks))
	mux.Handle("GET /task/{id}", s.authed(s.handleGetTask))
	mux.Handle("POST /tasks/promote", s.authed(s.handleTransition(true)))
	mux.Handle("POST /tasks/demote", s.authed(s.handleTransition(false)))
	mux.Handle("PUT /tasks", s.authed(s.handleAmendTask))

	mux.Handle("POST /applications", s.authed(s.handleCreateApplication))
	mux.Handle("GET /applications", s.authed(s.handleListApplications))
	mux.Handle("GET /applications/{acronym}", s.authed(s.handleGetApplication))
	mux.Handle("PATCH /applications/{acronym}", s.authed(s.handleUpdateApplication))

	mux.Handle("POST /plans/{app}", s.authed(s.handleCreatePlan))
	mux.Handle("GET /plans/{app}", s.authed(s.handleListPlans))

	return mux
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", "addr", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, usable after Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

type principalKey struct{}

// principalFrom returns the authenticated principal stored by the auth
// middleware. Zero value when the request skipped authentication.
func principalFrom(ctx context.Context) types.Principal {
	p, _ := ctx.Value(principalKey{}).(types.Principal)
	return p
}

// authed resolves the caller's identity and group memberships before the
// handler runs. Groups come from X-Auth-Groups when the proxy supplies
// them, otherwise from the directory service. Memberships are re-read on
// every request so a revoked group takes effect immediately.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-Auth-User"))
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing X-Auth-User header", Code: "unauthenticated"})
			return
		}

		var groups []string
		if raw := r.Header.Get("X-Auth-Groups"); raw != "" {
			for _, g := range strings.Split(raw, ",") {
				if g = strings.TrimSpace(g); g != "" {
					groups = append(groups, g)
				}
			}
		} else if s.dir != nil {
			var err error
			groups, err = s.dir.GroupsForUser(r.Context(), user)
			if err != nil {
				s.writeError(w, r, fmt.Errorf("resolve groups for %s: %w", user, err))
				return
			}
		}

		p := types.Principal{Username: user, Groups: groups}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps engine and storage sentinels onto HTTP statuses. Both
// conflict flavors use 409: stale_state tells the client to refetch and
// retry, invalid_transition tells it the request can never succeed from
// the current stage.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, lifecycle.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrStaleState):
		status, code = http.StatusConflict, "stale_state"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, storage.ErrDuplicate):
		status, code = http.StatusConflict, "duplicate"
	default:
		status, code = http.StatusInternalServerError, "internal"
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON rejects unknown fields so typos in request bodies surface
// as 400s instead of being silently ignored.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", lifecycle.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
