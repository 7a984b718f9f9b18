// Package api exposes the REST surface of the OCR service: login, document
// upload, status polling and result retrieval. All document routes require a
// bearer token issued by the /token endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/zswll2/olmocr-api/internal/auth"
	"github.com/zswll2/olmocr-api/internal/intake"
	"github.com/zswll2/olmocr-api/internal/registry"
	"github.com/zswll2/olmocr-api/pkg/tasks"
)

// Dispatcher hands accepted tasks to the background scheduler.
type Dispatcher interface {
	Dispatch(t *tasks.Task)
}

// Server wires the HTTP routes to the auth, intake and registry layers.
type Server struct {
	creds    *auth.CredentialStore
	tokens   *auth.TokenService
	reg      registry.Registry
	intake   *intake.Intake
	sched    Dispatcher
	markdown goldmark.Markdown

	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds the route table and the underlying http.Server bound to
// addr.
func NewServer(addr string, creds *auth.CredentialStore, tokens *auth.TokenService, reg registry.Registry, in *intake.Intake, sched Dispatcher) *Server {
	s := &Server{
		creds:    creds,
		tokens:   tokens,
		reg:      reg,
		intake:   in,
		sched:    sched,
		markdown: goldmark.New(),
		mux:      http.NewServeMux(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/token", s.handleToken)
	s.mux.HandleFunc("/users/me", s.requireAuth(s.handleMe))
	s.mux.HandleFunc("/ocr/upload", s.requireAuth(s.handleUpload))
	s.mux.HandleFunc("/ocr/status/", s.requireAuth(s.handleStatus))
	s.mux.HandleFunc("/ocr/result/", s.requireAuth(s.handleResult))
}

// Handler returns the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userContextKey struct{}

// requireAuth verifies the bearer token and stashes the username in the
// request context. The account must still exist; a valid token for a
// removed user is rejected.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.unauthorized(w, "not authenticated")
			return
		}
		username, err := s.tokens.Verify(raw)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				s.unauthorized(w, "token expired")
				return
			}
			s.unauthorized(w, "could not validate credentials")
			return
		}
		if _, ok := s.creds.Lookup(username); !ok {
			s.unauthorized(w, "could not validate credentials")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, username)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func currentUser(r *http.Request) string {
	username, _ := r.Context().Value(userContextKey{}).(string)
	return username
}

func (s *Server) unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, detail)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
