// Package ws exposes the report service over HTTP: the live planning and
// generation websocket, section edit and chunk ingestion endpoints, usage
// metrics, and the prometheus scrape endpoint.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"reportforge/pkg/dispatch"
	"reportforge/pkg/logx"
	"reportforge/pkg/metrics"
	"reportforge/pkg/persistence"
	"reportforge/pkg/pipeline"
	"reportforge/pkg/render"
	"reportforge/pkg/retrieval"
	"reportforge/pkg/session"
)

// Server is the HTTP front for the report service.
type Server struct {
	store      *persistence.Store
	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	writer     *render.Writer
	retriever  session.ContextProvider // optional
	embedder   retrieval.Embedder      // optional, with chunkStore
	chunkStore *retrieval.Store        // optional
	querySvc   *metrics.QueryService   // optional
	registry   *prometheus.Registry
	logger     *logx.Logger
}

// ServerDeps carries the collaborators the server hands to each session.
type ServerDeps struct {
	Store      *persistence.Store
	Pipeline   *pipeline.Pipeline
	Dispatcher *dispatch.Dispatcher
	Writer     *render.Writer
	Retriever  session.ContextProvider
	Embedder   retrieval.Embedder
	ChunkStore *retrieval.Store
	QuerySvc   *metrics.QueryService
	Registry   *prometheus.Registry
}

// NewServer creates the HTTP server front.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		store:      deps.Store,
		pipeline:   deps.Pipeline,
		dispatcher: deps.Dispatcher,
		writer:     deps.Writer,
		retriever:  deps.Retriever,
		embedder:   deps.Embedder,
		chunkStore: deps.ChunkStore,
		querySvc:   deps.QuerySvc,
		registry:   deps.Registry,
		logger:     logx.NewLogger("ws"),
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws/plan_generate", s.handlePlanGenerate)
	mux.HandleFunc("/api/chunks", s.requireAuth(s.handleChunks))
	mux.HandleFunc("/api/sections/", s.requireAuth(s.handleSectionEdit))
	mux.HandleFunc("/api/reports/", s.requireAuth(s.handleReportMetrics))

	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// StartServer runs the HTTP server until the context is canceled, then
// shuts it down gracefully.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

// authenticate checks HTTP basic credentials against the users table.
func (s *Server) authenticate(r *http.Request) (*persistence.User, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, errors.New("no credentials provided")
	}

	user, err := s.store.GetUserByUsername(username)
	if err != nil {
		// Hide whether the account exists.
		return nil, errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}
	return user, nil
}

// requireAuth wraps an HTTP handler with basic authentication against the
// users table.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *persistence.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			s.logger.Warn("failed authentication attempt from %s: %v", r.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", `Basic realm="reportforge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
