package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stoker/internal/auth"
	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/tasklog"
)

// TaskPool defines the pool operations the API needs.
type TaskPool interface {
	AssignTask(topic string, payload json.RawMessage, cb pool.Callback) (string, error)
	Stats() pool.Stats
}

// TaskLog defines the task history operations the API needs.
// It may be nil, in which case history endpoints return 404.
type TaskLog interface {
	RecordSubmitted(ctx context.Context, taskID, topic string, payload json.RawMessage, submittedBy string) error
	RecordCompleted(ctx context.Context, taskID string, workerID int, result json.RawMessage, taskErr error) error
	Get(ctx context.Context, taskID string) (*tasklog.Entry, error)
	Recent(ctx context.Context, limit int) ([]*tasklog.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens            []auth.TokenConfig
	MaxConcurrentSync int
	MaxSyncTimeout    time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	config        Config
	pool          TaskPool
	tasks         TaskLog
	hub           *events.Hub
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	serviceName   string
	syncSemaphore chan struct{}

	// shutdown releases completion recorders still waiting on callbacks the
	// pool abandoned at teardown.
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a new API server instance. tasks may be nil when task
// history is disabled; hub must be the same hub the pool publishes to.
func New(config Config, serviceName string, p TaskPool, tasks TaskLog, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxConcurrentSync <= 0 {
		config.MaxConcurrentSync = 10
	}
	if config.MaxSyncTimeout <= 0 {
		config.MaxSyncTimeout = 10 * time.Minute
	}
	return &Server{
		config:        config,
		pool:          p,
		tasks:         tasks,
		hub:           hub,
		logger:        logger,
		startedAt:     time.Now(),
		serviceName:   serviceName,
		syncSemaphore: make(chan struct{}, config.MaxConcurrentSync),
		shutdown:      make(chan struct{}),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // waiting submissions and SSE streams outlive short timeouts
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		s.shutdownOnce.Do(func() { close(s.shutdown) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("tasks:ro", "tasks:rw", "*")).Get("/v1/status", s.handleStatus)
		r.With(s.requireScopes("tasks:rw", "*")).Post("/v1/tasks", s.handleSubmitTask)
		r.With(s.requireScopes("tasks:ro", "tasks:rw", "*")).Get("/v1/tasks/recent", s.handleRecentTasks)
		r.With(s.requireScopes("tasks:ro", "tasks:rw", "*")).Get("/v1/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes("events:ro", "events:rw", "*")).Get("/v1/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer token to a principal and stores it
// on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireScopes rejects requests whose principal holds none of the given scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
