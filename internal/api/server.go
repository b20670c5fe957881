package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tasklease/internal/auth"
	"github.com/mattjoyce/tasklease/internal/logstream"
	"github.com/mattjoyce/tasklease/internal/protocol"
	"github.com/mattjoyce/tasklease/internal/subscription"
)

// TaskReader is the read side of the partition's task store.
type TaskReader interface {
	Get(key int64) (protocol.Task, bool)
	Len() int
	Applied() int64
}

// Subscriptions manages worker subscriptions.
type Subscriptions interface {
	Open(spec subscription.Spec) (*subscription.Subscription, error)
	Close(key int64) error
	Get(key int64) (*subscription.Subscription, bool)
	List() []subscription.Info
	Len() int
	Replenish(key int64, n int64) error
}

// PushSource lets a connected worker receive the locks pushed to its channel.
type PushSource interface {
	Subscribe(channelID string) (<-chan protocol.SubscribedEvent, func())
}

// Sweeper triggers an out-of-band lock expiration sweep.
type Sweeper interface {
	Trigger()
}

// Snapshotter persists the task store on demand.
type Snapshotter interface {
	SnapshotNow(ctx context.Context) (int64, error)
}

// Deps are the partition components the API drives. Push, Sweeper and
// Snapshotter are optional; their routes answer 501 when absent.
type Deps struct {
	Log           logstream.Appender
	Tasks         TaskReader
	Subscriptions Subscriptions
	Responder     *Responder
	Feed          *Feed
	Push          PushSource
	Sweeper       Sweeper
	Snapshotter   Snapshotter
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// ResponseTimeout bounds how long a command endpoint waits for the
	// follow-up record.
	ResponseTimeout time.Duration
	Retry           logstream.RetryPolicy
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 5 * time.Second
	}
	if config.Retry.Budget <= 0 {
		config.Retry = logstream.DefaultRetryPolicy()
	}
	if deps.Responder == nil {
		deps.Responder = NewResponder()
	}
	if deps.Feed == nil {
		deps.Feed = NewFeed(DefaultFeedBacklog)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// streams hold the connection open, so no WriteTimeout
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeTasksWrite)).Post("/tasks", s.handleCreateTask)
		r.With(s.requireScopes(auth.ScopeTasksRead)).Get("/tasks/{key}", s.handleGetTask)
		r.With(s.requireScopes(auth.ScopeTasksWrite)).Post("/tasks/{key}/complete", s.handleCompleteTask)
		r.With(s.requireScopes(auth.ScopeTasksWrite)).Post("/tasks/{key}/fail", s.handleFailTask)
		r.With(s.requireScopes(auth.ScopeTasksWrite)).Post("/tasks/{key}/retries", s.handleUpdateRetries)
		r.With(s.requireScopes(auth.ScopeTasksWrite)).Post("/tasks/{key}/cancel", s.handleCancelTask)

		r.With(s.requireScopes(auth.ScopeSubscriptionsRead)).Get("/subscriptions", s.handleListSubscriptions)
		r.With(s.requireScopes(auth.ScopeSubscriptionsWrite)).Post("/subscriptions", s.handleOpenSubscription)
		r.With(s.requireScopes(auth.ScopeSubscriptionsWrite)).Delete("/subscriptions/{key}", s.handleCloseSubscription)
		r.With(s.requireScopes(auth.ScopeSubscriptionsWrite)).Post("/subscriptions/{key}/credits", s.handleReplenish)
		r.With(s.requireScopes(auth.ScopeSubscriptionsWrite)).Get("/subscriptions/{key}/stream", s.handleSubscriptionStream)
		r.With(s.requireScopes(auth.ScopeSubscriptionsWrite)).Get("/subscriptions/{key}/ws", s.handleSubscriptionSocket)

		r.With(s.requireScopes(auth.ScopeTasksRead)).Get("/events", s.handleEvents)

		r.With(s.requireScopes(auth.ScopeAdmin)).Post("/admin/expire", s.handleTriggerExpiry)
		r.With(s.requireScopes(auth.ScopeAdmin)).Post("/admin/snapshot", s.handleSnapshot)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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

// authMiddleware resolves the bearer token to a principal.
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

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
