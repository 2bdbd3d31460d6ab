// Package api serves the HTTP view of rankings, whale details, discovery
// rounds and validator feedback, plus token-guarded risk controls.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"whale-mirror/internal/discovery"
	"whale-mirror/internal/logging"
	"whale-mirror/internal/metrics"
	"whale-mirror/internal/risk"
	"whale-mirror/internal/scoring"
	"whale-mirror/internal/storage"
	"whale-mirror/internal/validator"
)

// RoundSource exposes retained discovery round summaries.
type RoundSource interface {
	History() []discovery.RoundSummary
}

// FeedbackSource exposes the validator outcome tracker.
type FeedbackSource interface {
	Feedback() *validator.FeedbackTracker
}

// Deps are the components the API reads from. Rounds, Feedback, Risk and
// Metrics may be nil. An empty AdminToken disables the risk controls.
type Deps struct {
	Repo       storage.Repository
	Engine     *scoring.Engine
	Risk       *risk.Manager
	Rounds     RoundSource
	Feedback   FeedbackSource
	Metrics    *metrics.Metrics
	Mode       string
	AdminToken string
}

// Server is the HTTP front of the service.
type Server struct {
	deps    Deps
	router  *mux.Router
	server  *http.Server
	logger  zerolog.Logger
	started time.Time
}

type ctxKey struct{}

// New builds a server listening on addr.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:    deps,
		router:  mux.NewRouter(),
		logger:  logging.Component(logger, "api"),
		started: time.Now().UTC(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID, s.accessLog)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/whales", s.ranking).Methods(http.MethodGet)
	api.HandleFunc("/whales/discarded", s.discarded).Methods(http.MethodGet)
	api.HandleFunc("/whales/{address}", s.details).Methods(http.MethodGet)
	api.HandleFunc("/rounds", s.rounds).Methods(http.MethodGet)
	api.HandleFunc("/feedback", s.feedback).Methods(http.MethodGet)
	api.HandleFunc("/risk", s.riskSnapshot).Methods(http.MethodGet)

	admin := api.PathPrefix("/risk").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/emergency-stop", s.emergencyStop).Methods(http.MethodPost)
	admin.HandleFunc("/whales/{address}/reset", s.resetWhale).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, r, http.StatusNotFound, "endpoint_not_found")
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("api listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("api stopped")
	return nil
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// requireAdmin accepts only requests bearing the configured admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken == "" {
			writeError(w, r, http.StatusForbidden, "admin_disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			s.logger.Warn().Str("request_id", requestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("rejected admin request")
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
