// Package web serves the orchestrator over HTTP as a JSON API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/orchestrator"
)

// Version is reported in the OpenAPI document.
var Version = "dev"

// Server is the HTTP API server.
type Server struct {
	orch   *orchestrator.Orchestrator
	db     *db.DB
	addr   string
	logger *slog.Logger

	// pollInterval is how often the event stream checks for new events.
	pollInterval time.Duration
}

// NewServer creates a Server for orch listening on addr.
func NewServer(orch *orchestrator.Orchestrator, database *db.DB, addr string) *Server {
	return &Server{
		orch:         orch,
		db:           database,
		addr:         addr,
		logger:       slog.Default(),
		pollInterval: time.Second,
	}
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(l *slog.Logger) { s.logger = l }

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"unknown execution"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope every failed request returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps domain errors onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, orchestrator.ErrUnknownExecution), errors.Is(err, artifact.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, execution.ErrImmutable):
		return newAPIError(http.StatusConflict, "immutable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// Handler builds the router with every route registered.
func (s *Server) Handler() http.Handler {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.requestLogger)

	cfg := huma.DefaultConfig("reqforge API", Version)
	cfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, cfg)

	registerHealth(api)
	s.registerExecutions(api)
	s.registerArtifacts(api)
	s.registerEvents(api)
	s.registerStats(api)
	router.Get("/executions/{id}/stream", s.handleEventStream)

	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("reqforge API listening", "addr", s.addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.orch.Shutdown(shutdownCtx)
}
