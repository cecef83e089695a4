// Package admin exposes the engine's HTTP surface: the webhook ingestion
// endpoint, the journey management API, contact state queries, health, and
// metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apperrors "github.com/goliatone/go-errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/catalog"
	"github.com/nowcrm/journeys/state"
	"github.com/nowcrm/journeys/trigger"
)

// Server is the engine's HTTP front.
type Server struct {
	addr    string
	catalog catalog.Store
	machine *state.Machine
	webhook *trigger.Webhook
	logger  journeys.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l journeys.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer wires the HTTP surface.
func NewServer(addr string, cat catalog.Store, machine *state.Machine, webhook *trigger.Webhook, opts ...ServerOption) *Server {
	s := &Server{
		addr:    addr,
		catalog: cat,
		machine: machine,
		webhook: webhook,
		logger:  journeys.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/webhooks", s.webhook.Routes())

	r.Route("/api", func(r chi.Router) {
		r.Route("/journeys", func(r chi.Router) {
			r.Get("/", s.handleListJourneys)
			r.Post("/", s.handleSaveJourney)
			r.Get("/{journeyID}", s.handleGetJourney)
			r.Put("/{journeyID}", s.handleSaveJourney)
			r.Delete("/{journeyID}", s.handleDeleteJourney)
			r.Post("/{journeyID}/duplicate", s.handleDuplicateJourney)
		})
		r.Route("/contacts/{contactID}/journeys", func(r chi.Router) {
			r.Get("/", s.handleContactJourneys)
			r.Delete("/{journeyID}", s.handleRemoveFromJourney)
			r.Delete("/{journeyID}/steps/{stepID}", s.handleRemoveFromStep)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening on %s", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto the API's error envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := "internal error"

	var ge *apperrors.Error
	if errors.As(err, &ge) {
		if ge.TextCode != "" {
			code = ge.TextCode
		}
		message = ge.Message
		status = statusFor(ge)
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func statusFor(ge *apperrors.Error) int {
	switch ge.TextCode {
	case journeys.ErrCodeUnknownJourney, journeys.ErrCodeUnknownStep, journeys.ErrCodeStateNotFound:
		return http.StatusNotFound
	}
	switch ge.Category {
	case apperrors.CategoryValidation, apperrors.CategoryBadInput:
		return http.StatusBadRequest
	case apperrors.CategoryConflict:
		return http.StatusConflict
	case apperrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
