// Package server exposes the price engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"pricefetcher/internal/engine"
	"pricefetcher/internal/fetcher"
	"pricefetcher/internal/metrics"
	"pricefetcher/internal/model"
)

// PriceService is the part of the engine the server needs.
type PriceService interface {
	GetPrice(ctx context.Context, instrument string, opts engine.Options) (model.Record, error)
	Get(ctx context.Context, category, key string, force bool) (model.Record, error)
	Invalidate(instrument string)
	MarkHighPriority(instrument string)
	UnmarkHighPriority(instrument string)
	Stats() engine.Telemetry
}

// Config holds HTTP server configuration.
type Config struct {
	Addr        string
	MetricsPath string
}

// Server is the HTTP front end of the price engine.
type Server struct {
	svc     PriceService
	metrics *metrics.Collector
	logger  *slog.Logger
	router  *mux.Router
	http    *http.Server
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// New creates a server and registers its routes.
func New(cfg Config, svc PriceService, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		svc:     svc,
		metrics: m,
		logger:  logger,
		router:  mux.NewRouter(),
	}

	s.router.Use(requestID, s.observe)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/price/{instrument}", s.handleGetPrice).Methods(http.MethodGet)
	api.HandleFunc("/price/{instrument}", s.handleInvalidate).Methods(http.MethodDelete)
	api.HandleFunc("/priority/{instrument}", s.handleMarkPriority).Methods(http.MethodPut)
	api.HandleFunc("/priority/{instrument}", s.handleUnmarkPriority).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle(cfg.MetricsPath, m.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	q := r.URL.Query()

	fast, err := boolParam(q.Get("fast"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid fast parameter: %w", err))
		return
	}
	refresh, err := boolParam(q.Get("refresh"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid refresh parameter: %w", err))
		return
	}

	var rec model.Record
	if category := q.Get("category"); category != "" {
		rec, err = s.svc.Get(r.Context(), category, instrument, refresh)
	} else {
		rec, err = s.svc.GetPrice(r.Context(), instrument, engine.Options{ForceRefresh: refresh, FastPath: fast})
	}
	if err != nil {
		s.logger.Debug("price lookup failed", "instrument", instrument, "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	if rec.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.svc.Invalidate(mux.Vars(r)["instrument"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkPriority(w http.ResponseWriter, r *http.Request) {
	s.svc.MarkHighPriority(mux.Vars(r)["instrument"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnmarkPriority(w http.ResponseWriter, r *http.Request) {
	s.svc.UnmarkHighPriority(mux.Vars(r)["instrument"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, engine.ErrUnknownCategory) {
		return http.StatusNotFound
	}
	switch fetcher.TypeOf(err) {
	case fetcher.ErrorTypeExhausted:
		return http.StatusServiceUnavailable
	case fetcher.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case fetcher.ErrorTypeCanceled:
		return http.StatusServiceUnavailable
	case fetcher.ErrorTypeMalformed, fetcher.ErrorTypeServer, fetcher.ErrorTypeTransport, fetcher.ErrorTypeRateLimit, fetcher.ErrorTypeClient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if t := fetcher.TypeOf(err); t != fetcher.ErrorTypeUnknown {
		resp.Type = string(t)
	}
	writeJSON(w, status, resp)
}
