// Package httpapi exposes the agent and operator HTTP surface: claim and
// completion endpoints for worker agents, request/resource/settings
// management and manual sweep triggers for operators.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"resfarm/internal/catalog"
	"resfarm/internal/config"
	"resfarm/internal/engine"
	"resfarm/internal/settings"
	logx "resfarm/pkg/logx"
)

// Server is the HTTP front of the scheduling engine.
type Server struct {
	engine   *engine.Service
	settings *settings.Service
	catalog  *catalog.Service
	log      logx.Logger

	claims *claimLimiter
	srv    *http.Server
}

func New(cfg config.HTTPConfig, eng *engine.Service, set *settings.Service, cat *catalog.Service, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		engine:   eng,
		settings: set,
		catalog:  cat,
		log:      log.With(logx.String("component", "httpapi")),
		claims:   newClaimLimiter(cfg.ClaimRatePerSec, cfg.ClaimBurst),
	}

	readTimeout, err := config.ParseDurationOrDefault("http.read_timeout", cfg.ReadTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("http.write_timeout", cfg.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s, nil
}

// Router builds the full route table. Exposed separately for handler tests.
func (s *Server) Router() http.Handler {
	m := mux.NewRouter()
	m.Use(s.logRequests)

	api := m.PathPrefix("/api/v1").Subrouter()

	// agent surface
	api.Handle("/items/claim", s.claims.limit(http.HandlerFunc(s.handleClaim))).Methods(http.MethodPost)
	api.HandleFunc("/items/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/status", s.handleUpdateStatus).Methods(http.MethodPut)
	api.HandleFunc("/items/{id}", s.handleGetItem).Methods(http.MethodGet)

	// operator surface
	api.HandleFunc("/requests", s.handleSubmitRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/submit", s.handleSubmitDraft).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/sweeps/{name}", s.handleTriggerSweep).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/resources/{id}", s.handleUpsertResource).Methods(http.MethodPut)
	api.HandleFunc("/settings", s.handleListSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/{key}", s.handleSetSetting).Methods(http.MethodPut)

	m.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return m
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// logRequests is a thin access log; bodies are never logged.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", sw.status), logx.Duration("took", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
