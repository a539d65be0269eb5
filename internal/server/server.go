// Package server exposes the Webhook Processor over HTTP: the chi router,
// middleware stack, and route handlers for POST /trading/webhook, POST
// /trading/webhook/test, and GET /trading/status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/mnq-gateway/internal/webhook"
)

// Config holds server configuration.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Processor *webhook.Processor
}

// Server is the gateway's HTTP surface.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	processor *webhook.Processor
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		processor: cfg.Processor,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/trading", func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		r.Post("/webhook/test", s.handleWebhookTest)
		r.Get("/status", s.handleStatus)
	})
}

// handleHealth reports liveness plus the alert log's database health, so
// a sustained integrity failure or unreachable database shows up here
// rather than only surfacing the next time an alert is written.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.processor.AlertLogHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook is the production entry point: it decodes the payload,
// runs it through the Webhook Processor, and renders the resulting
// Outcome's status code and body as-is. A body that fails to decode
// never reaches the processor's own alerting, so it is recorded here
// directly (§4.4 PARSE: a failed alert with action=unknown).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.processor.RecordParseFailure(err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	out := s.processor.Process(r.Context(), payload, time.Now())
	writeJSON(w, out.StatusCode, out)
}

// handleWebhookTest runs the same validation pipeline as handleWebhook —
// AUTH, VALIDATE, the risk gate, and position reconciliation — but never
// places an order, per §6. The response reports each step's pass/fail so
// strategy authors can see exactly where a payload would have stopped.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var payload webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.processor.RecordParseFailure(err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	out := s.processor.ProcessDryRun(r.Context(), payload, time.Now())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"test":   true,
		"result": out,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	alertLogStatus := "ok"
	if err := s.processor.AlertLogHealth(r.Context()); err != nil {
		alertLogStatus = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market":   s.processor.MarketOpen(now),
		"accounts": s.processor.Status(r.Context()),
		"alertLog": alertLogStatus,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving HTTP traffic, blocking until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
