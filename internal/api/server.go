package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/config"
	"microvm-sandbox/internal/doctor"
	"microvm-sandbox/internal/monitor"
	"microvm-sandbox/internal/storage"
)

// Server is the HTTP front end of the runtime.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer wires all routes and the middleware chain.
func NewServer(cfg *config.Config, executor Executor, images ImageService, prober *doctor.Prober, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(executor, images, prober, db, auditWriter, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Execution and image API, behind auth.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /images/pip", handlers.HandlePipImage)
	apiMux.HandleFunc("GET /images", handlers.HandleListImages)
	apiMux.HandleFunc("DELETE /images", handlers.HandleClearImages)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys)(apiMux)

	// Health, doctor, and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db, executor))
	mux.HandleFunc("GET /doctor", handlers.HandleDoctor)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db *storage.DB, executor Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := db == nil || db.Healthy(r.Context())

		backend := ""
		if executor != nil {
			backend = executor.Backend()
		}

		resp := HealthResponse{
			Status:   "ok",
			Backend:  backend,
			Database: dbOK,
			Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dbOK || backend == "" {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
