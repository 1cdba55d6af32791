// Package server implements the GridStore HTTP gateway.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bleepstore/gridstore/internal/auth"
	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/bleepstore/gridstore/internal/handlers"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readyTimeout bounds the database ping behind /readyz.
const readyTimeout = 5 * time.Second

// Server is the GridStore HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	registry   *handlers.Registry
	files      *handlers.FileHandler
	extra      []gridfs.BucketOption
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithBucketOptions appends options to the bucket template built from the
// configuration.
func WithBucketOptions(opts ...gridfs.BucketOption) ServerOption {
	return func(s *Server) {
		s.extra = append(s.extra, opts...)
	}
}

// New creates a Server serving the buckets of db.
func New(cfg *config.Config, db docstore.Database, opts ...ServerOption) (*Server, error) {
	if db == nil {
		return nil, errors.New("server: database is required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("GridStore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	template := append(gridfs.OptionsFromConfig(cfg.Bucket), s.extra...)
	s.registry = handlers.NewRegistry(db, template...)
	s.files = handlers.NewFileHandler(s.registry, cfg.Bucket.BatchSize, cfg.Server.MaxUploadBytes)

	s.registerRoutes()
	return s, nil
}

// API exposes the huma API, e.g. for dumping the OpenAPI document.
func (s *Server) API() huma.API { return s.api }

// Handler returns the router wrapped in the middleware chain:
// metrics -> request id -> transfer-encoding check -> auth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.cfg.Auth.Token)(handler)
	handler = transferEncodingCheck(handler)
	handler = requestID(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	slog.Info("GridStore listening", "addr", addr, "auth", s.cfg.Auth.Token != "")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Returns the health status of the GridStore server.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
		})

		// Huma only does one method per registration.
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", s.ready)
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.files.Routes(s.router)
	s.files.Register(s.api)
}

// ready reports whether the document store answers a ping.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.registry.Ping(ctx); err != nil {
		slog.Warn("Readiness check failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
