package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shirushi/internal/ingest"
	"github.com/ashita-ai/shirushi/internal/ratelimit"
	"github.com/ashita-ai/shirushi/internal/search"
	"github.com/ashita-ai/shirushi/internal/service/locator"
	"github.com/ashita-ai/shirushi/internal/service/resolve"
	"github.com/ashita-ai/shirushi/internal/storage"
)

// Server is the Shirushi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Searcher, Upstream, MCPServer, OpenAPISpec,
// ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	Resolver *resolve.Service
	Locator  *locator.Service
	Pipeline *ingest.Pipeline
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Searcher  search.Searcher
	Upstream  ProcessIDSource
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Embedded OpenAPI YAML.
	OpenAPISpec []byte

	// ExtraRoutes are registered after the built-in routes.
	ExtraRoutes []func(mux *http.ServeMux)
	// Middlewares wrap the whole handler chain; the first is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Resolver:            cfg.Resolver,
		Locator:             cfg.Locator,
		Pipeline:            cfg.Pipeline,
		Searcher:            cfg.Searcher,
		Upstream:            cfg.Upstream,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	matchRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Webhook ingestion from the gateway (no rate limit; the sender retries on 429).
	mux.HandleFunc("POST /webhook", h.HandleWebhook)

	// Soft-binding resolution (rate limited per client IP).
	mux.Handle("GET /v1/matches/byBinding", matchRL(http.HandlerFunc(h.HandleByBindingQuery)))
	mux.Handle("POST /v1/matches/byBinding", matchRL(http.HandlerFunc(h.HandleByBinding)))
	mux.Handle("POST /v1/matches/byContent", matchRL(http.HandlerFunc(h.HandleByContent)))
	mux.Handle("POST /v1/matches/byReference", matchRL(http.HandlerFunc(h.HandleByReference)))
	mux.HandleFunc("GET /v1/services/supportedAlgorithms", h.HandleSupportedAlgorithms)

	// Manifest retrieval and similarity search.
	mux.HandleFunc("GET /v1/manifests/{manifestId}", h.HandleGetManifest)
	mux.HandleFunc("GET /v1/search-similar", h.HandleSearchSimilar)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec and health (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
