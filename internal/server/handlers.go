package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/shirushi/internal/ingest"
	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/search"
	"github.com/ashita-ai/shirushi/internal/service/locator"
	"github.com/ashita-ai/shirushi/internal/service/resolve"
	"github.com/ashita-ai/shirushi/internal/storage"
)

// ProcessIDSource reports the upstream gateway's process identifier.
// Implemented by *gateway.InfoCache.
type ProcessIDSource interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	resolver            *resolve.Service
	locator             *locator.Service
	pipeline            *ingest.Pipeline
	searcher            search.Searcher
	upstream            ProcessIDSource
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Searcher, Upstream, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Resolver            *resolve.Service
	Locator             *locator.Service
	Pipeline            *ingest.Pipeline
	Searcher            search.Searcher
	Upstream            ProcessIDSource
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// defaultMaxRequestBodyBytes bounds JSON bodies when no limit is configured.
const defaultMaxRequestBodyBytes = 1 << 20

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodyBytes
	}
	return &Handlers{
		db:                  d.DB,
		resolver:            d.Resolver,
		locator:             d.Locator,
		pipeline:            d.Pipeline,
		searcher:            d.Searcher,
		upstream:            d.Upstream,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// upstreamInfoTimeout bounds the gateway info call made by /health on a cold cache.
const upstreamInfoTimeout = 2 * time.Second

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	var manifests int64
	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if n, err := h.db.CountManifests(r.Context()); err == nil {
		manifests = n
	} else {
		h.logger.Warn("health: count manifests failed", "error", err)
	}

	resp := model.HealthResponse{
		Status:    status,
		Version:   h.version,
		Database:  dbStatus,
		Manifests: manifests,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	if h.upstream != nil {
		ctx, cancel := context.WithTimeout(r.Context(), upstreamInfoTimeout)
		pid, err := h.upstream.Get(ctx)
		cancel()
		if err != nil {
			h.upstream.Invalidate()
			h.logger.Debug("health: upstream info unavailable", "error", err)
		}
		resp.UpstreamProcessID = pid
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

// queryIntPtr parses an optional integer query parameter. Absent or blank
// values return nil.
func queryIntPtr(r *http.Request, key string) (*int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, model.Errorf(model.KindValidation, "%s must be an integer", key)
	}
	return &n, nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, key string) (bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, model.Errorf(model.KindValidation, "%s must be true or false", key)
	}
	return b, nil
}

// declaredLength returns the request's Content-Length, or -1 when unknown.
func declaredLength(r *http.Request) int64 {
	if r.ContentLength < 0 {
		return -1
	}
	return r.ContentLength
}
