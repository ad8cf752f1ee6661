// Package shirushi is the public API for embedding the Shirushi manifest
// resolution sidecar.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := shirushi.New(
//	    shirushi.WithVersion(version),
//	    shirushi.WithLogger(logger),
//	    shirushi.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shirushi (root) imports
// internal/*, but internal/* never imports shirushi (root).
package shirushi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/shirushi/api"
	"github.com/ashita-ai/shirushi/internal/config"
	"github.com/ashita-ai/shirushi/internal/fetch"
	"github.com/ashita-ai/shirushi/internal/gateway"
	"github.com/ashita-ai/shirushi/internal/ingest"
	"github.com/ashita-ai/shirushi/internal/mcp"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/internal/ratelimit"
	"github.com/ashita-ai/shirushi/internal/search"
	"github.com/ashita-ai/shirushi/internal/server"
	"github.com/ashita-ai/shirushi/internal/service/locator"
	"github.com/ashita-ai/shirushi/internal/service/resolve"
	"github.com/ashita-ai/shirushi/internal/storage"
	"github.com/ashita-ai/shirushi/internal/telemetry"
	"github.com/ashita-ai/shirushi/migrations"
)

// infoWarmTimeout bounds the startup fetch of the gateway process id.
const infoWarmTimeout = 5 * time.Second

// App is the Shirushi server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	info         *gateway.InfoCache
	limiter      ratelimit.Limiter
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Shirushi server. It opens the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load configuration, then apply option overrides.
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.gatewayURL != "" {
		cfg.GatewayURL = o.gatewayURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shirushi starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabasePath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		_ = db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	gw, err := gateway.New(gateway.Config{BaseURL: cfg.GatewayURL, Timeout: cfg.GatewayTimeout}, logger)
	if err != nil {
		_ = db.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}
	info := gateway.NewInfoCache(gw, cfg.GatewayInfoTTL)

	// Qdrant mirror of the fingerprint index (optional).
	var (
		searcher    search.Searcher
		mirror      search.Indexer
		qdrantIndex *search.QdrantIndex
	)
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		}, logger)
		if err != nil {
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher, mirror = qdrantIndex, qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	var hasher phash.Hasher = phash.NewImageHasher()
	if o.hasher != nil {
		hasher = hasherAdapter(o.hasher)
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:       cfg.FetchTimeout,
		AllowInsecure: cfg.AllowInsecureReference,
		AllowPrivate:  cfg.AllowInsecureReference,
	}, logger)
	if cfg.EnableByReference {
		logger.Info("byReference: enabled", "allow_insecure", cfg.AllowInsecureReference)
	}

	resolver := resolve.New(resolve.Deps{
		Index:    db,
		Ledger:   gw,
		Fetcher:  fetcher,
		Hasher:   hasher,
		Searcher: searcher,
		Config: resolve.Config{
			MaxImageBytes:     cfg.MaxImageBytes,
			EnableByReference: cfg.EnableByReference,
		},
		Logger: logger,
	})
	loc := locator.New(gw, db, cfg.MaxManifestBytes, logger)
	pipeline := ingest.New(db, mirror, logger)

	mcpSrv := mcp.New(db, resolver, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	extraRoutes := make([]func(*http.ServeMux), 0, len(o.routeRegistrars))
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Resolver:            resolver,
		Locator:             loc,
		Pipeline:            pipeline,
		Logger:              logger,
		Limiter:             limiter,
		Searcher:            searcher,
		Upstream:            info,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		info:         info,
		limiter:      limiter,
		qdrantIndex:  qdrantIndex,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler without starting a listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called and callers should
// not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.warmGatewayInfo(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting HTTP requests and drains in-flight ones within
// the configured shutdown timeout, then releases the rate limiter, Qdrant
// connection, database and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shirushi shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if cerr := a.db.Close(); cerr != nil {
		a.logger.Error("database close error", "error", cerr)
		err = errors.Join(err, cerr)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("shirushi stopped")
	return err
}

// warmGatewayInfo primes the process id cache so the first health check does
// not pay for the upstream round trip. Failures are retried lazily by Get.
func (a *App) warmGatewayInfo(ctx context.Context) {
	c, cancel := context.WithTimeout(ctx, infoWarmTimeout)
	defer cancel()
	id, err := a.info.Get(c)
	if err != nil {
		a.logger.Warn("gateway info unavailable", "url", a.cfg.GatewayURL, "error", err)
		return
	}
	a.logger.Info("gateway info", "process_id", id)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// hasherAdapter converts the public Hasher to the internal fingerprint type.
func hasherAdapter(h Hasher) phash.Hasher {
	return phash.HasherFunc(func(ctx context.Context, r io.Reader) (phash.Fingerprint, error) {
		v, err := h.Hash(ctx, r)
		return phash.Fingerprint(v), err
	})
}
