package shirushi

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	configFile      string
	port            int
	databasePath    string
	gatewayURL      string
	logger          *slog.Logger
	version         string
	hasher          Hasher
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithConfigFile reads a YAML config file before applying environment
// variables. Without it only defaults and the environment are used.
func WithConfigFile(path string) Option {
	return func(o *resolvedOptions) { o.configFile = path }
}

// WithPort overrides the TCP port from config (SHIRUSHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabasePath overrides the SQLite file location from config (DATABASE_PATH env var).
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithGatewayURL overrides the upstream gateway from config (AR_IO_GATEWAY_URL env var).
func WithGatewayURL(url string) Option {
	return func(o *resolvedOptions) { o.gatewayURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHasher replaces the built-in perceptual image hasher.
// Only the last call wins.
func WithHasher(h Hasher) Option {
	return func(o *resolvedOptions) { o.hasher = h }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
