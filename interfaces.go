package shirushi

import (
	"context"
	"io"
	"net/http"
)

// Hasher computes a 64-bit perceptual fingerprint from image bytes. Bit 63
// is the first character of the fingerprint's binary form.
// When provided via WithHasher, replaces the built-in DCT image hasher used
// by byContent and byReference resolution.
type Hasher interface {
	Hash(ctx context.Context, r io.Reader) (uint64, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the middleware chain and OTEL instrumentation with the
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
