// Package fetch retrieves caller-supplied URLs without letting them reach
// private networks.
//
// Every candidate address of the target host is classified before any
// connection is made, and the connection is pinned to the address that was
// validated so a second DNS answer cannot redirect it. Bodies are capped both
// by the declared Content-Length and while streaming.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a fetch when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config controls a Fetcher.
type Config struct {
	Timeout time.Duration

	// AllowInsecure permits plain http URLs.
	AllowInsecure bool
	// AllowPrivate permits private, loopback and reserved addresses. Only for
	// controlled test environments.
	AllowPrivate bool

	// TLSConfig is cloned for each request; ServerName is always set to the
	// URL host. Nil uses system roots.
	TLSConfig *tls.Config
	UserAgent string
}

// Fetcher performs SSRF-safe GET requests.
type Fetcher struct {
	cfg      Config
	resolver Resolver
	dialer   *net.Dialer
	logger   *slog.Logger
}

// New creates a Fetcher using the system resolver.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	return NewWithResolver(cfg, net.DefaultResolver, logger)
}

// NewWithResolver creates a Fetcher that resolves hosts with r.
func NewWithResolver(cfg Config, r Resolver, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shirushi-fetch"
	}
	return &Fetcher{
		cfg:      cfg,
		resolver: r,
		dialer:   &net.Dialer{Timeout: cfg.Timeout, KeepAlive: -1},
		logger:   logger,
	}
}

// Result is a fetched response body.
type Result struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetch GETs rawURL, reading at most maxBytes of body. Redirects are not
// followed. Errors are *InvalidURLError, *PrivateAddressError,
// *SizeLimitError, *TimeoutError or *UpstreamError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxBytes int64) (*Result, error) {
	u, err := f.validateURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	host := u.Hostname()
	pinned, err := f.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	target := net.JoinHostPort(pinned.String(), port)

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.cfg.TLSConfig != nil {
		tlsCfg = f.cfg.TLSConfig.Clone()
	}
	tlsCfg.ServerName = host

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return f.dialer.DialContext(ctx, network, target)
		},
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   f.cfg.Timeout,
		ResponseHeaderTimeout: f.cfg.Timeout,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	f.logger.Debug("fetch: requesting", "host", host, "addr", pinned.String())

	resp, err := client.Do(req)
	if err != nil {
		return nil, f.transportError(ctx, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n > maxBytes {
			return nil, &SizeLimitError{Limit: maxBytes, Size: n}
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, f.transportError(ctx, rawURL, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, &SizeLimitError{Limit: maxBytes, Size: -1}
	}

	return &Result{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (f *Fetcher) validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !f.cfg.AllowInsecure {
			return nil, &InvalidURLError{URL: rawURL, Reason: "only https URLs are allowed"}
		}
	default:
		return nil, &InvalidURLError{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.User != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: "credentials are not allowed in the URL"}
	}
	if u.Hostname() == "" {
		return nil, &InvalidURLError{URL: rawURL, Reason: "missing host"}
	}
	return u, nil
}

// resolve returns the address to connect to. Every candidate must be public
// unless AllowPrivate is set.
func (f *Fetcher) resolve(ctx context.Context, host string) (netip.Addr, error) {
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		addrs, err = f.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			if ctx.Err() != nil {
				return netip.Addr{}, &TimeoutError{URL: host, Err: err}
			}
			return netip.Addr{}, &UpstreamError{URL: host, Err: fmt.Errorf("resolve: %w", err)}
		}
	}
	if len(addrs) == 0 {
		return netip.Addr{}, &UpstreamError{URL: host, Err: errors.New("resolve: no addresses")}
	}
	if !f.cfg.AllowPrivate {
		for _, a := range addrs {
			if IsPrivate(a) {
				f.logger.Warn("fetch: rejected private address", "host", host, "addr", a.String())
				return netip.Addr{}, &PrivateAddressError{Host: host, Addr: a}
			}
		}
	}
	return addrs[0].Unmap(), nil
}

func (f *Fetcher) transportError(ctx context.Context, rawURL string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{URL: rawURL, Err: err}
	}
	return &UpstreamError{URL: rawURL, Err: err}
}
