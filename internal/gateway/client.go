// Package gateway queries the ledger gateway: tag-filtered GraphQL lookups,
// raw transaction data and the gateway's info endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/shirushi/internal/model"
)

// DefaultTimeout bounds each gateway call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// maxGraphQLResponse caps the size of a GraphQL response body.
const maxGraphQLResponse = 8 << 20

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to one gateway. Safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Client for cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("gateway: invalid base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:    u,
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}, nil
}

// UpstreamError is a transport-level gateway failure: unreachable, non-2xx,
// malformed response or GraphQL errors. It is distinct from an empty result.
type UpstreamError struct {
	Op         string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway: %s: timed out: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway: %s: unexpected status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) ErrorKind() model.Kind {
	if e.Timeout {
		return model.KindUpstreamTimeout
	}
	return model.KindUpstream
}

// ErrTooLarge is wrapped by UpstreamError when raw data exceeds the caller's cap.
var ErrTooLarge = errors.New("response exceeds size limit")

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// do sends req with the per-call timeout and returns the body, reading at
// most limit bytes. Non-2xx responses are UpstreamErrors.
func (c *Client) do(ctx context.Context, op string, req *http.Request, limit int64) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", c.transportError(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", &UpstreamError{Op: op, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", c.transportError(ctx, op, err)
	}
	if int64(len(body)) > limit {
		return nil, "", &UpstreamError{Op: op, Err: fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	var ne net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout())
	return &UpstreamError{Op: op, Timeout: timeout, Err: err}
}

// FetchTransactionData returns the raw bytes of a ledger transaction and the
// content type reported by the gateway.
func (c *Client) FetchTransactionData(ctx context.Context, txID string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/raw/"+url.PathEscape(txID)), nil)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: build raw request: %w", err)
	}
	return c.do(ctx, "raw "+txID, req, maxBytes)
}

// Info is the subset of the gateway info document Shirushi reports.
type Info struct {
	ProcessID string `json:"processId"`
	Release   string `json:"release,omitempty"`
}

// Info fetches {gateway}/ar-io/info.
func (c *Client) Info(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/ar-io/info"), nil)
	if err != nil {
		return Info{}, fmt.Errorf("gateway: build info request: %w", err)
	}
	body, _, err := c.do(ctx, "info", req, 1<<20)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return Info{}, &UpstreamError{Op: "info", Err: fmt.Errorf("decode: %w", err)}
	}
	return info, nil
}

// ── GraphQL ───────────────────────────────────────────────────────────────────

const transactionsQuery = `query($tags: [TagFilter!], $first: Int) {
  transactions(tags: $tags, first: $first, sort: HEIGHT_DESC) {
    edges { node { id block { height timestamp } tags { name value } } }
  }
}`

type tagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type txNode struct {
	ID    string `json:"id"`
	Block *struct {
		Height    int64 `json:"height"`
		Timestamp int64 `json:"timestamp"`
	} `json:"block"`
	Tags []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"tags"`
}

func (n txNode) height() int64 {
	if n.Block == nil {
		return 0
	}
	return n.Block.Height
}

type graphQLResponse struct {
	Data *struct {
		Transactions struct {
			Edges []struct {
				Node txNode `json:"node"`
			} `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// queryTransactions runs the transactions query with the given tag filters.
func (c *Client) queryTransactions(ctx context.Context, op string, tags []tagFilter, first int) ([]txNode, error) {
	payload, err := json.Marshal(graphQLRequest{
		Query:     transactionsQuery,
		Variables: map[string]any{"tags": tags, "first": first},
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/graphql"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gateway: build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, _, err := c.do(ctx, op, req, maxGraphQLResponse)
	if err != nil {
		return nil, err
	}

	var resp graphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &UpstreamError{Op: op, Err: fmt.Errorf("decode graphql response: %w", err)}
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return nil, &UpstreamError{Op: op, Err: fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))}
	}
	if resp.Data == nil {
		return nil, &UpstreamError{Op: op, Err: errors.New("graphql response has no data")}
	}

	nodes := make([]txNode, 0, len(resp.Data.Transactions.Edges))
	for _, e := range resp.Data.Transactions.Edges {
		if e.Node.ID != "" {
			nodes = append(nodes, e.Node)
		}
	}
	return nodes, nil
}
