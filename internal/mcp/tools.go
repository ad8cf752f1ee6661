package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/service/resolve"
	"github.com/ashita-ai/shirushi/internal/storage"
)

func (s *Server) registerTools() {
	// shirushi_search_similar: perceptual-hash neighbours from the local index.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirushi_search_similar",
			mcplib.WithDescription(`Find indexed C2PA manifests whose image fingerprint is close to a query.

Provide exactly one of phash (a 64-bit perceptual hash as 16 hex digits,
64 binary digits, or base64 of 8 bytes) or tx_id (a manifest transaction
already in the index, whose stored fingerprint becomes the query).

Results are ordered by Hamming distance; distance 0 is an exact fingerprint
match and the default threshold of 10 is roughly 84% similarity.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("phash", mcplib.Description("Query fingerprint (hex, binary, or base64)")),
			mcplib.WithString("tx_id", mcplib.Description("Manifest transaction id whose fingerprint is the query")),
			mcplib.WithNumber("threshold",
				mcplib.Description("Maximum Hamming distance"),
				mcplib.Min(0),
				mcplib.Max(float64(storage.MaxThreshold)),
				mcplib.DefaultNumber(float64(storage.DefaultThreshold)),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of results"),
				mcplib.Min(1),
				mcplib.Max(float64(storage.MaxLimit)),
				mcplib.DefaultNumber(float64(storage.DefaultLimit)),
			),
		),
		s.handleSearchSimilar,
	)

	// shirushi_lookup_binding: exact soft-binding lookup on the ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirushi_lookup_binding",
			mcplib.WithDescription(`Resolve a soft binding (algorithm + value) to the manifests that declare it.

The lookup runs against the upstream ledger gateway, so results include
manifests this node has not indexed yet. Use shirushi_supported_algorithms
to list recognised algorithm identifiers.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("alg", mcplib.Description("Soft-binding algorithm identifier"), mcplib.Required()),
			mcplib.WithString("value", mcplib.Description("Base64 binding value"), mcplib.Required()),
			mcplib.WithNumber("max_results",
				mcplib.Description("Maximum number of matches"),
				mcplib.Min(1),
				mcplib.Max(float64(resolve.MaxMaxResults)),
				mcplib.DefaultNumber(float64(resolve.DefaultMaxResults)),
			),
		),
		s.handleLookupBinding,
	)

	// shirushi_get_manifest: one indexed manifest record with its bindings.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirushi_get_manifest",
			mcplib.WithDescription("Fetch an indexed manifest record and its soft bindings by manifest_id or tx_id."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("manifest_id", mcplib.Description("C2PA manifest identifier")),
			mcplib.WithString("tx_id", mcplib.Description("Manifest transaction id")),
		),
		s.handleGetManifest,
	)

	// shirushi_supported_algorithms: the soft-binding registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirushi_supported_algorithms",
			mcplib.WithDescription("List the soft-binding algorithms this service can resolve."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleSupportedAlgorithms,
	)
}

func (s *Server) handleSearchSimilar(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threshold := request.GetInt("threshold", storage.DefaultThreshold)
	limit := request.GetInt("limit", storage.DefaultLimit)

	resp, err := s.resolver.SearchSimilar(ctx, resolve.SimilarQuery{
		PHash:     strings.TrimSpace(request.GetString("phash", "")),
		TxID:      strings.TrimSpace(request.GetString("tx_id", "")),
		Threshold: &threshold,
		Limit:     &limit,
	})
	if err != nil {
		return s.serviceError("search similar", err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleLookupBinding(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	maxResults := request.GetInt("max_results", resolve.DefaultMaxResults)

	resp, err := s.resolver.ByBinding(ctx,
		request.GetString("alg", ""),
		request.GetString("value", ""),
		&maxResults,
	)
	if err != nil {
		return s.serviceError("lookup binding", err), nil
	}
	return jsonResult(resp)
}

// manifestView is the shirushi_get_manifest payload.
type manifestView struct {
	Manifest model.Manifest      `json:"manifest"`
	Bindings []model.SoftBinding `json:"bindings"`
}

func (s *Server) handleGetManifest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	manifestID := strings.TrimSpace(request.GetString("manifest_id", ""))
	txID := strings.TrimSpace(request.GetString("tx_id", ""))
	if (manifestID == "") == (txID == "") {
		return errorResult("exactly one of manifest_id or tx_id is required"), nil
	}

	var (
		m   model.Manifest
		err error
	)
	if manifestID != "" {
		m, err = s.db.GetByManifestID(ctx, manifestID)
	} else {
		m, err = s.db.GetByTxID(ctx, txID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("manifest not found"), nil
	}
	if err != nil {
		return s.serviceError("get manifest", err), nil
	}

	view := manifestView{Manifest: m, Bindings: []model.SoftBinding{}}
	if id := m.ManifestIDOrEmpty(); id != "" {
		bindings, err := s.db.ListBindings(ctx, id)
		if err != nil {
			return s.serviceError("list bindings", err), nil
		}
		if bindings != nil {
			view.Bindings = bindings
		}
	}
	return jsonResult(view)
}

func (s *Server) handleSupportedAlgorithms(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.resolver.SupportedAlgorithms())
}

// serviceError renders err as a tool error. Internal failures are logged and
// reported without detail.
func (s *Server) serviceError(op string, err error) *mcplib.CallToolResult {
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		s.logger.Error("mcp: tool failed", "op", op, "error", err)
		return errorResult(op + " failed")
	}
	msg := err.Error()
	var me *model.Error
	if errors.As(err, &me) {
		msg = me.Message
	}
	return errorResult(fmt.Sprintf("%s: %s", kind, msg))
}
