package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/internal/search"
	"github.com/ashita-ai/shirushi/internal/storage"
)

// Status is the outcome of ingesting one record.
type Status string

const (
	StatusIndexed Status = "indexed"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Skip and error reasons reported per record.
const (
	ReasonMissingTxID        = "Missing transaction id"
	ReasonAlreadyIndexed     = "Already indexed"
	ReasonMissingTags        = "Missing required tags"
	ReasonNotSidecar         = "Non-sidecar manifest"
	ReasonBindingMismatch    = "Soft binding tag count mismatch"
	ReasonNoSupportedBinding = "No supported soft binding algorithm"
	ReasonInvalidPHash       = "Invalid pHash"
	ReasonManifestIDConflict = "Manifest id already indexed for another transaction"
	ReasonStorageFailure     = "Storage failure"
	ReasonLookupFailure      = "Index lookup failure"
)

// Result reports what happened to one record.
type Result struct {
	TxID       string `json:"txId,omitempty"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	ManifestID string `json:"manifestId,omitempty"`
}

// BatchResult is the webhook response body.
type BatchResult struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Indexed int      `json:"indexed"`
	Skipped int      `json:"skipped"`
	Errors  int      `json:"errors"`
}

// Store is the subset of the manifest index the pipeline writes to.
type Store interface {
	GetByTxID(ctx context.Context, txID string) (model.Manifest, error)
	InsertManifest(ctx context.Context, m model.Manifest, bindings []model.SoftBinding) (model.Manifest, error)
}

// Pipeline validates webhook records against the sidecar tag contract and
// persists the ones that pass.
type Pipeline struct {
	store  Store
	mirror search.Indexer
	logger *slog.Logger
}

// New creates a Pipeline. mirror may be nil.
func New(store Store, mirror search.Indexer, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: store, mirror: mirror, logger: logger}
}

// Process ingests records sequentially and tallies the outcomes.
func (p *Pipeline) Process(ctx context.Context, records []Record) BatchResult {
	out := BatchResult{Results: make([]Result, 0, len(records)), Total: len(records)}
	for _, r := range records {
		res := p.ProcessRecord(ctx, r)
		switch res.Status {
		case StatusIndexed:
			out.Indexed++
		case StatusSkipped:
			out.Skipped++
		default:
			out.Errors++
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// ProcessRecord runs one record through the tag contract and writes it when
// valid. It never returns an error; failures are reported in the Result.
func (p *Pipeline) ProcessRecord(ctx context.Context, r Record) Result {
	txID := strings.TrimSpace(r.TxID)
	if txID == "" {
		return p.fail(Result{}, ReasonMissingTxID, nil)
	}
	res := Result{TxID: txID}

	indexed, err := p.indexed(ctx, txID)
	if err != nil {
		return p.fail(res, ReasonLookupFailure, err)
	}
	if indexed {
		return skip(res, ReasonAlreadyIndexed)
	}

	tags := resolveTags(r.Tags)
	contentType, ok1 := tags.get(model.TagContentType)
	manifestType, ok2 := tags.get(model.TagManifestType)
	manifestID, ok3 := tags.get(model.TagManifestID)
	rawPHash, ok4 := tags.get(model.TagPHash)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return skip(res, ReasonMissingTags)
	}
	res.ManifestID = manifestID

	if contentType != model.ManifestContentType || manifestType != model.SidecarManifestType {
		return skip(res, ReasonNotSidecar)
	}

	bindings, reason := pairBindings(manifestID, tags.bindings)
	if reason != "" {
		return skip(res, reason)
	}

	fp, err := phash.Parse(rawPHash)
	if err != nil {
		return p.fail(res, ReasonInvalidPHash, err)
	}

	m := model.Manifest{
		ManifestTxID:   txID,
		ManifestID:     &manifestID,
		ContentType:    contentType,
		PHash:          fp.Floats(),
		OwnerAddress:   r.Owner,
		BlockHeight:    r.BlockHeight,
		BlockTimestamp: r.BlockTimestamp,
	}
	if v, ok := tags.get(model.TagOriginalHash); ok {
		m.OriginalHash = &v
	}
	if v, ok := tags.get(model.TagAssetContentType); ok {
		m.AssetContentType = &v
	}
	if v, ok := tags.get(model.TagClaimGenerator); ok {
		m.ClaimGenerator = v
	}
	if v, ok := tags.get(model.TagHasPriorManifest); ok {
		m.HasPriorManifest = strings.EqualFold(strings.TrimSpace(v), "true")
	}

	stored, err := p.store.InsertManifest(ctx, m, bindings)
	if errors.Is(err, storage.ErrConflict) {
		// Either a concurrent delivery of the same transaction won the race,
		// or the manifest id belongs to a different transaction.
		if again, lookupErr := p.indexed(ctx, txID); lookupErr == nil && again {
			return skip(res, ReasonAlreadyIndexed)
		}
		return p.fail(res, ReasonManifestIDConflict, err)
	}
	if err != nil {
		return p.fail(res, ReasonStorageFailure, err)
	}

	p.logger.Info("ingest: manifest indexed",
		"tx_id", txID, "manifest_id", manifestID, "bindings", len(bindings))
	p.mirrorManifest(ctx, stored)
	res.Status = StatusIndexed
	return res
}

func (p *Pipeline) indexed(ctx context.Context, txID string) (bool, error) {
	_, err := p.store.GetByTxID(ctx, txID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// mirrorManifest pushes a freshly indexed manifest to the similarity mirror.
// Failures are logged; the SQLite index remains authoritative.
func (p *Pipeline) mirrorManifest(ctx context.Context, m model.Manifest) {
	if p.mirror == nil {
		return
	}
	point := search.Point{
		ManifestTxID: m.ManifestTxID,
		ManifestID:   m.ManifestIDOrEmpty(),
		OwnerAddress: m.OwnerAddress,
		BlockHeight:  m.BlockHeight,
		PHash:        m.PHash,
	}
	if err := p.mirror.Upsert(ctx, []search.Point{point}); err != nil {
		p.logger.Warn("ingest: similarity mirror upsert failed", "tx_id", m.ManifestTxID, "error", err)
	}
}

// pairBindings zips the alg and value tags of every family into soft
// bindings. Families are concatenated in order before the counts are
// compared, so mixed spellings pair up. Scopes pair by position when present.
func pairBindings(manifestID string, families []familyTags) ([]model.SoftBinding, string) {
	var all familyTags
	for _, fam := range families {
		all.algs = append(all.algs, fam.algs...)
		all.values = append(all.values, fam.values...)
		all.scopes = append(all.scopes, fam.scopes...)
	}
	if len(all.algs) != len(all.values) {
		return nil, ReasonBindingMismatch
	}
	var (
		bindings  []model.SoftBinding
		supported bool
	)
	for i, alg := range all.algs {
		b := model.SoftBinding{ManifestID: manifestID, Alg: alg, ValueB64: all.values[i]}
		if i < len(all.scopes) {
			scope := normalizeScope(all.scopes[i])
			b.ScopeJSON = &scope
		}
		if model.IsSupportedAlgorithm(alg) {
			supported = true
		}
		bindings = append(bindings, b)
	}
	if !supported {
		return nil, ReasonNoSupportedBinding
	}
	return bindings, ""
}

// normalizeScope returns scope re-encoded as compact JSON when it parses,
// and as a JSON string literal otherwise.
func normalizeScope(scope string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(scope)); err == nil {
		return buf.String()
	}
	b, _ := json.Marshal(scope)
	return string(b)
}

func skip(res Result, reason string) Result {
	res.Status = StatusSkipped
	res.Reason = reason
	return res
}

func (p *Pipeline) fail(res Result, reason string, err error) Result {
	res.Status = StatusError
	res.Reason = reason
	attrs := []any{"tx_id", res.TxID, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	p.logger.Warn("ingest: record rejected", attrs...)
	return res
}
