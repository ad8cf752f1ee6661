// Package resolve implements soft-binding resolution: finding the manifests
// bound to an asset by binding value, by content, or by a reference URL.
//
// The HTTP API and MCP server both delegate to this service so that
// validation and error kinds are identical across interfaces.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shirushi/internal/fetch"
	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/internal/search"
	"github.com/ashita-ai/shirushi/internal/storage"
	"github.com/ashita-ai/shirushi/internal/telemetry"
)

// Result bounds.
const (
	DefaultMaxResults = 10
	MaxMaxResults     = 100
)

// DefaultMaxImageBytes is the image ceiling used when Config leaves it zero.
const DefaultMaxImageBytes = 10 << 20

// Index is the manifest index the service searches.
type Index interface {
	GetByTxID(ctx context.Context, txID string) (model.Manifest, error)
	SearchByVector(ctx context.Context, q []float32, threshold, limit int) ([]model.SimilarManifest, error)
	SearchByTxID(ctx context.Context, txID string, threshold, limit int) ([]model.SimilarManifest, error)
}

// Ledger answers soft-binding lookups against the ledger gateway.
type Ledger interface {
	LookupBySoftBinding(ctx context.Context, alg, valueB64 string, maxResults int) ([]model.ManifestLocator, error)
}

// Fetcher retrieves reference URLs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, maxBytes int64) (*fetch.Result, error)
}

// Config holds resolution limits and feature switches.
type Config struct {
	MaxImageBytes     int64
	EnableByReference bool
}

// Deps are the collaborators of a Service. Searcher and Fetcher may be nil.
type Deps struct {
	Index    Index
	Ledger   Ledger
	Fetcher  Fetcher
	Hasher   phash.Hasher
	Searcher search.Searcher
	Config   Config
	Logger   *slog.Logger
}

// Service resolves soft-binding queries.
type Service struct {
	index    Index
	ledger   Ledger
	fetcher  Fetcher
	hasher   phash.Hasher
	searcher search.Searcher
	cfg      Config
	logger   *slog.Logger

	searchDuration metric.Float64Histogram
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Config.MaxImageBytes <= 0 {
		d.Config.MaxImageBytes = DefaultMaxImageBytes
	}
	if d.Hasher == nil {
		d.Hasher = phash.NewImageHasher()
	}
	meter := telemetry.Meter("shirushi/resolve")
	searchDur, _ := meter.Float64Histogram("shirushi.search.duration",
		metric.WithDescription("Time to execute fingerprint similarity queries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		index:          d.Index,
		ledger:         d.Ledger,
		fetcher:        d.Fetcher,
		hasher:         d.Hasher,
		searcher:       d.Searcher,
		cfg:            d.Config,
		logger:         d.Logger,
		searchDuration: searchDur,
	}
}

// MaxImageBytes reports the configured image ceiling.
func (s *Service) MaxImageBytes() int64 { return s.cfg.MaxImageBytes }

// SupportedAlgorithms returns the soft-binding algorithm registry.
func (s *Service) SupportedAlgorithms() model.SupportedAlgorithmsResponse {
	return model.SupportedAlgorithms
}

// ByBinding returns manifests whose ledger transactions carry exactly the
// given alg/value soft binding.
func (s *Service) ByBinding(ctx context.Context, alg, value string, maxResults *int) (model.MatchesResponse, error) {
	alg, value = strings.TrimSpace(alg), strings.TrimSpace(value)
	if alg == "" || value == "" {
		return model.MatchesResponse{}, model.Errorf(model.KindValidation, "alg and value are required")
	}
	locators, err := s.ledger.LookupBySoftBinding(ctx, alg, value, clampResults(maxResults))
	if err != nil {
		return model.MatchesResponse{}, model.Wrap(model.KindOf(err), err, "soft binding lookup failed")
	}
	matches := make([]model.Match, 0, len(locators))
	for _, l := range locators {
		matches = append(matches, model.Match{
			ManifestID:   l.ManifestID,
			ManifestTxID: l.TxID,
			RepoURL:      l.RepoURL,
			FetchURL:     l.FetchURL,
		})
	}
	return model.MatchesResponse{Matches: matches}, nil
}

// Hint is an optional caller-supplied binding that replaces the fingerprint
// computed from content when it is usable.
type Hint struct {
	Alg   string
	Value string
}

// ContentQuery is a byContent request. DeclaredLength is -1 when unknown.
type ContentQuery struct {
	ContentType    string
	DeclaredLength int64
	Body           io.Reader
	Alg            string
	Hint           Hint
	MaxResults     *int
	Threshold      *int
}

// ByContent fingerprints an uploaded image and returns similar manifests.
// The media type and declared length are checked before any body is read.
func (s *Service) ByContent(ctx context.Context, q ContentQuery) (model.MatchesResponse, error) {
	threshold, limit, err := s.matchParams(q.Alg, q.Hint, q.MaxResults, q.Threshold)
	if err != nil {
		return model.MatchesResponse{}, err
	}
	if !isImageType(q.ContentType) {
		return model.MatchesResponse{}, model.Errorf(model.KindUnsupportedType,
			"content type %q is not an image", q.ContentType)
	}
	if q.DeclaredLength > s.cfg.MaxImageBytes {
		return model.MatchesResponse{}, s.tooLarge()
	}

	if fp, ok := s.hintFingerprint(q.Hint); ok {
		return s.matchFingerprint(ctx, fp, threshold, limit)
	}

	if q.Body == nil {
		return model.MatchesResponse{}, model.Errorf(model.KindValidation, "request body is empty")
	}
	body, err := io.ReadAll(io.LimitReader(q.Body, s.cfg.MaxImageBytes+1))
	if err != nil {
		return model.MatchesResponse{}, model.Wrap(model.KindValidation, err, "read request body")
	}
	if int64(len(body)) > s.cfg.MaxImageBytes {
		return model.MatchesResponse{}, s.tooLarge()
	}
	return s.matchBytes(ctx, body, threshold, limit)
}

// ReferenceQuery is a byReference request.
type ReferenceQuery struct {
	ReferenceURL string
	AssetLength  int64
	AssetType    string
	Alg          string
	Hint         Hint
	MaxResults   *int
	Threshold    *int
}

// ByReference fetches the asset at a caller-supplied URL through the
// SSRF-safe fetcher and resolves it like ByContent.
func (s *Service) ByReference(ctx context.Context, q ReferenceQuery) (model.MatchesResponse, error) {
	if !s.cfg.EnableByReference || s.fetcher == nil {
		return model.MatchesResponse{}, model.Errorf(model.KindNotImplemented, "byReference is not enabled")
	}
	threshold, limit, err := s.matchParams(q.Alg, q.Hint, q.MaxResults, q.Threshold)
	if err != nil {
		return model.MatchesResponse{}, err
	}
	u, err := url.Parse(strings.TrimSpace(q.ReferenceURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return model.MatchesResponse{}, model.Errorf(model.KindValidation, "referenceUrl must be an absolute http(s) URL")
	}
	if q.AssetLength <= 0 {
		return model.MatchesResponse{}, model.Errorf(model.KindValidation, "assetLength must be positive")
	}
	if q.AssetLength > s.cfg.MaxImageBytes {
		return model.MatchesResponse{}, s.tooLarge()
	}
	if !isImageType(q.AssetType) {
		return model.MatchesResponse{}, model.Errorf(model.KindUnsupportedType,
			"asset type %q is not an image", q.AssetType)
	}

	if fp, ok := s.hintFingerprint(q.Hint); ok {
		return s.matchFingerprint(ctx, fp, threshold, limit)
	}

	res, err := s.fetcher.Fetch(ctx, u.String(), s.cfg.MaxImageBytes)
	if err != nil {
		s.logger.Warn("resolve: reference fetch failed", "url", u.Redacted(), "error", err)
		return model.MatchesResponse{}, model.Wrap(model.KindOf(err), err, "fetch reference")
	}
	if !sameMediaType(res.ContentType, q.AssetType) {
		return model.MatchesResponse{}, model.Errorf(model.KindUnsupportedType,
			"fetched content type %q does not match assetType %q", res.ContentType, q.AssetType)
	}
	// Both sizes are bounded by the ceiling; a differing length is tolerated.
	if int64(len(res.Body)) > s.cfg.MaxImageBytes {
		return model.MatchesResponse{}, model.Errorf(model.KindSizeLimit,
			"fetched %d bytes, limit is %d", len(res.Body), s.cfg.MaxImageBytes)
	}
	if int64(len(res.Body)) != q.AssetLength {
		s.logger.Info("resolve: reference length differs from assetLength",
			"url", u.Redacted(), "fetched", len(res.Body), "declared", q.AssetLength)
	}
	return s.matchBytes(ctx, res.Body, threshold, limit)
}

// SimilarQuery is a similarity search by fingerprint or by indexed
// transaction. Exactly one of PHash and TxID must be set.
type SimilarQuery struct {
	PHash     string
	TxID      string
	Threshold *int
	Limit     *int
}

// SearchSimilar returns indexed manifests whose fingerprints lie within the
// threshold of the query fingerprint.
func (s *Service) SearchSimilar(ctx context.Context, q SimilarQuery) (model.SearchSimilarResponse, error) {
	q.PHash, q.TxID = strings.TrimSpace(q.PHash), strings.TrimSpace(q.TxID)
	if (q.PHash == "") == (q.TxID == "") {
		return model.SearchSimilarResponse{}, model.Errorf(model.KindValidation, "exactly one of phash or txId is required")
	}
	threshold := storage.DefaultThreshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	if threshold < 0 || threshold > storage.MaxThreshold {
		return model.SearchSimilarResponse{}, model.Errorf(model.KindValidation,
			"threshold must be between 0 and %d", storage.MaxThreshold)
	}
	limit := storage.DefaultLimit
	if q.Limit != nil {
		limit = *q.Limit
	}
	if limit < 1 || limit > storage.MaxLimit {
		return model.SearchSimilarResponse{}, model.Errorf(model.KindValidation,
			"limit must be between 1 and %d", storage.MaxLimit)
	}

	var (
		found []model.SimilarManifest
		query string
		err   error
	)
	if q.PHash != "" {
		fp, perr := phash.Parse(q.PHash)
		if perr != nil {
			return model.SearchSimilarResponse{}, model.Wrap(model.KindFormat, perr, "invalid phash")
		}
		query = fp.Binary()
		found, err = s.similar(ctx, fp.Floats(), threshold, limit)
	} else {
		query = q.TxID
		found, err = s.similarToTx(ctx, q.TxID, threshold, limit)
	}
	if err != nil {
		return model.SearchSimilarResponse{}, err
	}

	results := make([]model.SimilarResult, 0, len(found))
	for _, m := range found {
		results = append(results, model.SimilarResult{
			ManifestTxID:     m.ManifestTxID,
			ManifestID:       m.ManifestIDOrEmpty(),
			Distance:         m.Distance,
			ContentType:      m.ContentType,
			OwnerAddress:     m.OwnerAddress,
			ClaimGenerator:   m.ClaimGenerator,
			HasPriorManifest: m.HasPriorManifest,
			IndexedAt:        m.IndexedAt,
		})
	}
	return model.SearchSimilarResponse{
		Query:     query,
		Threshold: threshold,
		Results:   results,
		Total:     len(results),
	}, nil
}

// matchParams validates the options shared by byContent and byReference.
func (s *Service) matchParams(alg string, hint Hint, maxResults, threshold *int) (int, int, error) {
	if alg = strings.TrimSpace(alg); alg != "" && !model.IsSupportedAlgorithm(alg) {
		return 0, 0, model.Errorf(model.KindValidation, "unsupported algorithm %q", alg)
	}
	if strings.TrimSpace(hint.Value) != "" && strings.TrimSpace(hint.Alg) == "" {
		return 0, 0, model.Errorf(model.KindValidation, "hintValue requires hintAlg")
	}
	t := storage.DefaultThreshold
	if threshold != nil {
		t = *threshold
	}
	if t < 0 || t > storage.MaxThreshold {
		return 0, 0, model.Errorf(model.KindValidation, "threshold must be between 0 and %d", storage.MaxThreshold)
	}
	return t, clampResults(maxResults), nil
}

// hintFingerprint returns the hint's fingerprint when its algorithm is
// supported and its value decodes. Unusable hints are ignored.
func (s *Service) hintFingerprint(h Hint) (phash.Fingerprint, bool) {
	alg, value := strings.TrimSpace(h.Alg), strings.TrimSpace(h.Value)
	if alg == "" || value == "" {
		return 0, false
	}
	if alg != model.AlgPHash {
		s.logger.Debug("resolve: ignoring hint for unsupported algorithm", "hint_alg", alg)
		return 0, false
	}
	fp, err := phash.ParseBindingValue(value)
	if err != nil {
		s.logger.Debug("resolve: ignoring undecodable hint", "error", err)
		return 0, false
	}
	return fp, true
}

func (s *Service) matchBytes(ctx context.Context, body []byte, threshold, limit int) (model.MatchesResponse, error) {
	fp, err := s.hasher.Hash(ctx, bytes.NewReader(body))
	if errors.Is(err, phash.ErrUndecodable) {
		return model.MatchesResponse{}, model.Wrap(model.KindValidation, err, "image could not be decoded")
	}
	if err != nil {
		return model.MatchesResponse{}, model.Wrap(model.KindInternal, err, "fingerprint image")
	}
	return s.matchFingerprint(ctx, fp, threshold, limit)
}

func (s *Service) matchFingerprint(ctx context.Context, fp phash.Fingerprint, threshold, limit int) (model.MatchesResponse, error) {
	found, err := s.similar(ctx, fp.Floats(), threshold, limit)
	if err != nil {
		return model.MatchesResponse{}, err
	}
	matches := make([]model.Match, 0, len(found))
	for _, m := range found {
		d := m.Distance
		score := similarityScore(d)
		matches = append(matches, model.Match{
			ManifestID:   m.ManifestIDOrEmpty(),
			ManifestTxID: m.ManifestTxID,
			Distance:     &d,
			Similarity:   &score,
		})
	}
	return model.MatchesResponse{Matches: matches}, nil
}

// similar runs a fingerprint search. When a healthy similarity mirror is
// configured it is queried first and its hits are hydrated from the index;
// any mirror failure falls back to the index's own scan.
func (s *Service) similar(ctx context.Context, vec []float32, threshold, limit int) ([]model.SimilarManifest, error) {
	if found, ok := s.mirrorSearch(ctx, vec, threshold, limit); ok {
		return found, nil
	}
	start := time.Now()
	found, err := s.index.SearchByVector(ctx, vec, threshold, limit)
	s.recordSearch(ctx, start, "index")
	if err != nil {
		return nil, indexError(err, "similarity search")
	}
	return found, nil
}

func (s *Service) similarToTx(ctx context.Context, txID string, threshold, limit int) ([]model.SimilarManifest, error) {
	if s.searcher != nil {
		m, err := s.index.GetByTxID(ctx, txID)
		if err != nil {
			return nil, indexError(err, "load manifest "+txID)
		}
		if found, ok := s.mirrorSearch(ctx, m.PHash, threshold, limit); ok {
			return found, nil
		}
	}
	start := time.Now()
	found, err := s.index.SearchByTxID(ctx, txID, threshold, limit)
	s.recordSearch(ctx, start, "index")
	if err != nil {
		return nil, indexError(err, "similarity search")
	}
	return found, nil
}

func (s *Service) mirrorSearch(ctx context.Context, vec []float32, threshold, limit int) ([]model.SimilarManifest, bool) {
	if s.searcher == nil {
		return nil, false
	}
	if err := s.searcher.Healthy(ctx); err != nil {
		s.logger.Debug("resolve: similarity mirror unhealthy, using index scan", "error", err)
		return nil, false
	}
	start := time.Now()
	hits, err := s.searcher.Search(ctx, vec, threshold, limit)
	s.recordSearch(ctx, start, "qdrant")
	if err != nil {
		s.logger.Warn("resolve: similarity mirror query failed, using index scan", "error", err)
		return nil, false
	}
	found, err := s.hydrate(ctx, hits)
	if err != nil {
		s.logger.Warn("resolve: hydrate mirror results failed, using index scan", "error", err)
		return nil, false
	}
	return found, true
}

// hydrate loads mirror hits from the index. Hits the index does not know, or
// that lack a manifest id, are dropped.
func (s *Service) hydrate(ctx context.Context, hits []search.Result) ([]model.SimilarManifest, error) {
	out := make([]model.SimilarManifest, 0, len(hits))
	for _, h := range hits {
		m, err := s.index.GetByTxID(ctx, h.ManifestTxID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve: hydrate %s: %w", h.ManifestTxID, err)
		}
		if m.ManifestID == nil {
			continue
		}
		out = append(out, model.SimilarManifest{Manifest: m, Distance: h.Distance})
	}
	return out, nil
}

func (s *Service) recordSearch(ctx context.Context, start time.Time, backend string) {
	s.searchDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("backend", backend)))
}

func (s *Service) tooLarge() error {
	return model.Errorf(model.KindSizeLimit, "image exceeds %d bytes", s.cfg.MaxImageBytes)
}

func indexError(err error, op string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Wrap(model.KindNotFound, err, "manifest not found")
	case errors.Is(err, storage.ErrInvalidArgument):
		return model.Wrap(model.KindValidation, err, op)
	default:
		return model.Wrap(model.KindInternal, err, op)
	}
}

func clampResults(n *int) int {
	if n == nil {
		return DefaultMaxResults
	}
	return max(1, min(*n, MaxMaxResults))
}

// similarityScore expresses a Hamming distance as a 0-100 percentage.
func similarityScore(distance int) int {
	return int(math.Round(float64(phash.Bits-distance) * 100 / phash.Bits))
}

func isImageType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.HasPrefix(mt, "image/")
}

func sameMediaType(a, b string) bool {
	ma, _, errA := mime.ParseMediaType(a)
	mb, _, errB := mime.ParseMediaType(b)
	return errA == nil && errB == nil && ma == mb
}
