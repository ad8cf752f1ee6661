// Package locator resolves a manifest identifier to the place its bytes can
// be retrieved from.
package locator

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/storage"
)

// DefaultMaxManifestBytes caps raw manifest bytes served from the fallback store.
const DefaultMaxManifestBytes = 50 << 20

// Method names how a manifest was located. It is reported to clients in the
// X-Resolution-Method header.
type Method string

const (
	MethodFetchURL      Method = "fetch-url"
	MethodRepoURL       Method = "repo-url"
	MethodManifestStore Method = "fallback-manifest-store"
)

// Ledger is the gateway subset the locator uses.
type Ledger interface {
	LookupManifestLocatorByID(ctx context.Context, manifestID string) (*model.ManifestLocator, error)
	FetchTransactionData(ctx context.Context, txID string, maxBytes int64) ([]byte, string, error)
}

// Index is the manifest index subset the locator uses.
type Index interface {
	GetByManifestID(ctx context.Context, manifestID string) (model.Manifest, error)
}

// Resolution is where a manifest was found. Redirect resolutions carry
// RedirectURL; store resolutions carry Body.
type Resolution struct {
	Method      Method
	RedirectURL string
	ManifestTx  string
	Body        []byte
	ContentType string
}

// Service locates manifests.
type Service struct {
	ledger   Ledger
	index    Index
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Service. maxManifestBytes <= 0 selects DefaultMaxManifestBytes.
func New(ledger Ledger, index Index, maxManifestBytes int64, logger *slog.Logger) *Service {
	if maxManifestBytes <= 0 {
		maxManifestBytes = DefaultMaxManifestBytes
	}
	return &Service{ledger: ledger, index: index, maxBytes: maxManifestBytes, logger: logger}
}

// Locate prefers the fetch URL advertised on the ledger, then the repository
// URL, then the raw manifest transaction of the locally indexed record.
func (s *Service) Locate(ctx context.Context, manifestID string, returnActiveManifest bool) (*Resolution, error) {
	manifestID = strings.TrimSpace(manifestID)
	if manifestID == "" {
		return nil, model.Errorf(model.KindValidation, "manifestId is required")
	}
	if returnActiveManifest {
		return nil, model.Errorf(model.KindNotImplemented, "returnActiveManifest is not supported")
	}

	loc, err := s.ledger.LookupManifestLocatorByID(ctx, manifestID)
	if err != nil {
		s.logger.Warn("locator: gateway lookup failed, using manifest store", "manifest_id", manifestID, "error", err)
	}
	if loc != nil {
		if loc.FetchURL != nil {
			if target, ok := redirectTarget(*loc.FetchURL); ok {
				return &Resolution{Method: MethodFetchURL, RedirectURL: target, ManifestTx: loc.TxID}, nil
			}
			s.logger.Warn("locator: ignoring invalid fetch URL", "manifest_id", manifestID, "tx_id", loc.TxID)
		}
		if loc.RepoURL != nil {
			repo := strings.TrimRight(*loc.RepoURL, "/") + "/manifests/" + url.PathEscape(manifestID)
			if target, ok := redirectTarget(repo); ok {
				return &Resolution{Method: MethodRepoURL, RedirectURL: target, ManifestTx: loc.TxID}, nil
			}
			s.logger.Warn("locator: ignoring invalid repo URL", "manifest_id", manifestID, "tx_id", loc.TxID)
		}
	}

	m, err := s.index.GetByManifestID(ctx, manifestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, model.Wrap(model.KindNotFound, err, "manifest not found")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "load manifest")
	}

	body, _, err := s.ledger.FetchTransactionData(ctx, m.ManifestTxID, s.maxBytes)
	if err != nil {
		kind := model.KindOf(err)
		if kind != model.KindUpstreamTimeout {
			kind = model.KindUpstream
		}
		return nil, model.Wrap(kind, err, "fetch manifest data")
	}
	return &Resolution{
		Method:      MethodManifestStore,
		ManifestTx:  m.ManifestTxID,
		Body:        body,
		ContentType: model.ManifestContentType,
	}, nil
}

// redirectTarget accepts only absolute http(s) URLs.
func redirectTarget(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return u.String(), true
}
