package model

import "time"

// Manifest is an indexed C2PA sidecar manifest record.
type Manifest struct {
	ID               int64     `json:"-"`
	ManifestTxID     string    `json:"manifestTxId"`
	ManifestID       *string   `json:"manifestId,omitempty"`
	OriginalHash     *string   `json:"originalHash,omitempty"`
	ContentType      string    `json:"contentType"`
	AssetContentType *string   `json:"assetContentType,omitempty"`
	PHash            []float32 `json:"phash"`
	HasPriorManifest bool      `json:"hasPriorManifest"`
	ClaimGenerator   string    `json:"claimGenerator"`
	OwnerAddress     string    `json:"ownerAddress"`
	BlockHeight      *int64    `json:"blockHeight,omitempty"`
	BlockTimestamp   *int64    `json:"blockTimestamp,omitempty"`
	IndexedAt        time.Time `json:"indexedAt"`
}

// ManifestIDOrEmpty returns the manifest identifier, or "" when unset.
func (m Manifest) ManifestIDOrEmpty() string {
	if m.ManifestID == nil {
		return ""
	}
	return *m.ManifestID
}

// SoftBinding is one algorithm-identified binding value attached to a manifest.
type SoftBinding struct {
	ID         int64   `json:"-"`
	ManifestID string  `json:"manifestId"`
	Alg        string  `json:"alg"`
	ValueB64   string  `json:"value"`
	ScopeJSON  *string `json:"scope,omitempty"`
}

// SimilarManifest is a manifest returned by fingerprint search together with
// its Hamming distance to the query.
type SimilarManifest struct {
	Manifest
	Distance int `json:"distance"`
}

// ManifestLocator is what the ledger reports about where a manifest can be
// retrieved from.
type ManifestLocator struct {
	TxID        string  `json:"txId"`
	ManifestID  string  `json:"manifestId"`
	RepoURL     *string `json:"repoUrl,omitempty"`
	FetchURL    *string `json:"fetchUrl,omitempty"`
	BlockHeight int64   `json:"blockHeight"`
}
