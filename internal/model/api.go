package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	ErrCodeNotImplemented       = "NOT_IMPLEMENTED"
	ErrCodeUpstream             = "UPSTREAM_ERROR"
	ErrCodeUpstreamTimeout      = "UPSTREAM_TIMEOUT"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeRateLimited          = "RATE_LIMITED"
)

// ByBindingRequest is the request body for POST /v1/matches/byBinding.
// GET requests carry the same fields as query parameters.
type ByBindingRequest struct {
	Alg        string `json:"alg"`
	Value      string `json:"value"`
	MaxResults *int   `json:"maxResults,omitempty"`
}

// ByReferenceRequest is the request body for POST /v1/matches/byReference.
type ByReferenceRequest struct {
	ReferenceURL string `json:"referenceUrl"`
	AssetLength  int64  `json:"assetLength"`
	AssetType    string `json:"assetType"`
	Alg          string `json:"alg,omitempty"`
	HintAlg      string `json:"hintAlg,omitempty"`
	HintValue    string `json:"hintValue,omitempty"`
	MaxResults   *int   `json:"maxResults,omitempty"`
	Threshold    *int   `json:"threshold,omitempty"`
}

// MatchesResponse is the response for every /v1/matches/* endpoint.
type MatchesResponse struct {
	Matches []Match `json:"matches"`
}

// Match is one manifest that satisfied a resolution query.
// Similarity is set only for fingerprint-derived matches.
type Match struct {
	ManifestID   string  `json:"manifestId"`
	ManifestTxID string  `json:"manifestTxId,omitempty"`
	RepoURL      *string `json:"repoUrl,omitempty"`
	FetchURL     *string `json:"fetchUrl,omitempty"`
	Distance     *int    `json:"distance,omitempty"`
	Similarity   *int    `json:"similarityScore,omitempty"`
}

// SupportedAlgorithmsResponse is the response for GET /v1/services/supportedAlgorithms.
type SupportedAlgorithmsResponse struct {
	Watermarks   []AlgorithmEntry `json:"watermarks"`
	Fingerprints []AlgorithmEntry `json:"fingerprints"`
}

// AlgorithmEntry names one soft-binding algorithm.
type AlgorithmEntry struct {
	Alg string `json:"alg"`
}

// SimilarResult is one row of GET /v1/search-similar.
type SimilarResult struct {
	ManifestTxID     string    `json:"manifestTxId"`
	ManifestID       string    `json:"manifestId"`
	Distance         int       `json:"distance"`
	ContentType      string    `json:"contentType"`
	OwnerAddress     string    `json:"ownerAddress"`
	ClaimGenerator   string    `json:"claimGenerator"`
	HasPriorManifest bool      `json:"hasPriorManifest"`
	IndexedAt        time.Time `json:"indexedAt"`
}

// SearchSimilarResponse is the response for GET /v1/search-similar.
type SearchSimilarResponse struct {
	Query     string          `json:"query"`
	Threshold int             `json:"threshold"`
	Results   []SimilarResult `json:"results"`
	Total     int             `json:"total"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Database          string `json:"database"`
	Manifests         int64  `json:"manifests"`
	Qdrant            string `json:"qdrant,omitempty"`
	UpstreamProcessID string `json:"upstream_process_id,omitempty"`
	Uptime            int64  `json:"uptime_seconds"`
}
