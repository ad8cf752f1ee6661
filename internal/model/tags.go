package model

// Values a ledger transaction must carry to be treated as a sidecar manifest.
const (
	ManifestContentType = "application/c2pa"
	SidecarManifestType = "sidecar"
)

// AlgPHash is the soft-binding algorithm identifier for the 64-bit perceptual hash.
const AlgPHash = "org.ar-io.phash"

// SupportedAlgorithms is the registry of recognized soft-binding algorithms.
var SupportedAlgorithms = SupportedAlgorithmsResponse{
	Watermarks:   []AlgorithmEntry{},
	Fingerprints: []AlgorithmEntry{{Alg: AlgPHash}},
}

// IsSupportedAlgorithm reports whether alg is in the registry.
func IsSupportedAlgorithm(alg string) bool {
	for _, a := range SupportedAlgorithms.Fingerprints {
		if a.Alg == alg {
			return true
		}
	}
	for _, a := range SupportedAlgorithms.Watermarks {
		if a.Alg == alg {
			return true
		}
	}
	return false
}

// Canonical tag names.
const (
	TagContentType      = "Content-Type"
	TagManifestType     = "Manifest-Type"
	TagManifestID       = "C2PA-Manifest-Id"
	TagPHash            = "pHash"
	TagRepoURL          = "C2PA-Manifest-Repo-URL"
	TagFetchURL         = "C2PA-Manifest-Fetch-URL"
	TagOriginalHash     = "C2PA-Original-Hash"
	TagClaimGenerator   = "C2PA-Claim-Generator"
	TagHasPriorManifest = "C2PA-Has-Prior-Manifest"
	TagAssetContentType = "C2PA-Asset-Content-Type"
)

// TagAliases maps each canonical single-valued tag to every spelling accepted
// on the wire, canonical first.
var TagAliases = map[string][]string{
	TagContentType:      {TagContentType},
	TagManifestType:     {TagManifestType},
	TagManifestID:       {TagManifestID, "C2PA-Manifest-ID"},
	TagPHash:            {TagPHash},
	TagRepoURL:          {TagRepoURL},
	TagFetchURL:         {TagFetchURL},
	TagOriginalHash:     {TagOriginalHash},
	TagClaimGenerator:   {TagClaimGenerator},
	TagHasPriorManifest: {TagHasPriorManifest},
	TagAssetContentType: {TagAssetContentType},
}

// BindingTagFamily is one spelling of the repeated soft-binding tag set.
type BindingTagFamily struct {
	Alg   string
	Value string
	Scope string
}

// BindingTagFamilies lists the accepted soft-binding tag families. Values from
// every family are merged in this order.
var BindingTagFamilies = []BindingTagFamily{
	{Alg: "C2PA-SoftBinding-Alg", Value: "C2PA-SoftBinding-Value", Scope: "C2PA-SoftBinding-Scope"},
	{Alg: "C2PA-Soft-Binding-Alg", Value: "C2PA-Soft-Binding-Value", Scope: "C2PA-Soft-Binding-Scope"},
}

// Tag is a single ledger transaction tag.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CanonicalTag resolves name to its canonical form. ok is false when name is
// not a known single-valued tag.
func CanonicalTag(name string) (canonical string, ok bool) {
	for c, aliases := range TagAliases {
		for _, a := range aliases {
			if a == name {
				return c, true
			}
		}
	}
	return "", false
}
