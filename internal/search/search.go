// Package search provides an optional external similarity index that mirrors
// manifest fingerprints. SQLite remains the source of truth: callers hydrate
// manifests by transaction id and fall back to SQL-side search when the index
// is absent or unhealthy.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
)

// Result is a manifest transaction id and its Hamming distance to the query.
type Result struct {
	ManifestTxID string
	Distance     int
}

// Searcher is the interface for fingerprint similarity indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns up to limit manifests within threshold bits of vec.
	Search(ctx context.Context, vec []float32, threshold, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Indexer accepts manifest fingerprints for mirroring.
type Indexer interface {
	Upsert(ctx context.Context, points []Point) error
}

// Point is the data mirrored for a single manifest.
type Point struct {
	ManifestTxID string
	ManifestID   string
	OwnerAddress string
	BlockHeight  *int64
	PHash        []float32
}

// pointNamespace scopes deterministic point ids.
var pointNamespace = uuid.MustParse("6f1c3a52-7d0e-4b7a-9a55-0c2f8f6a1e34")

// PointID derives a stable point id from a manifest transaction id so that
// replaying a manifest overwrites its point instead of duplicating it.
func PointID(manifestTxID string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(manifestTxID))
}

// DistanceFromScore converts a Euclidean score from the index into a Hamming
// distance. On 0/1 vectors the squared Euclidean distance is the Hamming
// distance.
func DistanceFromScore(score float32) int {
	return int(math.Round(float64(score) * float64(score)))
}

// Rank filters results to threshold, orders them by distance then
// transaction id, and truncates to limit.
func Rank(results []Result, threshold, limit int) []Result {
	out := make([]Result, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Distance > threshold || seen[r.ManifestTxID] {
			continue
		}
		seen[r.ManifestTxID] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ManifestTxID < out[j].ManifestTxID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
