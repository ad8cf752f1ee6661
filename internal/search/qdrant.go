package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/shirushi/internal/phash"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
}

// QdrantIndex implements Searcher and Indexer backed by Qdrant. Points are
// 64-dimensional 0/1 vectors compared with Euclidean distance.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port (6333) maps to the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the payload indexes are present. CreateFieldIndex is idempotent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(phash.Bits),
				Distance: qdrant.Distance_Euclid,
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", phash.Bits)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"manifest_tx_id", "manifest_id", "owner_address"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Search queries Qdrant for manifests near vec. Over-fetches limit*3 so that
// ties at the cut-off can be ordered by transaction id.
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, threshold, limit int) ([]Result, error) {
	fetchLimit := uint64(limit) * 3 //nolint:gosec // limit is bounded by caller (max 100)
	// The Euclidean score is the square root of the Hamming distance.
	maxScore := float32(math.Sqrt(float64(threshold))) + 0.01
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &fetchLimit,
		ScoreThreshold: &maxScore,
		WithPayload:    qdrant.NewWithPayloadInclude("manifest_tx_id"),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		txID := sp.GetPayload()["manifest_tx_id"].GetStringValue()
		if txID == "" {
			q.logger.Warn("qdrant: point without manifest_tx_id", "id", sp.GetId().GetUuid())
			continue
		}
		stored := sp.GetVectors().GetVector().GetDense().GetData()
		results = append(results, Result{ManifestTxID: txID, Distance: hitDistance(vec, stored, sp.GetScore())})
	}
	return Rank(results, threshold, limit), nil
}

// Upsert inserts or updates points in Qdrant.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(p.ManifestTxID).String()),
			Vectors: qdrant.NewVectorsDense(p.PHash),
			Payload: qdrant.NewValueMap(pointPayload(p)),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// pointPayload is the filterable metadata stored with a point. The
// fingerprint is kept in hex so points can be inspected by hand.
func pointPayload(p Point) map[string]any {
	payload := map[string]any{
		"manifest_tx_id": p.ManifestTxID,
		"manifest_id":    p.ManifestID,
	}
	if p.OwnerAddress != "" {
		payload["owner_address"] = p.OwnerAddress
	}
	if p.BlockHeight != nil {
		payload["block_height"] = *p.BlockHeight
	}
	if fp, err := phash.FromFloats(p.PHash); err == nil {
		payload["phash"] = fp.Hex()
	}
	return payload
}

// hitDistance is the exact Hamming distance when the index returned the
// stored vector, and the distance derived from the score otherwise.
func hitDistance(query, stored []float32, score float32) int {
	if len(stored) == len(query) {
		return phash.VectorDistance(query, stored)
	}
	return DistanceFromScore(score)
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// and concurrent checks after expiry share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight reuses the first caller's context, so detach from it.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
