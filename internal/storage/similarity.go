package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
)

// Search defaults and bounds.
const (
	DefaultThreshold = 10
	DefaultLimit     = 10
	MaxThreshold     = phash.Bits
	MaxLimit         = 100
)

// SearchByVector returns manifests carrying a manifest id whose fingerprint
// lies within threshold bits of q, nearest first. Ties are broken by
// manifest_tx_id so results are reproducible.
func (db *DB) SearchByVector(ctx context.Context, q []float32, threshold, limit int) ([]model.SimilarManifest, error) {
	if err := validateVector(q); err != nil {
		return nil, fmt.Errorf("storage: search: %w", err)
	}
	if threshold < 0 || threshold > MaxThreshold {
		return nil, fmt.Errorf("storage: search: %w: threshold must be between 0 and %d", ErrInvalidArgument, MaxThreshold)
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("storage: search: %w: limit must be between 1 and %d", ErrInvalidArgument, MaxLimit)
	}
	packed, err := phash.Pack(q)
	if err != nil {
		return nil, fmt.Errorf("storage: search: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+manifestColumns+`, distance FROM (
			SELECT *, hamming64(phash_bits, ?) AS distance
			  FROM manifests
			 WHERE manifest_id IS NOT NULL
		 )
		 WHERE distance <= ?
		 ORDER BY distance, manifest_tx_id
		 LIMIT ?`,
		packed, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SimilarManifest
	for rows.Next() {
		var dist int
		m, err := scanManifest(rows, &dist)
		if err != nil {
			return nil, fmt.Errorf("storage: search: scan: %w", err)
		}
		out = append(out, model.SimilarManifest{Manifest: m, Distance: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: search: %w", err)
	}
	return out, nil
}

// SearchByTxID loads the fingerprint stored for txID and searches with it.
// The source manifest is part of the result set at distance 0.
func (db *DB) SearchByTxID(ctx context.Context, txID string, threshold, limit int) ([]model.SimilarManifest, error) {
	m, err := db.GetByTxID(ctx, txID)
	if err != nil {
		return nil, err
	}
	return db.SearchByVector(ctx, m.PHash, threshold, limit)
}
