package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
)

const manifestColumns = `id, manifest_tx_id, manifest_id, original_hash, content_type, asset_content_type,
	phash, has_prior_manifest, claim_generator, owner_address, block_height, block_timestamp, indexed_at`

// InsertManifest writes m and replaces its soft-binding set in a single
// transaction. A duplicate manifest_tx_id or manifest_id returns an error
// wrapping ErrConflict; lock contention past busy_timeout returns an error
// wrapping ErrBusy. Bindings require m.ManifestID.
func (db *DB) InsertManifest(ctx context.Context, m model.Manifest, bindings []model.SoftBinding) (model.Manifest, error) {
	if err := validateVector(m.PHash); err != nil {
		return model.Manifest{}, fmt.Errorf("storage: insert manifest %s: %w", m.ManifestTxID, err)
	}
	if m.ManifestID == nil && len(bindings) > 0 {
		return model.Manifest{}, fmt.Errorf("storage: insert manifest %s: %w: soft bindings require a manifest id",
			m.ManifestTxID, ErrInvalidArgument)
	}
	packed, err := phash.Pack(m.PHash)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("storage: insert manifest %s: %w", m.ManifestTxID, err)
	}
	if m.IndexedAt.IsZero() {
		m.IndexedAt = time.Now().UTC()
	}

	out, err := db.insertManifestTx(ctx, m, packed, bindings)
	return out, classifyWrite(err)
}

func (db *DB) insertManifestTx(ctx context.Context, m model.Manifest, packed int64, bindings []model.SoftBinding) (model.Manifest, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("storage: begin insert manifest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO manifests (manifest_tx_id, manifest_id, original_hash, content_type, asset_content_type,
			phash, phash_bits, has_prior_manifest, claim_generator, owner_address,
			block_height, block_timestamp, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ManifestTxID, m.ManifestID, m.OriginalHash, m.ContentType, m.AssetContentType,
		pgvector.NewVector(m.PHash), packed, m.HasPriorManifest, m.ClaimGenerator, m.OwnerAddress,
		m.BlockHeight, m.BlockTimestamp, m.IndexedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Manifest{}, fmt.Errorf("storage: manifest %s: %w", m.ManifestTxID, ErrConflict)
		}
		return model.Manifest{}, fmt.Errorf("storage: insert manifest %s: %w", m.ManifestTxID, err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return model.Manifest{}, fmt.Errorf("storage: insert manifest %s: last insert id: %w", m.ManifestTxID, err)
	}

	if m.ManifestID != nil {
		if err := replaceBindings(ctx, tx, *m.ManifestID, bindings); err != nil {
			return model.Manifest{}, fmt.Errorf("storage: insert manifest %s: %w", m.ManifestTxID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Manifest{}, fmt.Errorf("storage: commit insert manifest %s: %w", m.ManifestTxID, err)
	}
	return m, nil
}

// replaceBindings deletes the binding set for manifestID and inserts the new
// one. Readers see either the old or the new set.
func replaceBindings(ctx context.Context, tx *sql.Tx, manifestID string, bindings []model.SoftBinding) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM soft_bindings WHERE manifest_id = ?`, manifestID); err != nil {
		return fmt.Errorf("delete soft bindings: %w", err)
	}
	for i, b := range bindings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO soft_bindings (manifest_id, alg, value_b64, scope_json) VALUES (?, ?, ?, ?)`,
			manifestID, b.Alg, b.ValueB64, b.ScopeJSON,
		); err != nil {
			return fmt.Errorf("insert soft binding %d: %w", i, err)
		}
	}
	return nil
}

// GetByTxID returns the manifest recorded for a ledger transaction.
func (db *DB) GetByTxID(ctx context.Context, txID string) (model.Manifest, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE manifest_tx_id = ?`, txID)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Manifest{}, fmt.Errorf("storage: manifest tx %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return model.Manifest{}, fmt.Errorf("storage: get manifest tx %s: %w", txID, err)
	}
	return m, nil
}

// GetByManifestID returns the manifest with the given manifest identifier.
func (db *DB) GetByManifestID(ctx context.Context, manifestID string) (model.Manifest, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE manifest_id = ?`, manifestID)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Manifest{}, fmt.Errorf("storage: manifest %s: %w", manifestID, ErrNotFound)
	}
	if err != nil {
		return model.Manifest{}, fmt.Errorf("storage: get manifest %s: %w", manifestID, err)
	}
	return m, nil
}

// ListBindings returns the soft bindings of a manifest in insertion order.
func (db *DB) ListBindings(ctx context.Context, manifestID string) ([]model.SoftBinding, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, manifest_id, alg, value_b64, scope_json FROM soft_bindings WHERE manifest_id = ? ORDER BY id`,
		manifestID)
	if err != nil {
		return nil, fmt.Errorf("storage: list soft bindings %s: %w", manifestID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SoftBinding
	for rows.Next() {
		var (
			b     model.SoftBinding
			scope sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.ManifestID, &b.Alg, &b.ValueB64, &scope); err != nil {
			return nil, fmt.Errorf("storage: scan soft binding: %w", err)
		}
		b.ScopeJSON = nullString(scope)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountManifests returns the number of indexed manifests.
func (db *DB) CountManifests(ctx context.Context) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count manifests: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner, extra ...any) (model.Manifest, error) {
	var (
		m                                   model.Manifest
		manifestID, originalHash, assetType sql.NullString
		vec                                 pgvector.Vector
		blockHeight, blockTimestamp         sql.NullInt64
		indexedAt                           string
	)
	dest := []any{
		&m.ID, &m.ManifestTxID, &manifestID, &originalHash, &m.ContentType, &assetType,
		&vec, &m.HasPriorManifest, &m.ClaimGenerator, &m.OwnerAddress, &blockHeight, &blockTimestamp, &indexedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return model.Manifest{}, err
	}
	m.ManifestID = nullString(manifestID)
	m.OriginalHash = nullString(originalHash)
	m.AssetContentType = nullString(assetType)
	m.PHash = vec.Slice()
	m.BlockHeight = nullInt64(blockHeight)
	m.BlockTimestamp = nullInt64(blockTimestamp)
	t, err := time.Parse(time.RFC3339Nano, indexedAt)
	if err != nil {
		return model.Manifest{}, fmt.Errorf("parse indexed_at %q: %w", indexedAt, err)
	}
	m.IndexedAt = t
	return m, nil
}

func validateVector(v []float32) error {
	if len(v) != phash.Bits {
		return fmt.Errorf("%w: phash must have %d components, got %d", ErrInvalidArgument, phash.Bits, len(v))
	}
	for i, f := range v {
		if f != 0 && f != 1 {
			return fmt.Errorf("%w: phash component %d is %v, want 0 or 1", ErrInvalidArgument, i, f)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
