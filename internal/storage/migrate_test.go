package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/migrations"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := New(context.Background(), filepath.Join(t.TempDir(), "migrate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newManifest(txID string, fp phash.Fingerprint) model.Manifest {
	return model.Manifest{ManifestTxID: txID, ContentType: model.ManifestContentType, PHash: fp.Floats()}
}

// seedLegacyRows writes manifests in the version 1 shape (NOT NULL
// manifest_id, phash_hex present) then deletes the newest row so that the
// AUTOINCREMENT high-water mark is ahead of max(id).
func seedLegacyRows(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	for i, fp := range []phash.Fingerprint{0x1, 0xFF, 0xFFFF} {
		tx := []string{"tx-1", "tx-2", "tx-3"}[i]
		mid := []string{"urn:1", "urn:2", "urn:3"}[i]
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO manifests (manifest_tx_id, manifest_id, content_type, phash, phash_bits, phash_hex, indexed_at)
			 VALUES (?, ?, 'application/c2pa', ?, ?, ?, '2025-01-01T00:00:00Z')`,
			tx, mid, pgvector.NewVector(fp.Floats()), fp.Packed(), fp.Hex())
		require.NoError(t, err)
		_, err = db.conn.ExecContext(ctx,
			`INSERT INTO soft_bindings (manifest_id, alg, value_b64) VALUES (?, 'org.ar-io.phash', ?)`, mid, fp.Base64())
		require.NoError(t, err)
	}
	_, err := db.conn.ExecContext(ctx, `DELETE FROM manifests WHERE manifest_tx_id = 'tx-3'`)
	require.NoError(t, err)
}

func TestTableRewritePreservesRowsAndResyncsSequence(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.runMigrations(ctx, migrations.FS, Migrations()[:1]))
	seedLegacyRows(t, db)

	require.NoError(t, db.RunMigrations(ctx, migrations.FS))

	cols, err := tableColumns(ctx, db.conn, "manifests")
	require.NoError(t, err)
	assert.NotContains(t, cols, "phash_hex")
	assert.False(t, cols["manifest_id"].NotNull)
	assert.Contains(t, cols, "original_hash")
	assert.Contains(t, cols, "asset_content_type")

	for _, txID := range []string{"tx-1", "tx-2"} {
		m, err := db.GetByTxID(ctx, txID)
		require.NoError(t, err, txID)
		assert.Len(t, m.PHash, phash.Bits)
	}

	var seq int64
	require.NoError(t, db.conn.QueryRowContext(ctx,
		`SELECT seq FROM sqlite_sequence WHERE name = 'manifests'`).Scan(&seq))
	assert.Equal(t, int64(2), seq)

	anonymous := phash.Fingerprint(0xABCD)
	stored, err := db.InsertManifest(ctx, newManifest("tx-4", anonymous), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.ID, "next id is max(id)+1 after the rewrite")
	assert.Nil(t, stored.ManifestID)

	var indexes int
	require.NoError(t, db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = 'manifests' AND name LIKE 'idx_%'`,
	).Scan(&indexes))
	assert.Equal(t, len(manifestIndexes), indexes)

	bs, err := db.ListBindings(ctx, "urn:1")
	require.NoError(t, err)
	assert.Len(t, bs, 1)
	require.NoError(t, checkForeignKeys(ctx, db.conn))

	var fkOn int
	require.NoError(t, db.conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fkOn))
	assert.Equal(t, 1, fkOn, "foreign keys are re-enabled after a rewrite")
}

func TestPartiallyAppliedMigrationCompletes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.runMigrations(ctx, migrations.FS, Migrations()[:1]))
	// Simulate a crash after the column was added but before the version row.
	_, err := db.conn.ExecContext(ctx, `ALTER TABLE manifests ADD COLUMN original_hash TEXT`)
	require.NoError(t, err)
	fp := phash.Fingerprint(0x1234)
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO manifests (manifest_tx_id, manifest_id, content_type, phash, phash_bits, original_hash, indexed_at)
		 VALUES ('tx-1', 'urn:1', 'application/c2pa', ?, ?, 'sha256:abc', '2025-01-01T00:00:00Z')`,
		pgvector.NewVector(fp.Floats()), fp.Packed())
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(ctx, migrations.FS))

	states, err := db.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, states, 4)
	for _, st := range states {
		assert.True(t, st.Applied, "version %d", st.Version)
		assert.NotNil(t, st.AppliedAt)
	}

	cols, err := tableColumns(ctx, db.conn, "manifests")
	require.NoError(t, err)
	assert.Contains(t, cols, "asset_content_type")

	m, err := db.GetByTxID(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, m.OriginalHash, "columns added ahead of their migration survive table rewrites")
	assert.Equal(t, "sha256:abc", *m.OriginalHash)
}

func TestInitialSchemaCreatesMissingBindingsTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.conn.ExecContext(ctx, `CREATE TABLE manifests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		manifest_tx_id TEXT NOT NULL UNIQUE,
		manifest_id TEXT NOT NULL UNIQUE,
		content_type TEXT NOT NULL,
		phash TEXT NOT NULL,
		phash_bits INTEGER NOT NULL,
		phash_hex TEXT,
		has_prior_manifest INTEGER NOT NULL DEFAULT 0,
		claim_generator TEXT NOT NULL DEFAULT '',
		owner_address TEXT NOT NULL DEFAULT '',
		block_height INTEGER,
		block_timestamp INTEGER,
		indexed_at TEXT NOT NULL
	)`)
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(ctx, migrations.FS))

	exists, err := tableExists(ctx, db.conn, "soft_bindings")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRewriteTableCarriesUnlistedColumns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.conn.ExecContext(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT, legacy TEXT, extra INTEGER)`)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx, `INSERT INTO notes (body, legacy, extra) VALUES ('hello', 'old', 7)`)
	require.NoError(t, err)

	tx, err := db.conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, rewriteTable(ctx, tx, tableRewrite{
		Table:     "notes",
		CreateSQL: `CREATE TABLE %s (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL DEFAULT '')`,
		Columns:   []string{"id", "body"},
		Drop:      []string{"legacy"},
	}))
	require.NoError(t, tx.Commit())

	cols, err := tableColumns(ctx, db.conn, "notes")
	require.NoError(t, err)
	assert.NotContains(t, cols, "legacy")
	assert.Equal(t, "INTEGER", cols["extra"].Type)

	var (
		body  string
		extra int
	)
	require.NoError(t, db.conn.QueryRowContext(ctx, `SELECT body, extra FROM notes`).Scan(&body, &extra))
	assert.Equal(t, "hello", body)
	assert.Equal(t, 7, extra)
}

func TestFailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	boom := errors.New("boom")
	set := append(Migrations()[:1], Migration{
		Version: 2,
		Name:    "fails_midway",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE scratch (id INTEGER)`); err != nil {
				return err
			}
			return boom
		},
	})

	err := db.runMigrations(ctx, migrations.FS, set)
	require.ErrorIs(t, err, boom)

	exists, err := tableExists(ctx, db.conn, "scratch")
	require.NoError(t, err)
	assert.False(t, exists, "partial work is rolled back")

	applied, err := loadAppliedMigrations(ctx, db.conn)
	require.NoError(t, err)
	assert.Contains(t, applied, 1)
	assert.NotContains(t, applied, 2)
}

func TestSortedMigrationsRejectsBadVersions(t *testing.T) {
	_, err := sortedMigrations([]Migration{{Version: 1, Name: "a"}, {Version: 1, Name: "b"}})
	assert.Error(t, err)

	_, err = sortedMigrations([]Migration{{Version: 0, Name: "zero"}})
	assert.Error(t, err)

	out, err := sortedMigrations([]Migration{{Version: 3}, {Version: 1}, {Version: 2}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].Version, out[1].Version, out[2].Version})
}

func TestHamming64(t *testing.T) {
	got, err := hamming64(nil, []driver.Value{int64(0), int64(-1)})
	require.NoError(t, err)
	assert.Equal(t, int64(64), got)

	got, err = hamming64(nil, []driver.Value{nil, int64(1)})
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = hamming64(nil, []driver.Value{"x", int64(1)})
	assert.Error(t, err)
}
