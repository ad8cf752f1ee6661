// Package testutil provides shared test infrastructure: migrated temp-dir
// SQLite databases and manifest fixtures.
//
// Usage:
//
//	db := testutil.NewTestDB(t)
//	m := testutil.SeedManifest(t, db, "tx-1", "urn:c2pa:1", fp)
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/internal/storage"
	"github.com/ashita-ai/shirushi/migrations"
)

// NewTestDB opens a fresh database under t.TempDir() and runs all
// migrations. The handle is closed when the test ends.
func NewTestDB(t testing.TB) *storage.DB {
	t.Helper()
	ctx := context.Background()

	db, err := storage.New(ctx, filepath.Join(t.TempDir(), "shirushi.db"), TestLogger())
	require.NoError(t, err, "testutil: open database")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations(ctx, migrations.FS), "testutil: run migrations")
	return db
}

// Manifest builds a sidecar manifest record with fingerprint fp. An empty
// manifestID leaves the identifier unset.
func Manifest(txID, manifestID string, fp phash.Fingerprint) model.Manifest {
	m := model.Manifest{
		ManifestTxID:   txID,
		ContentType:    model.ManifestContentType,
		PHash:          fp.Floats(),
		ClaimGenerator: "testutil/1.0",
		OwnerAddress:   "owner-" + txID,
	}
	if manifestID != "" {
		m.ManifestID = &manifestID
	}
	return m
}

// PHashBinding returns the perceptual-hash soft binding for fp.
func PHashBinding(manifestID string, fp phash.Fingerprint) model.SoftBinding {
	return model.SoftBinding{ManifestID: manifestID, Alg: model.AlgPHash, ValueB64: fp.Base64()}
}

// SeedManifest inserts a manifest with a single pHash binding (when
// manifestID is set) and returns the stored record.
func SeedManifest(t testing.TB, db *storage.DB, txID, manifestID string, fp phash.Fingerprint) model.Manifest {
	t.Helper()
	var bindings []model.SoftBinding
	if manifestID != "" {
		bindings = []model.SoftBinding{PHashBinding(manifestID, fp)}
	}
	m, err := db.InsertManifest(context.Background(), Manifest(txID, manifestID, fp), bindings)
	require.NoError(t, err, "testutil: seed manifest %s", txID)
	return m
}

// FlipBits returns fp with its n lowest bits inverted, i.e. a fingerprint at
// Hamming distance n (n <= 64).
func FlipBits(fp phash.Fingerprint, n int) phash.Fingerprint {
	var mask uint64
	if n >= 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << n) - 1
	}
	return fp ^ phash.Fingerprint(mask)
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
