package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/migrations"
)

func TestInsertManifestReportsBusyWithoutRetrying(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	_, err := db.conn.ExecContext(ctx, `PRAGMA busy_timeout=50`)
	require.NoError(t, err)

	other, err := sql.Open("sqlite", db.Path())
	require.NoError(t, err)
	other.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = other.Close() })
	_, err = other.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)

	_, err = db.InsertManifest(ctx, newManifest("tx-busy", phash.Fingerprint(0xAB)), nil)
	require.ErrorIs(t, err, ErrBusy)

	_, err = other.ExecContext(ctx, `ROLLBACK`)
	require.NoError(t, err)
	_, err = db.InsertManifest(ctx, newManifest("tx-busy", phash.Fingerprint(0xAB)), nil)
	assert.NoError(t, err, "the lock is gone once the other writer finishes")
}

func TestClassifyWritePassesOtherErrorsThrough(t *testing.T) {
	assert.NoError(t, classifyWrite(nil))
	boom := errors.New("boom")
	assert.Same(t, boom, classifyWrite(boom))
	assert.False(t, isBusy(ErrConflict))
	assert.False(t, isBusy(context.DeadlineExceeded))
}
