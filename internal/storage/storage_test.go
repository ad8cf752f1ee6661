package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/internal/storage"
	"github.com/ashita-ai/shirushi/internal/testutil"
	"github.com/ashita-ai/shirushi/migrations"
)

const baseFP = phash.Fingerprint(0xF0F0_0F0F_AAAA_5555)

func TestInsertAndGetManifest(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	scope := `{"region":"full"}`
	in := testutil.Manifest("tx-insert", "urn:c2pa:insert", baseFP)
	hash := "sha256:abc"
	in.OriginalHash = &hash
	height := int64(1200)
	in.BlockHeight = &height
	bindings := []model.SoftBinding{{ManifestID: "urn:c2pa:insert", Alg: model.AlgPHash, ValueB64: baseFP.Base64(), ScopeJSON: &scope}}

	stored, err := db.InsertManifest(ctx, in, bindings)
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)
	assert.False(t, stored.IndexedAt.IsZero())

	got, err := db.GetByTxID(ctx, "tx-insert")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "urn:c2pa:insert", got.ManifestIDOrEmpty())
	assert.Equal(t, baseFP.Floats(), got.PHash)
	require.NotNil(t, got.OriginalHash)
	assert.Equal(t, hash, *got.OriginalHash)
	require.NotNil(t, got.BlockHeight)
	assert.Equal(t, int64(1200), *got.BlockHeight)
	assert.Nil(t, got.BlockTimestamp)

	byID, err := db.GetByManifestID(ctx, "urn:c2pa:insert")
	require.NoError(t, err)
	assert.Equal(t, "tx-insert", byID.ManifestTxID)

	bs, err := db.ListBindings(ctx, "urn:c2pa:insert")
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, model.AlgPHash, bs[0].Alg)
	require.NotNil(t, bs[0].ScopeJSON)
	assert.JSONEq(t, scope, *bs[0].ScopeJSON)
}

func TestGetManifestNotFound(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	_, err := db.GetByTxID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = db.GetByManifestID(ctx, "urn:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = db.SearchByTxID(ctx, "missing", storage.DefaultThreshold, storage.DefaultLimit)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertManifestConflict(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	testutil.SeedManifest(t, db, "tx-dup", "urn:c2pa:dup", baseFP)

	_, err := db.InsertManifest(ctx, testutil.Manifest("tx-dup", "urn:c2pa:other", baseFP), nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = db.InsertManifest(ctx, testutil.Manifest("tx-other", "urn:c2pa:dup", baseFP), nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	n, err := db.CountManifests(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsertManifestRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	short := testutil.Manifest("tx-short", "urn:c2pa:short", baseFP)
	short.PHash = short.PHash[:63]
	_, err := db.InsertManifest(ctx, short, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	fractional := testutil.Manifest("tx-frac", "urn:c2pa:frac", baseFP)
	fractional.PHash[3] = 0.5
	_, err = db.InsertManifest(ctx, fractional, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	anonymous := testutil.Manifest("tx-anon", "", baseFP)
	_, err = db.InsertManifest(ctx, anonymous, []model.SoftBinding{testutil.PHashBinding("urn:x", baseFP)})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	n, err := db.CountManifests(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBindingsKeyedByManifestID(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	_, err := db.InsertManifest(ctx,
		testutil.Manifest("tx-fk", "urn:c2pa:fk", baseFP),
		[]model.SoftBinding{{ManifestID: "ignored", Alg: model.AlgPHash, ValueB64: baseFP.Base64()}},
	)
	require.NoError(t, err, "bindings are keyed by the manifest's own id")

	bs, err := db.ListBindings(ctx, "urn:c2pa:fk")
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, "urn:c2pa:fk", bs[0].ManifestID)
}

func TestSearchExactMatchAtThresholdZero(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	testutil.SeedManifest(t, db, "tx-exact", "urn:c2pa:exact", baseFP)
	testutil.SeedManifest(t, db, "tx-near", "urn:c2pa:near", testutil.FlipBits(baseFP, 1))

	got, err := db.SearchByVector(ctx, baseFP.Floats(), 0, storage.DefaultLimit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx-exact", got[0].ManifestTxID)
	assert.Equal(t, 0, got[0].Distance)
}

func TestSearchThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	testutil.SeedManifest(t, db, "tx-ten", "urn:c2pa:ten", testutil.FlipBits(baseFP, 10))

	got, err := db.SearchByVector(ctx, baseFP.Floats(), 9, storage.DefaultLimit)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = db.SearchByVector(ctx, baseFP.Floats(), 10, storage.DefaultLimit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10, got[0].Distance)
}

func TestSearchOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	testutil.SeedManifest(t, db, "tx-c", "urn:c2pa:c", testutil.FlipBits(baseFP, 2))
	testutil.SeedManifest(t, db, "tx-b", "urn:c2pa:b", testutil.FlipBits(baseFP, 2))
	testutil.SeedManifest(t, db, "tx-a", "urn:c2pa:a", testutil.FlipBits(baseFP, 5))
	testutil.SeedManifest(t, db, "tx-z", "urn:c2pa:z", baseFP)
	testutil.SeedManifest(t, db, "tx-anon", "", baseFP)

	got, err := db.SearchByVector(ctx, baseFP.Floats(), storage.DefaultThreshold, storage.DefaultLimit)
	require.NoError(t, err)

	var order []string
	for _, r := range got {
		order = append(order, r.ManifestTxID)
	}
	assert.Equal(t, []string{"tx-z", "tx-b", "tx-c", "tx-a"}, order, "manifests without an id are excluded; ties break on tx id")

	got, err = db.SearchByVector(ctx, baseFP.Floats(), storage.DefaultThreshold, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSearchByTxIDIncludesSource(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	testutil.SeedManifest(t, db, "tx-src", "urn:c2pa:src", baseFP)
	testutil.SeedManifest(t, db, "tx-sib", "urn:c2pa:sib", testutil.FlipBits(baseFP, 3))

	got, err := db.SearchByTxID(ctx, "tx-src", storage.DefaultThreshold, storage.DefaultLimit)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tx-src", got[0].ManifestTxID)
	assert.Equal(t, 0, got[0].Distance)
	assert.Equal(t, 3, got[1].Distance)
}

func TestSearchRejectsOutOfRangeArguments(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	q := baseFP.Floats()

	for _, tc := range []struct {
		name             string
		threshold, limit int
	}{
		{"negative threshold", -1, 10},
		{"threshold above 64", 65, 10},
		{"zero limit", 10, 0},
		{"limit above 100", 10, 101},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.SearchByVector(ctx, q, tc.threshold, tc.limit)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		})
	}
}

func TestSearchDistanceMatchesCodec(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	other := phash.Fingerprint(0x0123_4567_89AB_CDEF)
	testutil.SeedManifest(t, db, "tx-other", "urn:c2pa:other", other)

	want, err := phash.HammingDistance(baseFP.Binary(), other.Binary())
	require.NoError(t, err)

	got, err := db.SearchByVector(ctx, baseFP.Floats(), storage.MaxThreshold, storage.DefaultLimit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0].Distance)
	assert.Equal(t, want, phash.VectorDistance(baseFP.Floats(), other.Floats()))
}

func TestRunMigrationsTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)

	before, err := db.MigrationStatus(ctx)
	require.NoError(t, err)
	for _, st := range before {
		assert.True(t, st.Applied, "migration %d should be applied", st.Version)
	}

	testutil.SeedManifest(t, db, "tx-keep", "urn:c2pa:keep", baseFP)
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))

	after, err := db.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = db.GetByTxID(ctx, "tx-keep")
	assert.NoError(t, err)
}
