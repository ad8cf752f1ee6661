package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirushi/internal/ingest"
	"github.com/ashita-ai/shirushi/internal/model"
	"github.com/ashita-ai/shirushi/internal/phash"
	"github.com/ashita-ai/shirushi/internal/search"
	"github.com/ashita-ai/shirushi/internal/testutil"
)

const fpHex = "f0e1d2c3b4a59687"

type recordingIndexer struct {
	mu     sync.Mutex
	points []search.Point
	err    error
}

func (r *recordingIndexer) Upsert(_ context.Context, points []search.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, points...)
	return r.err
}

func sidecarTags(manifestID string) []model.Tag {
	return []model.Tag{
		{Name: "Content-Type", Value: "application/c2pa"},
		{Name: "Manifest-Type", Value: "sidecar"},
		{Name: "C2PA-Manifest-Id", Value: manifestID},
		{Name: "pHash", Value: fpHex},
		{Name: "C2PA-SoftBinding-Alg", Value: model.AlgPHash},
		{Name: "C2PA-SoftBinding-Value", Value: "8OHSw7Slloc="},
		{Name: "C2PA-Claim-Generator", Value: "cam/2.1"},
		{Name: "C2PA-Has-Prior-Manifest", Value: "true"},
	}
}

func withTags(tags []model.Tag, drop string, extra ...model.Tag) []model.Tag {
	var out []model.Tag
	for _, t := range tags {
		if t.Name != drop {
			out = append(out, t)
		}
	}
	return append(out, extra...)
}

func TestDecodePayloadShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"single object", `{"txId":"tx-1"}`, []string{"tx-1"}},
		{"array", `[{"tx_id":"tx-1"},{"id":"tx-2"}]`, []string{"tx-1", "tx-2"}},
		{"wrapped object", `{"data":{"id":"tx-1"}}`, []string{"tx-1"}},
		{"wrapped array", `{"data":[{"txId":"tx-1"},{"txId":"tx-2"}]}`, []string{"tx-1", "tx-2"}},
		{"non-object element", `[{"txId":"tx-1"}, 42]`, []string{"tx-1", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := ingest.DecodePayload([]byte(tt.body))
			require.NoError(t, err)
			var got []string
			for _, r := range records {
				got = append(got, r.TxID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	for _, body := range []string{`{"txId": `, `42`, `"tx-1"`, `null`, `true`} {
		_, err := ingest.DecodePayload([]byte(body))
		assert.ErrorIs(t, err, ingest.ErrMalformedPayload, body)
	}
}

func TestDecodePayloadFieldAliases(t *testing.T) {
	records, err := ingest.DecodePayload([]byte(`[
		{"txId":"a","owner":{"address":"addr-a"},"height":"1200","timestamp":1700000000,
		 "tags":[{"name":"Content-Type","value":"application/c2pa"}]},
		{"tx_id":"b","owner_address":"addr-b","block_height":7,"block_timestamp":"1700000001"},
		{"id":"c","ownerAddress":"addr-c","blockHeight":9}
	]`))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "addr-a", records[0].Owner)
	require.NotNil(t, records[0].BlockHeight)
	assert.Equal(t, int64(1200), *records[0].BlockHeight)
	require.NotNil(t, records[0].BlockTimestamp)
	assert.Equal(t, int64(1700000000), *records[0].BlockTimestamp)
	assert.Equal(t, []model.Tag{{Name: "Content-Type", Value: "application/c2pa"}}, records[0].Tags)

	assert.Equal(t, "addr-b", records[1].Owner)
	assert.Equal(t, int64(7), *records[1].BlockHeight)
	assert.Equal(t, int64(1700000001), *records[1].BlockTimestamp)

	assert.Equal(t, "addr-c", records[2].Owner)
	assert.Equal(t, int64(9), *records[2].BlockHeight)
	assert.Nil(t, records[2].BlockTimestamp)
}

func TestIndexesValidSidecar(t *testing.T) {
	db := testutil.NewTestDB(t)
	mirror := &recordingIndexer{}
	p := ingest.New(db, mirror, testutil.TestLogger())
	ctx := context.Background()

	height := int64(1500)
	res := p.ProcessRecord(ctx, ingest.Record{TxID: "tx-1", Owner: "addr", BlockHeight: &height, Tags: sidecarTags("urn:m1")})
	assert.Equal(t, ingest.StatusIndexed, res.Status)
	assert.Equal(t, "urn:m1", res.ManifestID)

	m, err := db.GetByTxID(ctx, "tx-1")
	require.NoError(t, err)
	fp, err := phash.Parse(fpHex)
	require.NoError(t, err)
	assert.Equal(t, fp.Floats(), m.PHash)
	assert.Equal(t, "cam/2.1", m.ClaimGenerator)
	assert.True(t, m.HasPriorManifest)
	assert.Equal(t, "addr", m.OwnerAddress)
	assert.Equal(t, int64(1500), *m.BlockHeight)

	bindings, err := db.ListBindings(ctx, "urn:m1")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, model.AlgPHash, bindings[0].Alg)

	require.Len(t, mirror.points, 1)
	assert.Equal(t, "tx-1", mirror.points[0].ManifestTxID)
}

func TestReplayIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	p := ingest.New(db, nil, testutil.TestLogger())
	ctx := context.Background()
	rec := ingest.Record{TxID: "tx-1", Tags: sidecarTags("urn:m1")}

	first := p.Process(ctx, []ingest.Record{rec})
	second := p.Process(ctx, []ingest.Record{rec})

	assert.Equal(t, 1, first.Indexed)
	assert.Equal(t, 0, second.Indexed)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, ingest.ReasonAlreadyIndexed, second.Results[0].Reason)

	n, err := db.CountManifests(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSkipReasons(t *testing.T) {
	base := sidecarTags("urn:m1")
	tests := []struct {
		name   string
		tags   []model.Tag
		reason string
	}{
		{"missing pHash", withTags(base, "pHash"), ingest.ReasonMissingTags},
		{"missing manifest id", withTags(base, "C2PA-Manifest-Id"), ingest.ReasonMissingTags},
		{"missing content type", withTags(base, "Content-Type"), ingest.ReasonMissingTags},
		{"wrong content type",
			withTags(base, "Content-Type", model.Tag{Name: "Content-Type", Value: "image/png"}),
			ingest.ReasonNotSidecar},
		{"wrong manifest type",
			withTags(base, "Manifest-Type", model.Tag{Name: "Manifest-Type", Value: "embedded"}),
			ingest.ReasonNotSidecar},
		{"extra alg without value",
			withTags(base, "", model.Tag{Name: "C2PA-SoftBinding-Alg", Value: "com.example.wm"}),
			ingest.ReasonBindingMismatch},
		{"no binding at all",
			withTags(withTags(base, "C2PA-SoftBinding-Alg"), "C2PA-SoftBinding-Value"),
			ingest.ReasonNoSupportedBinding},
		{"only unknown algorithm",
			withTags(withTags(base, "C2PA-SoftBinding-Alg"), "",
				model.Tag{Name: "C2PA-SoftBinding-Alg", Value: "com.example.wm"}),
			ingest.ReasonNoSupportedBinding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.NewTestDB(t)
			p := ingest.New(db, nil, testutil.TestLogger())

			res := p.ProcessRecord(context.Background(), ingest.Record{TxID: "tx-1", Tags: tt.tags})
			assert.Equal(t, ingest.StatusSkipped, res.Status)
			assert.Equal(t, tt.reason, res.Reason)

			n, err := db.CountManifests(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMalformedPHashIsError(t *testing.T) {
	db := testutil.NewTestDB(t)
	p := ingest.New(db, nil, testutil.TestLogger())

	tags := withTags(sidecarTags("urn:m1"), "pHash", model.Tag{Name: "pHash", Value: "xyz"})
	res := p.ProcessRecord(context.Background(), ingest.Record{TxID: "tx-1", Tags: tags})
	assert.Equal(t, ingest.StatusError, res.Status)
	assert.Equal(t, ingest.ReasonInvalidPHash, res.Reason)
}

func TestMissingTxIDIsError(t *testing.T) {
	p := ingest.New(testutil.NewTestDB(t), nil, testutil.TestLogger())
	batch := p.Process(context.Background(), []ingest.Record{{Tags: sidecarTags("urn:m1")}})
	assert.Equal(t, 1, batch.Errors)
	assert.Equal(t, ingest.ReasonMissingTxID, batch.Results[0].Reason)
}

func TestAliasFamiliesAndScopes(t *testing.T) {
	db := testutil.NewTestDB(t)
	p := ingest.New(db, nil, testutil.TestLogger())
	ctx := context.Background()

	tags := withTags(sidecarTags("urn:m1"), "C2PA-Manifest-Id",
		model.Tag{Name: "C2PA-Manifest-ID", Value: "urn:m1"},
		model.Tag{Name: "C2PA-SoftBinding-Scope", Value: `{ "region" : [1, 2] }`},
		model.Tag{Name: "C2PA-Soft-Binding-Alg", Value: "com.example.wm"},
		model.Tag{Name: "C2PA-Soft-Binding-Value", Value: "d20="},
		model.Tag{Name: "C2PA-Soft-Binding-Scope", Value: "frame 12"},
	)
	res := p.ProcessRecord(ctx, ingest.Record{TxID: "tx-1", Tags: tags})
	require.Equal(t, ingest.StatusIndexed, res.Status, res.Reason)

	bindings, err := db.ListBindings(ctx, "urn:m1")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, model.AlgPHash, bindings[0].Alg)
	require.NotNil(t, bindings[0].ScopeJSON)
	assert.Equal(t, `{"region":[1,2]}`, *bindings[0].ScopeJSON)
	assert.Equal(t, "com.example.wm", bindings[1].Alg)
	require.NotNil(t, bindings[1].ScopeJSON)
	assert.Equal(t, `"frame 12"`, *bindings[1].ScopeJSON)
}

func TestMixedSpellingBindingsPairAcrossFamilies(t *testing.T) {
	db := testutil.NewTestDB(t)
	p := ingest.New(db, nil, testutil.TestLogger())
	ctx := context.Background()

	tags := withTags(sidecarTags("urn:m1"), "C2PA-SoftBinding-Value",
		model.Tag{Name: "C2PA-Soft-Binding-Value", Value: "8OHSw7Slloc="},
	)
	res := p.ProcessRecord(ctx, ingest.Record{TxID: "tx-1", Tags: tags})
	require.Equal(t, ingest.StatusIndexed, res.Status, res.Reason)

	bindings, err := db.ListBindings(ctx, "urn:m1")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, model.AlgPHash, bindings[0].Alg)
	assert.Equal(t, "8OHSw7Slloc=", bindings[0].ValueB64)
}

func TestManifestIDReusedByAnotherTxIsError(t *testing.T) {
	db := testutil.NewTestDB(t)
	p := ingest.New(db, nil, testutil.TestLogger())
	ctx := context.Background()

	require.Equal(t, ingest.StatusIndexed, p.ProcessRecord(ctx, ingest.Record{TxID: "tx-1", Tags: sidecarTags("urn:m1")}).Status)
	res := p.ProcessRecord(ctx, ingest.Record{TxID: "tx-2", Tags: sidecarTags("urn:m1")})
	assert.Equal(t, ingest.StatusError, res.Status)
	assert.Equal(t, ingest.ReasonManifestIDConflict, res.Reason)
}

func TestMirrorFailureDoesNotFailIngest(t *testing.T) {
	db := testutil.NewTestDB(t)
	mirror := &recordingIndexer{err: errors.New("qdrant unavailable")}
	p := ingest.New(db, mirror, testutil.TestLogger())

	res := p.ProcessRecord(context.Background(), ingest.Record{TxID: "tx-1", Tags: sidecarTags("urn:m1")})
	assert.Equal(t, ingest.StatusIndexed, res.Status)
	assert.Len(t, mirror.points, 1)
}

func TestBatchCountsMixedOutcomes(t *testing.T) {
	p := ingest.New(testutil.NewTestDB(t), nil, testutil.TestLogger())
	batch := p.Process(context.Background(), []ingest.Record{
		{TxID: "tx-1", Tags: sidecarTags("urn:m1")},
		{TxID: "tx-2", Tags: withTags(sidecarTags("urn:m2"), "pHash")},
		{TxID: "tx-3", Tags: withTags(sidecarTags("urn:m3"), "pHash", model.Tag{Name: "pHash", Value: "0x12"})},
	})
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 1, batch.Indexed)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, 1, batch.Errors)
	require.Len(t, batch.Results, 3)
	assert.Equal(t, "tx-2", batch.Results[1].TxID)
}
