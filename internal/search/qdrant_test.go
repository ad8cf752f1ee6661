package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirushi/internal/phash"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 → gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "no scheme no host",
			rawURL:  "not-a-url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestPointPayload(t *testing.T) {
	height := int64(1200)
	fp := phash.Fingerprint(0xF0F0_0F0F_AAAA_5555)
	payload := pointPayload(Point{
		ManifestTxID: "tx-1",
		ManifestID:   "urn:m1",
		BlockHeight:  &height,
		PHash:        fp.Floats(),
	})
	assert.Equal(t, "tx-1", payload["manifest_tx_id"])
	assert.Equal(t, "urn:m1", payload["manifest_id"])
	assert.Equal(t, height, payload["block_height"])
	assert.Equal(t, "f0f00f0faaaa5555", payload["phash"])
	assert.NotContains(t, payload, "owner_address")

	payload = pointPayload(Point{ManifestTxID: "tx-2", PHash: []float32{1, 0}})
	assert.NotContains(t, payload, "phash", "malformed vectors carry no fingerprint")
}

func TestHitDistance(t *testing.T) {
	a := phash.Fingerprint(0b1011)
	b := phash.Fingerprint(0b0110)
	assert.Equal(t, 3, hitDistance(a.Floats(), b.Floats(), 0), "stored vector wins over the score")
	assert.Equal(t, 4, hitDistance(a.Floats(), nil, 2), "score is used when no vector came back")
}
