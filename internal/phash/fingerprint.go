package phash

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hupe1980/vecgo/distance"
	"github.com/hupe1980/vecgo/quantization"
)

// quantizer packs 0/1 float vectors into a single 64-bit word.
var quantizer = quantization.NewBinaryQuantizer(Bits).WithThreshold(threshold)

// Fingerprint is a 64-bit perceptual hash. The most significant bit is the
// first character of the binary form.
type Fingerprint uint64

// FromBinary parses a 64-character binary string.
func FromBinary(bin string) (Fingerprint, error) {
	if err := validateBinary(bin); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(bin, 2, 64)
	if err != nil {
		return 0, &FormatError{Input: bin, Reason: err.Error()}
	}
	return Fingerprint(n), nil
}

// FromFloats thresholds a 64-component vector into a fingerprint.
func FromFloats(v []float32) (Fingerprint, error) {
	bin, err := FloatArrayToBinary(v)
	if err != nil {
		return 0, err
	}
	return FromBinary(bin)
}

// Parse accepts any encoding ParseFingerprint accepts.
func Parse(value string) (Fingerprint, error) {
	bin, err := ParseFingerprint(value)
	if err != nil {
		return 0, err
	}
	return FromBinary(bin)
}

// ParseBindingValue decodes a soft-binding value. Binary and hex forms are
// tried first, then standard or URL-safe base64 of exactly 8 bytes.
func ParseBindingValue(value string) (Fingerprint, error) {
	if fp, err := Parse(value); err == nil {
		return fp, nil
	}
	v := strings.TrimSpace(value)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		raw, err := enc.DecodeString(v)
		if err != nil {
			continue
		}
		if len(raw) != Bits/8 {
			return 0, &FormatError{Input: value, Reason: fmt.Sprintf("decoded binding value must be %d bytes, got %d", Bits/8, len(raw))}
		}
		return Fingerprint(binary.BigEndian.Uint64(raw)), nil
	}
	return 0, &FormatError{Input: value, Reason: "expected binary, hex or base64 fingerprint"}
}

// Binary returns the 64-character binary form.
func (f Fingerprint) Binary() string {
	return fmt.Sprintf("%064b", uint64(f))
}

// Hex returns the 16-character lowercase hex form.
func (f Fingerprint) Hex() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Floats returns the 0/1 vector form.
func (f Fingerprint) Floats() []float32 {
	v := make([]float32, Bits)
	for i := 0; i < Bits; i++ {
		if f&(1<<(Bits-1-i)) != 0 {
			v[i] = 1
		}
	}
	return v
}

// Base64 returns the standard base64 encoding of the 8 big-endian bytes,
// which is the form published as a soft-binding value.
func (f Fingerprint) Base64() string {
	var raw [Bits / 8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(f))
	return base64.StdEncoding.EncodeToString(raw[:])
}

// Packed returns the vector form packed into a signed 64-bit word suitable
// for an INTEGER column. The bit order differs from Fingerprint itself, but
// Hamming distances between packed values are preserved.
func (f Fingerprint) Packed() int64 {
	return int64(quantizer.EncodeUint64(f.Floats())[0]) //nolint:gosec // bit pattern, not a magnitude
}

// Pack packs a 64-component 0/1 vector. See Fingerprint.Packed.
func Pack(v []float32) (int64, error) {
	if len(v) != Bits {
		return 0, &FormatError{Input: fmt.Sprintf("%d components", len(v)), Reason: fmt.Sprintf("vector must have %d components", Bits)}
	}
	return int64(quantizer.EncodeUint64(v)[0]), nil //nolint:gosec // bit pattern, not a magnitude
}

// PackedDistance is the Hamming distance between two packed words.
func PackedDistance(a, b int64) int {
	return quantization.HammingDistance([]uint64{uint64(a)}, []uint64{uint64(b)}) //nolint:gosec // bit pattern
}

// VectorDistance is the squared Euclidean distance between two vectors,
// rounded to the nearest integer. On 0/1 vectors it equals Hamming distance.
func VectorDistance(a, b []float32) int {
	return int(math.Round(float64(distance.SquaredL2(a, b))))
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b Fingerprint) int {
	return PackedDistance(int64(a), int64(b)) //nolint:gosec // bit pattern
}
