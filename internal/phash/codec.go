// Package phash converts 64-bit perceptual-hash fingerprints between their
// hex, binary-string and float-vector encodings, and computes distances
// between them.
//
// The float form stores each bit as exactly 0.0 or 1.0 so that squared
// Euclidean distance between two vectors equals their Hamming distance.
package phash

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/shirushi/internal/model"
)

// Bits is the fingerprint width.
const Bits = 64

// HexLen is the number of hex characters in an encoded fingerprint.
const HexLen = Bits / 4

// threshold splits float components into 0 and 1 bits.
const threshold = 0.5

// FormatError reports a malformed fingerprint encoding.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) ErrorKind() model.Kind { return model.KindFormat }

func (e *FormatError) Error() string {
	in := e.Input
	if len(in) > 80 {
		in = in[:80] + "..."
	}
	return fmt.Sprintf("phash: invalid fingerprint %q: %s", in, e.Reason)
}

// HexToBinary expands a 16-character hex fingerprint into 64 binary characters.
func HexToBinary(hex string) (string, error) {
	if len(hex) != HexLen {
		return "", &FormatError{Input: hex, Reason: fmt.Sprintf("hex form must be %d characters, got %d", HexLen, len(hex))}
	}
	var b strings.Builder
	b.Grow(Bits)
	for i := 0; i < len(hex); i++ {
		n, ok := hexNibble(hex[i])
		if !ok {
			return "", &FormatError{Input: hex, Reason: fmt.Sprintf("invalid hex character %q", hex[i])}
		}
		fmt.Fprintf(&b, "%04b", n)
	}
	return b.String(), nil
}

// BinaryToHex packs 64 binary characters into a lowercase 16-character hex string.
func BinaryToHex(bin string) (string, error) {
	if err := validateBinary(bin); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(HexLen)
	for i := 0; i < Bits; i += 4 {
		var n byte
		for j := 0; j < 4; j++ {
			n = n<<1 | (bin[i+j] - '0')
		}
		b.WriteByte("0123456789abcdef"[n])
	}
	return b.String(), nil
}

// BinaryToFloatArray converts 64 binary characters into the 0/1 float form.
func BinaryToFloatArray(bin string) ([]float32, error) {
	if err := validateBinary(bin); err != nil {
		return nil, err
	}
	v := make([]float32, Bits)
	for i := 0; i < Bits; i++ {
		if bin[i] == '1' {
			v[i] = 1
		}
	}
	return v, nil
}

// FloatArrayToBinary converts a 64-component vector to binary characters.
// Components at or above 0.5 become '1'.
func FloatArrayToBinary(v []float32) (string, error) {
	if len(v) != Bits {
		return "", &FormatError{Input: fmt.Sprintf("%d components", len(v)), Reason: fmt.Sprintf("vector must have %d components", Bits)}
	}
	buf := make([]byte, Bits)
	for i, f := range v {
		if f >= threshold {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf), nil
}

// HammingDistance counts the positions at which a and b differ.
func HammingDistance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, &FormatError{Input: a, Reason: fmt.Sprintf("length %d does not match %d", len(a), len(b))}
	}
	d := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d, nil
}

// ParseFingerprint normalizes a 64-character binary string or a 16-character
// hex string (with or without a 0x prefix) to the binary form.
func ParseFingerprint(value string) (string, error) {
	v := strings.TrimSpace(value)
	if len(v) == Bits && validateBinary(v) == nil {
		return v, nil
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		v = v[2:]
	}
	if len(v) == HexLen {
		return HexToBinary(v)
	}
	return "", &FormatError{Input: value, Reason: "expected 64 binary or 16 hex characters"}
}

func validateBinary(bin string) error {
	if len(bin) != Bits {
		return &FormatError{Input: bin, Reason: fmt.Sprintf("binary form must be %d characters, got %d", Bits, len(bin))}
	}
	for i := 0; i < len(bin); i++ {
		if bin[i] != '0' && bin[i] != '1' {
			return &FormatError{Input: bin, Reason: fmt.Sprintf("invalid binary character %q", bin[i])}
		}
	}
	return nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
