package phash

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp" // register decoder
)

// ErrUndecodable is returned when the input is not a decodable image.
var ErrUndecodable = errors.New("phash: undecodable image")

// Hasher computes a perceptual fingerprint from image bytes.
// Implementations must be safe for concurrent use.
type Hasher interface {
	Hash(ctx context.Context, r io.Reader) (Fingerprint, error)
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(ctx context.Context, r io.Reader) (Fingerprint, error)

// Hash calls f.
func (f HasherFunc) Hash(ctx context.Context, r io.Reader) (Fingerprint, error) {
	return f(ctx, r)
}

// ImageHasher computes a DCT perceptual hash of JPEG, PNG, GIF or WebP input.
type ImageHasher struct{}

// NewImageHasher returns the default Hasher.
func NewImageHasher() ImageHasher {
	return ImageHasher{}
}

// Hash decodes r and returns its perceptual hash.
func (ImageHasher) Hash(ctx context.Context, r io.Reader) (Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	img, _, err := image.Decode(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, fmt.Errorf("phash: perception hash: %w", err)
	}
	return Fingerprint(h.GetHash()), nil
}
