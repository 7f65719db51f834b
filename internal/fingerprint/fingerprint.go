// Package fingerprint turns a rendered page into a 64-bit perceptual hash and
// compares hashes by Hamming distance.
package fingerprint

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"

	"github.com/eargollo/lookalike/internal/errs"
)

// Bits is the length of a Hash in bits and the upper bound of Distance.
const Bits = 64

// Hash is a DCT perceptual hash of a page image.
type Hash uint64

// Fingerprint computes the perceptual hash of img. The result depends only on
// the pixels of img.
func Fingerprint(img image.Image) (Hash, error) {
	if img == nil {
		return 0, errs.New("fingerprint", "", errs.ErrRender)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return 0, errs.Wrap("fingerprint", "", errs.ErrRender, fmt.Errorf("empty image %v", b))
	}
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, errs.Wrap("fingerprint", "", errs.ErrRender, err)
	}
	return Hash(h.GetHash()), nil
}

// Distance is the number of differing bits between a and b.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// String renders the hash as 16 lowercase hex digits.
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// ParseHash is the inverse of Hash.String.
func ParseHash(s string) (Hash, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", s, err)
	}
	return Hash(v), nil
}

// MarshalText encodes the hash as its hex string, so JSON carries it intact.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText accepts the output of MarshalText.
func (h *Hash) UnmarshalText(b []byte) error {
	v, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
