// Package imagehash computes perceptual difference hashes (dHash) for
// duplicate detection. Visually similar images, including re-encodings of the
// same photo at different JPEG qualities, produce fingerprints within a small
// Hamming distance of each other.
package imagehash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math/bits"
	"strconv"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

const (
	// The hash compares adjacent pixels on a 9x8 grayscale grid, one bit per
	// comparison, giving a 64-bit fingerprint rendered as 16 hex characters.
	gridWidth  = 9
	gridHeight = 8

	// FingerprintLen is the length of a rendered fingerprint in hex characters.
	FingerprintLen = 16

	// BucketLen is the number of leading hex characters used as the shard key
	// for duplicate-candidate lookup.
	BucketLen = 4
)

// DecodeError indicates the input bytes could not be decoded as an image.
// Intake must reject the upload before a report is created.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("image decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Hash computes the 64-bit dHash of raw image bytes (JPEG, PNG or WebP) and
// renders it as 16 lowercase hex characters. The computation is deterministic.
func Hash(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &DecodeError{Err: err}
	}

	// Downsample to a (gridWidth x gridHeight) grayscale grid. Bilinear
	// interpolation keeps the hash stable across recompression artifacts.
	gray := image.NewGray(image.Rect(0, 0, gridWidth, gridHeight))
	draw.BiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var h uint64
	for y := 0; y < gridHeight; y++ {
		for x := 0; x < gridWidth-1; x++ {
			h <<= 1
			if gray.GrayAt(x, y).Y > gray.GrayAt(x+1, y).Y {
				h |= 1
			}
		}
	}

	return fmt.Sprintf("%016x", h), nil
}

// Distance returns the Hamming distance between two fingerprints of equal
// length. It is symmetric, and zero iff the fingerprints are equal.
func Distance(a, b string) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("fingerprint length mismatch: %d vs %d", len(a), len(b))
	}

	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", a, err)
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fingerprint %q: %w", b, err)
	}

	return bits.OnesCount64(x ^ y), nil
}

// Bucket returns the shard key for a fingerprint: its first BucketLen hex
// characters. Bucketing trades recall for O(bucket size) candidate lookups;
// near-duplicates whose leading bits differ are an accepted false negative.
func Bucket(fingerprint string) string {
	if len(fingerprint) < BucketLen {
		return fingerprint
	}
	return fingerprint[:BucketLen]
}
