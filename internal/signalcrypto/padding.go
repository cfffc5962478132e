package signalcrypto

import (
	"io"
	"math"
)

const minPaddedSize = 541

// PaddedSize returns the bucketed size an attachment of n bytes is padded
// to before encryption, so that ciphertext lengths reveal only a coarse size.
func PaddedSize(n int64) int64 {
	if n <= 0 {
		return minPaddedSize
	}
	bucket := int64(math.Floor(math.Pow(1.05, math.Ceil(math.Log(float64(n))/math.Log(1.05)))))
	return max(minPaddedSize, bucket)
}

// NewPaddingReader returns r followed by zero bytes up to PaddedSize(n),
// where n is the number of bytes r yields.
func NewPaddingReader(r io.Reader, n int64) io.Reader {
	return io.MultiReader(io.LimitReader(r, n), io.LimitReader(zeroReader{}, PaddedSize(n)-n))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
