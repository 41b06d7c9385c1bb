// Package contenthash implements the Dropbox content hash.
//
// The input is split into 4 MiB blocks, each block is hashed with SHA-256,
// and the digest is the SHA-256 of the concatenated block hashes. The last
// block may be shorter. An empty input hashes no blocks, giving the SHA-256
// of the empty string.
//
// Reference: https://www.dropbox.com/developers/reference/content-hash
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

const (
	// Size is the length, in bytes, of a content hash digest.
	Size = sha256.Size

	// BlockSize is the size of the blocks hashed individually.
	BlockSize = 4 * 1024 * 1024
)

// digest is the running state: the concatenated hashes of completed blocks
// and the inner hash of the block being filled.
type digest struct {
	blockSums []byte
	block     hash.Hash
	blockFill int
}

// New returns a new hash.Hash computing the Dropbox content hash.
func New() hash.Hash {
	return &digest{block: sha256.New()}
}

// Write absorbs more data into the running hash.
// It always returns len(p), nil.
func (d *digest) Write(p []byte) (int, error) {
	n := len(p)

	for len(p) > 0 {
		take := min(len(p), BlockSize-d.blockFill)
		d.block.Write(p[:take])
		d.blockFill += take
		p = p[take:]

		if d.blockFill == BlockSize {
			d.blockSums = d.block.Sum(d.blockSums)
			d.block.Reset()
			d.blockFill = 0
		}
	}

	return n, nil
}

// Sum appends the current hash to b and returns the resulting slice.
// It does not change the underlying hash state.
func (d *digest) Sum(b []byte) []byte {
	sums := d.blockSums
	if d.blockFill > 0 {
		sums = d.block.Sum(sums[:len(sums):len(sums)])
	}

	out := sha256.Sum256(sums)

	return append(b, out[:]...)
}

// Reset resets the hash to its initial state.
func (d *digest) Reset() {
	d.blockSums = d.blockSums[:0]
	d.block.Reset()
	d.blockFill = 0
}

// Size returns the number of bytes Sum will return.
func (d *digest) Size() int {
	return Size
}

// BlockSize returns the hash's underlying block size.
func (d *digest) BlockSize() int {
	return BlockSize
}

// Hex returns the lowercase hex encoding of h's current sum, the form the
// API reports in content_hash.
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
