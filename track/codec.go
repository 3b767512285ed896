package track

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

const (
	// SegmentSize is the size of the encrypted head of each group.
	SegmentSize = 2048
	// GroupSize is the read unit: one encrypted segment followed by two plain ones.
	GroupSize = 3 * SegmentSize
)

// streamIV is the fixed CBC initialisation vector of the stream cipher.
var streamIV = []byte{0, 1, 2, 3, 4, 5, 6, 7}

// Codec removes (or applies) the partial Blowfish-CBC stripe of a stream.
//
// Only the first SegmentSize bytes of a chunk longer than SegmentSize are
// ciphertext. CBC chaining restarts from the fixed IV on every chunk.
type Codec struct {
	block cipher.Block
}

// NewCodec creates a codec for the given key.
func NewCodec(key []byte) (*Codec, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid stream key (%d bytes): %w", len(key), err)
	}
	return &Codec{block: block}, nil
}

// Decode returns the plaintext of one read group, leaving chunk untouched.
func (c *Codec) Decode(chunk []byte) []byte {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	c.DecodeInPlace(out)
	return out
}

// DecodeInPlace decrypts the head of chunk in place. Chunks of at most
// SegmentSize bytes are left as they are.
func (c *Codec) DecodeInPlace(chunk []byte) {
	if len(chunk) <= SegmentSize {
		return
	}
	head := chunk[:SegmentSize]
	cipher.NewCBCDecrypter(c.block, streamIV).CryptBlocks(head, head)
}

// Encode is the inverse of Decode. It is what the upstream applies and is used
// to build fixtures.
func (c *Codec) Encode(chunk []byte) []byte {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	if len(out) > SegmentSize {
		head := out[:SegmentSize]
		cipher.NewCBCEncrypter(c.block, streamIV).CryptBlocks(head, head)
	}
	return out
}

// EncodeStream encodes a whole plaintext stream group by group.
func (c *Codec) EncodeStream(plain []byte) []byte {
	out := make([]byte, 0, len(plain))
	for off := 0; off < len(plain); off += GroupSize {
		end := min(off+GroupSize, len(plain))
		out = append(out, c.Encode(plain[off:end])...)
	}
	return out
}
