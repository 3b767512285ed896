package track

import (
	"crypto/md5" //nolint:gosec // the stream scheme is keyed off an MD5 digest
	"encoding/hex"
)

const keySize = 16

// DeriveKey derives the per-track Blowfish key from the track identifier and
// the shared secret.
//
// Byte i is digest[i] ^ digest[i+16] ^ secret[i] over the 32 hex characters of
// MD5(id). Iteration stops at the shortest input, so a secret shorter than 16
// bytes yields an equally short key. Streams are encrypted upstream with keys
// built exactly this way.
func DeriveKey(id string, secret []byte) []byte {
	sum := md5.Sum([]byte(id)) //nolint:gosec
	digest := hex.EncodeToString(sum[:])

	n := min(keySize, len(secret))
	key := make([]byte, n)
	for i := 0; i < n; i++ {
		key[i] = digest[i] ^ digest[i+keySize] ^ secret[i]
	}
	return key
}
