package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// keyLength is the number of hex characters kept from the digest. 64 bits of
// digest is collision-resistant at any plausible cache size while keeping
// file names short.
const keyLength = 16

// Key derives a deterministic cache key from arbitrary inputs: the parts are
// canonically JSON-serialized (encoding/json sorts map keys), concatenated,
// and hashed with SHA-256. The same inputs always produce the same key.
func Key(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		data, err := json.Marshal(p)
		if err != nil {
			// Non-serializable inputs fall back to their Go representation.
			data = []byte(fmt.Sprintf("%#v", p))
		}
		h.Write(data)
		h.Write([]byte{0}) // separator so ("ab","c") != ("a","bc")
	}
	return hex.EncodeToString(h.Sum(nil))[:keyLength]
}
