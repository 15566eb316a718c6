// Package dedupe computes the content-addressed fingerprint that drives
// duplicate suppression. Everything downstream keys on this value, so it
// must be deterministic and must never include receipt time.
package dedupe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// KeyLen is the fixed hex length of a dedup key
const KeyLen = sha256.Size * 2

// Key fingerprints a violation by its identity fields.
// Fields are length-prefixed before hashing so adjacent values cannot
// smear into each other ("ab"+"c" vs "a"+"bc").
func Key(documentURI, violatedDirective, blockedURI, userAgent string) string {
	h := sha256.New()
	for _, field := range [...]string{documentURI, violatedDirective, blockedURI, userAgent} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
