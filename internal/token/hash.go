// Package token mints and verifies the signed JWTs Authrim issues: access,
// ID, refresh, and logout tokens, plus the JWE wrapping applied to ID tokens
// for clients that register an encryption algorithm.
package token

import (
	"crypto/sha256"
	"encoding/base64"
)

// LeftHalfHash returns the OIDC half-hash of input: base64url of the left
// 128 bits of its SHA-256. This is the construction behind at_hash, c_hash
// and ds_hash.
func LeftHalfHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(sum[:sha256.Size/2])
}
