package challenge

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

// verifierPattern is the RFC 7636 code_verifier grammar: 43–128 characters
// from the unreserved set.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidVerifier reports whether v satisfies the code_verifier grammar.
func ValidVerifier(v string) bool {
	return verifierPattern.MatchString(v)
}

// VerifyPKCE verifies that SHA256(verifier) matches the challenge
// (base64url-encoded) using a constant-time comparison. Only the S256
// method is supported.
func VerifyPKCE(verifier, codeChallenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}

// GenerateCodeChallenge generates a S256 code challenge from a verifier.
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
