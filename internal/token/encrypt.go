package token

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// EncryptIDToken wraps a signed ID token in a JWE for clients that register
// id_token_encrypted_response_alg/enc. The result is a nested JWT: the
// signed token is the JWE plaintext, cty advertises the nesting.
func EncryptIDToken(signed string, key *jose.JSONWebKey, alg, enc string) (string, error) {
	if key == nil {
		return "", fmt.Errorf("no encryption key for client")
	}
	encrypter, err := jose.NewEncrypter(
		jose.ContentEncryption(enc),
		jose.Recipient{Algorithm: jose.KeyAlgorithm(alg), Key: key},
		(&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("build encrypter (%s/%s): %w", alg, enc, err)
	}
	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("encrypt id token: %w", err)
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwe: %w", err)
	}
	return out, nil
}
