package common

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"io"
	"math/big"
	"strings"
)

var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// User codes avoid vowels so random draws cannot spell words.
const userCodeCharacters = "BCDFGHJKLMNPQRSTVWXZ"

// NewID returns a random string usable as an object identifier.
func NewID() string {
	return newSecureID(16)
}

// NewDeviceCode returns a 32 char alphanumeric cryptographically secure string.
func NewDeviceCode() string {
	return newSecureID(32)
}

func newSecureID(n int) string {
	buff := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buff); err != nil {
		panic(err)
	}
	// Avoid the identifier beginning with a number and trim padding
	return string(buff[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buff[1:]), "=")
}

// NewUserCode returns a device-flow user code in XXXX-XXXX form.
func NewUserCode() string {
	code := randomUserString(8)
	return code[:4] + "-" + code[4:]
}

func randomUserString(n int) string {
	v := big.NewInt(int64(len(userCodeCharacters)))
	bytes := make([]byte, n)
	for i := 0; i < n; i++ {
		number, err := rand.Int(rand.Reader, v)
		if err != nil {
			panic(err)
		}
		bytes[i] = userCodeCharacters[number.Int64()]
	}
	return string(bytes)
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// RandomURLSafe returns n random bytes as unpadded base64url text.
// Used for token identifiers and secrets that travel inside JWT claims.
func RandomURLSafe(n int) string {
	bytes := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
