// Package dpop validates DPoP proof JWTs (RFC 9449) and produces the key
// thumbprints that sender-constrain access tokens.
package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/storage"
)

const proofType = "dpop+jwt"

var proofAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

var (
	// ErrMalformed covers proofs that fail structural validation: bad JWS,
	// wrong typ, missing or non-public embedded key, bad signature.
	ErrMalformed = errors.New("dpop: malformed proof")
	// ErrMethodMismatch means htm does not match the HTTP method.
	ErrMethodMismatch = errors.New("dpop: htm mismatch")
	// ErrURIMismatch means htu does not match the request URI.
	ErrURIMismatch = errors.New("dpop: htu mismatch")
	// ErrStale means iat is outside the accepted skew window.
	ErrStale = errors.New("dpop: proof outside iat window")
	// ErrReplayed means the jti was already accepted for this client.
	ErrReplayed = errors.New("dpop: proof replayed")
	// ErrAccessTokenHash means ath does not match the presented access token.
	ErrAccessTokenHash = errors.New("dpop: ath mismatch")
)

type proofClaims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath,omitempty"`
}

// Validator checks DPoP proofs against a per-client jti replay window.
// The replay store is consulted fail-closed: if it cannot answer, the
// proof is rejected.
type Validator struct {
	store        storage.KeyValue
	proofWindow  time.Duration
	replayWindow time.Duration
	log          *common.Logger
}

// NewValidator wires a proof validator. proofWindow bounds iat skew in both
// directions; replayWindow is how long an accepted jti stays burned and
// must be at least the proof window.
func NewValidator(store storage.KeyValue, proofWindow, replayWindow time.Duration, log *common.Logger) *Validator {
	if proofWindow <= 0 {
		proofWindow = 5 * time.Minute
	}
	if replayWindow < proofWindow {
		replayWindow = 2 * proofWindow
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Validator{store: store, proofWindow: proofWindow, replayWindow: replayWindow, log: log}
}

// Validate checks proof against the request coordinates and returns the
// RFC 7638 thumbprint of the proof key. accessToken is empty on token
// issuance and set on resource-style calls that bind ath.
func (v *Validator) Validate(ctx context.Context, proof, method, uri, accessToken, clientID string) (string, error) {
	parsed, err := jose.ParseSigned(proof, proofAlgorithms)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parsed.Signatures) != 1 {
		return "", fmt.Errorf("%w: expected one signature", ErrMalformed)
	}
	header := parsed.Signatures[0].Header

	typ, _ := header.ExtraHeaders[jose.HeaderType].(string)
	if !strings.EqualFold(typ, proofType) {
		return "", fmt.Errorf("%w: typ %q", ErrMalformed, typ)
	}

	jwk := header.JSONWebKey
	if jwk == nil {
		return "", fmt.Errorf("%w: no embedded jwk", ErrMalformed)
	}
	if !jwk.Valid() || !jwk.IsPublic() {
		return "", fmt.Errorf("%w: embedded jwk must be a valid public key", ErrMalformed)
	}

	payload, err := parsed.Verify(jwk)
	if err != nil {
		return "", fmt.Errorf("%w: signature verification failed", ErrMalformed)
	}
	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !strings.EqualFold(claims.HTM, method) {
		return "", fmt.Errorf("%w: proof for %s, request is %s", ErrMethodMismatch, claims.HTM, method)
	}

	wantHTU, err := normalizeHTU(uri)
	if err != nil {
		return "", fmt.Errorf("%w: request uri: %v", ErrURIMismatch, err)
	}
	gotHTU, err := normalizeHTU(claims.HTU)
	if err != nil {
		return "", fmt.Errorf("%w: htu: %v", ErrURIMismatch, err)
	}
	if gotHTU != wantHTU {
		return "", fmt.Errorf("%w: proof for %s, request is %s", ErrURIMismatch, gotHTU, wantHTU)
	}

	issued := time.Unix(claims.IAT, 0)
	if drift := time.Since(issued); drift > v.proofWindow || drift < -v.proofWindow {
		return "", fmt.Errorf("%w: iat %d", ErrStale, claims.IAT)
	}

	if claims.JTI == "" || len(claims.JTI) > 512 {
		return "", fmt.Errorf("%w: bad jti", ErrMalformed)
	}
	fresh, err := v.store.SetNX(ctx, replayKey(clientID, claims.JTI), "1", v.replayWindow)
	if err != nil {
		// Fail closed: an unanswerable replay check rejects the proof.
		v.log.Warn().Err(err).Str("client_id", clientID).Msg("DPoP replay store unavailable")
		return "", fmt.Errorf("%w: replay check unavailable", ErrReplayed)
	}
	if !fresh {
		return "", ErrReplayed
	}

	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(want), []byte(claims.ATH)) != 1 {
			return "", ErrAccessTokenHash
		}
	}

	return Thumbprint(jwk)
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of key.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func replayKey(clientID, jti string) string {
	return "dpop:jti:" + clientID + ":" + jti
}

// normalizeHTU canonicalizes a request URI for htu comparison: scheme and
// host fold to lower case, default ports drop, query and fragment strip.
func normalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("uri %q is not absolute", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}
