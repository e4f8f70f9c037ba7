package grant

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/authrim/authrim/internal/config"
)

var (
	// ErrUntrustedIssuer means the assertion's iss has no table entry.
	ErrUntrustedIssuer = errors.New("grant: issuer not trusted")
	// ErrBadAssertion covers signature, structure and claim failures on an
	// external assertion.
	ErrBadAssertion = errors.New("grant: invalid assertion")
)

// assertionAlgs are the signature algorithms accepted on external
// assertions. Symmetric algorithms are never accepted here.
var assertionAlgs = []string{"RS256", "ES256", "PS256"}

// TrustedIssuer is one external issuer whose signed assertions Authrim
// accepts, with the scope and audience box those assertions live in.
type TrustedIssuer struct {
	Issuer         string
	Keys           *jose.JSONWebKeySet
	AllowJWTBearer bool
	AllowIDJAG     bool
	AllowedScopes  []string
	Audience       string
}

// TrustRing indexes the trusted-issuer table and verifies assertions
// against it. The ring is immutable after construction; config reload
// builds a new ring.
type TrustRing struct {
	audience string
	issuers  map[string]*TrustedIssuer
}

// NewTrustRing loads the issuer table. audience is the value assertions
// must be addressed to when an entry does not pin its own; normally the
// server's issuer URL.
func NewTrustRing(audience string, seeds []config.TrustedIssuer) (*TrustRing, error) {
	ring := &TrustRing{
		audience: strings.TrimSuffix(audience, "/"),
		issuers:  make(map[string]*TrustedIssuer, len(seeds)),
	}
	for _, seed := range seeds {
		if seed.Issuer == "" {
			return nil, errors.New("grant: trusted issuer with empty issuer URL")
		}
		keys, err := loadJWKS(seed.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("trusted issuer %s: %w", seed.Issuer, err)
		}
		ring.issuers[seed.Issuer] = &TrustedIssuer{
			Issuer:         seed.Issuer,
			Keys:           keys,
			AllowJWTBearer: seed.AllowJWTBearer,
			AllowIDJAG:     seed.AllowIDJAG,
			AllowedScopes:  seed.AllowedScopes,
			Audience:       seed.Audience,
		}
	}
	return ring, nil
}

func loadJWKS(path string) (*jose.JSONWebKeySet, error) {
	if path == "" {
		return nil, errors.New("no jwks_file configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	set := &jose.JSONWebKeySet{}
	if err := json.Unmarshal(raw, set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("jwks holds no keys")
	}
	return set, nil
}

// Add registers an issuer directly. Tests and dynamic federation setup
// use it; file-seeded rings come from NewTrustRing.
func (t *TrustRing) Add(issuer *TrustedIssuer) {
	t.issuers[issuer.Issuer] = issuer
}

// Lookup returns the table entry for an issuer URL.
func (t *TrustRing) Lookup(issuer string) (*TrustedIssuer, bool) {
	entry, ok := t.issuers[issuer]
	return entry, ok
}

// VerifyAssertion checks an external JWT against the ring: the iss claim
// must have a table entry and the signature must verify against that
// entry's key set. exp is required; aud must contain the entry's pinned
// audience, or the ring's own when the entry pins none.
func (t *TrustRing) VerifyAssertion(raw string) (*TrustedIssuer, jwt.MapClaims, error) {
	peek := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, peek); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadAssertion, err)
	}
	iss, _ := peek["iss"].(string)
	entry, ok := t.Lookup(iss)
	if !ok {
		return nil, nil, ErrUntrustedIssuer
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, issuerKeyfunc(entry.Keys),
		jwt.WithValidMethods(assertionAlgs),
		jwt.WithIssuer(entry.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadAssertion, err)
	}
	if !t.audienceOK(entry, claims) {
		return nil, nil, fmt.Errorf("%w: audience mismatch", ErrBadAssertion)
	}
	return entry, claims, nil
}

func (t *TrustRing) audienceOK(entry *TrustedIssuer, claims jwt.MapClaims) bool {
	want := entry.Audience
	if want == "" {
		want = t.audience
	}
	auds, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, aud := range auds {
		if strings.TrimSuffix(aud, "/") == strings.TrimSuffix(want, "/") {
			return true
		}
	}
	return false
}

// issuerKeyfunc resolves the verification key inside an issuer's set:
// by kid when the header carries one, otherwise across every public key.
func issuerKeyfunc(keys *jose.JSONWebKeySet) jwt.Keyfunc {
	return func(tok *jwt.Token) (any, error) {
		if kid, _ := tok.Header["kid"].(string); kid != "" {
			matches := keys.Key(kid)
			if len(matches) == 0 {
				return nil, fmt.Errorf("no key %q in issuer jwks", kid)
			}
			return matches[0].Key, nil
		}
		set := jwt.VerificationKeySet{}
		for _, k := range keys.Keys {
			if k.Valid() && k.IsPublic() {
				set.Keys = append(set.Keys, k.Key)
			}
		}
		if len(set.Keys) == 0 {
			return nil, errors.New("issuer jwks holds no usable keys")
		}
		return set, nil
	}
}
