package grant

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/oautherr"
)

// externalIssuer simulates a federation partner: a signing key, its
// published JWKS and the ring entry Authrim holds for it.
type externalIssuer struct {
	issuer string
	key    *ecdsa.PrivateKey
	entry  *TrustedIssuer
}

func newExternalIssuer(t *testing.T, issuer string) *externalIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	return &externalIssuer{
		issuer: issuer,
		key:    key,
		entry: &TrustedIssuer{
			Issuer: issuer,
			Keys: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
				Key:       key.Public(),
				KeyID:     "ext-1",
				Algorithm: "ES256",
				Use:       "sig",
			}}},
			AllowJWTBearer: true,
			AllowedScopes:  []string{"openid", "api.read"},
		},
	}
}

// sign issues an assertion, defaulting iss, aud and exp to values the
// ring accepts.
func (ei *externalIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = ei.issuer
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = testIssuer
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(5 * time.Minute).Unix()
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = time.Now().Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = "ext-1"
	signed, err := tok.SignedString(ei.key)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return signed
}

func (env *testEnv) addBearerClient(id string) *clients.Client {
	return env.addClient(&clients.Client{
		ID:            id,
		Secret:        "s3cret",
		GrantTypes:    []string{GrantJWTBearer},
		AllowedScopes: []string{"openid", "api.read"},
	})
}

func bearerForm(assertion, clientID string) url.Values {
	return url.Values{
		"grant_type":    {GrantJWTBearer},
		"assertion":     {assertion},
		"client_id":     {clientID},
		"client_secret": {"s3cret"},
	}
}

func TestJWTBearer_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{"sub": "ext-user"})
	resp, err := env.exchange(bearerForm(assertion, "gateway"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	claims := env.accessClaims(t, resp.AccessToken)
	if claims["sub"] != "ext-user" {
		t.Errorf("unexpected subject: %v", claims["sub"])
	}
	if claims["original_issuer"] != "https://partner.example.com" {
		t.Errorf("original issuer not recorded: %v", claims["original_issuer"])
	}
	if resp.RefreshToken != "" || resp.IDToken != "" {
		t.Error("jwt-bearer must not mint refresh or id tokens")
	}
	if resp.Scope != "openid api.read" {
		t.Errorf("unexpected scope: %q", resp.Scope)
	}
}

func TestJWTBearer_UntrustedIssuer(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	rogue := newExternalIssuer(t, "https://rogue.example.com")

	assertion := rogue.sign(t, jwt.MapClaims{"sub": "ext-user"})
	_, err := env.exchange(bearerForm(assertion, "gateway"))
	oe := wantOAuthError(t, err, oautherr.CodeInvalidGrant)
	if oe.Description != "assertion issuer is not trusted" {
		t.Errorf("unexpected description: %q", oe.Description)
	}
}

func TestJWTBearer_IssuerNotEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	partner.entry.AllowJWTBearer = false
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{"sub": "ext-user"})
	_, err := env.exchange(bearerForm(assertion, "gateway"))
	wantOAuthError(t, err, oautherr.CodeUnauthorizedClient)
}

func TestJWTBearer_WrongKeyRefused(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	env.trust.Add(partner.entry)

	// Same iss claim, different key: the ring must refuse the signature.
	imposter := newExternalIssuer(t, "https://partner.example.com")
	assertion := imposter.sign(t, jwt.MapClaims{"sub": "ext-user"})
	_, err := env.exchange(bearerForm(assertion, "gateway"))
	oe := wantOAuthError(t, err, oautherr.CodeInvalidGrant)
	if oe.Description != "assertion is invalid" {
		t.Errorf("unexpected description: %q", oe.Description)
	}
}

func TestJWTBearer_ExpiredAssertion(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{
		"sub": "ext-user",
		"exp": time.Now().Add(-2 * time.Minute).Unix(),
	})
	_, err := env.exchange(bearerForm(assertion, "gateway"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestJWTBearer_AudienceMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{
		"sub": "ext-user",
		"aud": "https://other-op.example.com",
	})
	_, err := env.exchange(bearerForm(assertion, "gateway"))
	wantOAuthError(t, err, oautherr.CodeInvalidGrant)
}

func TestJWTBearer_ScopeOutsideIssuerBox(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{"sub": "ext-user"})
	form := bearerForm(assertion, "gateway")
	form.Set("scope", "openid admin")
	_, err := env.exchange(form)
	wantOAuthError(t, err, oautherr.CodeInvalidScope)
}

func TestJWTBearer_EmptyIssuerBoxGrantsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	partner.entry.AllowedScopes = nil
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{"sub": "ext-user"})
	form := bearerForm(assertion, "gateway")
	form.Set("scope", "api.read")
	_, err := env.exchange(form)
	wantOAuthError(t, err, oautherr.CodeInvalidScope)
}

func TestJWTBearer_MissingSubject(t *testing.T) {
	env := newTestEnv(t)
	env.addBearerClient("gateway")
	partner := newExternalIssuer(t, "https://partner.example.com")
	env.trust.Add(partner.entry)

	assertion := partner.sign(t, jwt.MapClaims{})
	_, err := env.exchange(bearerForm(assertion, "gateway"))
	oe := wantOAuthError(t, err, oautherr.CodeInvalidGrant)
	if oe.Description != "assertion carries no subject" {
		t.Errorf("unexpected description: %q", oe.Description)
	}
}
