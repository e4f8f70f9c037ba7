// Package clientauth implements the client-authentication preamble shared by
// every token-endpoint grant: signed JWT assertion, then HTTP Basic, then
// form-posted credentials.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
)

// AssertionTypeJWTBearer is the only client_assertion_type Authrim accepts.
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

var (
	ErrNoCredentials  = errors.New("clientauth: no client credentials presented")
	ErrUnknownClient  = errors.New("clientauth: unknown client")
	ErrBadCredentials = errors.New("clientauth: invalid client credentials")
	ErrMethodMismatch = errors.New("clientauth: auth method not allowed for client")
	ErrBadAssertion   = errors.New("clientauth: invalid client assertion")
)

// Asymmetric algorithms accepted on private_key_jwt assertions.
var assertionSigningAlgs = []string{"RS256", "ES256"}

const assertionLeeway = 30 * time.Second

// Authenticator resolves and verifies the client behind a token-endpoint
// request.
type Authenticator struct {
	clients *clients.Store
	issuer  string
	log     *common.Logger
}

func NewAuthenticator(store *clients.Store, issuer string, log *common.Logger) *Authenticator {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Authenticator{clients: store, issuer: strings.TrimSuffix(issuer, "/"), log: log}
}

// Identify extracts the claimed client id without verifying anything, so
// handlers can load metadata before the credential check runs.
func Identify(r *http.Request) string {
	if id := r.PostFormValue("client_id"); id != "" {
		return id
	}
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		var claims jwt.RegisteredClaims
		if _, _, err := jwt.NewParser().ParseUnverified(assertion, &claims); err == nil {
			return claims.Subject
		}
	}
	if id, _, ok := r.BasicAuth(); ok {
		if decoded, err := url.QueryUnescape(id); err == nil {
			return decoded
		}
		return id
	}
	return ""
}

// Authenticate runs the preamble in order: client_assertion, HTTP Basic,
// form post. Confidential clients must pass a credential check; a public
// client presenting only its id is returned unauthenticated for the caller
// to gate per grant.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*clients.Client, error) {
	if assertion := r.PostFormValue("client_assertion"); assertion != "" {
		if typ := r.PostFormValue("client_assertion_type"); typ != AssertionTypeJWTBearer {
			return nil, fmt.Errorf("%w: unsupported client_assertion_type %q", ErrBadAssertion, typ)
		}
		return a.authenticateAssertion(ctx, r.PostFormValue("client_id"), assertion)
	}

	if id, secret, ok := BasicCredentials(r); ok {
		return a.authenticateSecret(ctx, id, secret)
	}

	id := r.PostFormValue("client_id")
	if id == "" {
		return nil, ErrNoCredentials
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		return a.authenticateSecret(ctx, id, secret)
	}

	client, err := a.clients.Get(ctx, id)
	if err != nil {
		return nil, ErrUnknownClient
	}
	if client.Confidential() {
		return nil, fmt.Errorf("%w: confidential client sent no credentials", ErrBadCredentials)
	}
	return client, nil
}

// BasicCredentials decodes the Authorization header. RFC 6749 §2.3.1 encodes
// id and secret with form-urlencoding before base64, so both halves are
// unescaped after the standard decode.
func BasicCredentials(r *http.Request) (id, secret string, ok bool) {
	id, secret, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if decoded, err := url.QueryUnescape(id); err == nil {
		id = decoded
	}
	if decoded, err := url.QueryUnescape(secret); err == nil {
		secret = decoded
	}
	return id, secret, true
}

func (a *Authenticator) authenticateSecret(ctx context.Context, id, secret string) (*clients.Client, error) {
	client, err := a.clients.Get(ctx, id)
	if err != nil {
		return nil, ErrUnknownClient
	}
	switch client.AuthMethod {
	case clients.AuthMethodBasic, clients.AuthMethodPost:
		// Secret-based methods accept either presentation.
	default:
		return nil, fmt.Errorf("%w: client registered %s", ErrMethodMismatch, client.AuthMethod)
	}
	if !client.SecretMatches(secret) {
		a.log.Warn().Str("client_id", id).Msg("Client secret mismatch")
		return nil, ErrBadCredentials
	}
	return client, nil
}

func (a *Authenticator) authenticateAssertion(ctx context.Context, formClientID, assertion string) (*clients.Client, error) {
	// Peek at the subject first; it names the client whose key material
	// verifies the assertion.
	var unverified jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, &unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAssertion, err)
	}
	id := unverified.Subject
	if id == "" || unverified.Issuer != id {
		return nil, fmt.Errorf("%w: iss and sub must both be the client id", ErrBadAssertion)
	}
	if formClientID != "" && formClientID != id {
		return nil, fmt.Errorf("%w: client_id does not match assertion subject", ErrBadAssertion)
	}

	client, err := a.clients.Get(ctx, id)
	if err != nil {
		return nil, ErrUnknownClient
	}

	var claims jwt.RegisteredClaims
	switch client.AuthMethod {
	case clients.AuthMethodPrivateKeyJWT:
		if client.JWKS == nil || len(client.JWKS.Keys) == 0 {
			return nil, fmt.Errorf("%w: client has no registered keys", ErrBadAssertion)
		}
		_, err = jwt.ParseWithClaims(assertion, &claims, a.clientKeyfunc(client),
			jwt.WithValidMethods(assertionSigningAlgs),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(assertionLeeway))
	case clients.AuthMethodSecretJWT:
		if client.Secret == "" {
			return nil, fmt.Errorf("%w: client has no secret for HMAC assertions", ErrBadAssertion)
		}
		_, err = jwt.ParseWithClaims(assertion, &claims, func(*jwt.Token) (any, error) {
			return []byte(client.Secret), nil
		},
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(assertionLeeway))
	default:
		return nil, fmt.Errorf("%w: client registered %s", ErrMethodMismatch, client.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAssertion, err)
	}

	if !a.audienceOK(claims.Audience) {
		return nil, fmt.Errorf("%w: audience is not this issuer", ErrBadAssertion)
	}
	return client, nil
}

// clientKeyfunc verifies against the client's registered JWKS, honoring kid
// when the assertion names one.
func (a *Authenticator) clientKeyfunc(client *clients.Client) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		keys := client.JWKS.Keys
		if kid, _ := token.Header["kid"].(string); kid != "" {
			keys = client.JWKS.Key(kid)
			if len(keys) == 0 {
				return nil, fmt.Errorf("no key %q registered for client", kid)
			}
		}
		set := jwt.VerificationKeySet{}
		for i := range keys {
			if k := keys[i]; k.Valid() && k.IsPublic() {
				set.Keys = append(set.Keys, k.Key)
			}
		}
		if len(set.Keys) == 0 {
			return nil, errors.New("no usable public key registered for client")
		}
		return set, nil
	}
}

// The assertion audience must be this issuer or an endpoint under it.
func (a *Authenticator) audienceOK(aud jwt.ClaimStrings) bool {
	for _, v := range aud {
		v = strings.TrimSuffix(v, "/")
		if v == a.issuer || strings.HasPrefix(v, a.issuer+"/") {
			return true
		}
	}
	return false
}
