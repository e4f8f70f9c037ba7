package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/keyring"
	"github.com/authrim/authrim/internal/revocation"
)

// BackchannelLogoutEvent is the required member of a logout token's events
// claim.
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

var (
	// ErrInvalidToken covers signature, structure and claim failures on parse.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrWrongIssuer means the token verified but was minted elsewhere.
	ErrWrongIssuer = errors.New("token: unexpected issuer")
)

// Confirmation is the RFC 7800 cnf claim carrying the DPoP key thumbprint.
type Confirmation struct {
	JKT string `json:"jkt,omitempty"`
}

// Actor is the RFC 8693 act claim. Chains collapse at one nesting level.
type Actor struct {
	Subject  string `json:"sub"`
	ClientID string `json:"client_id,omitempty"`
	Act      *Actor `json:"act,omitempty"`
}

// AccessParams describes one access token to mint.
type AccessParams struct {
	Subject              string
	ClientID             string
	Scope                string
	TTL                  time.Duration
	Audience             string   // defaults to the issuer
	Audiences            []string // multi-valued aud; wins over Audience when set
	JKT                  string   // sender constraint; becomes cnf.jkt
	AuthorizationDetails json.RawMessage
	Roles                []string
	Permissions          []string
	Anonymous            bool
	ACR                  string
	AMR                  []string
	Actor                *Actor
	OriginalIssuer       string
	Tenant               string
	Extra                map[string]any
}

// IDParams describes one ID token to mint.
type IDParams struct {
	Subject      string
	ClientID     string
	TTL          time.Duration
	Nonce        string
	AuthTime     time.Time
	ACR          string
	AMR          []string
	SessionID    string
	AccessToken  string // hashed into at_hash when set
	Code         string // hashed into c_hash when set
	DeviceSecret string // hashed into ds_hash when set
	Extra        map[string]any
}

// RefreshParams describes one refresh token to mint. JTI and Version come
// from the family head so the JWT and the family record always agree.
type RefreshParams struct {
	Subject  string
	ClientID string
	Scope    string
	JTI      string
	Version  int64
	TTL      time.Duration
}

// RefreshClaims is the verified payload of a presented refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	Version  int64  `json:"rtv"`
}

// IDClaims is the verified payload of an ID token presented back to us
// (logout hints, Native SSO subject tokens).
type IDClaims struct {
	jwt.RegisteredClaims
	Nonce    string   `json:"nonce,omitempty"`
	AuthTime int64    `json:"auth_time,omitempty"`
	ACR      string   `json:"acr,omitempty"`
	AMR      []string `json:"amr,omitempty"`
	SID      string   `json:"sid,omitempty"`
	ATHash   string   `json:"at_hash,omitempty"`
	CHash    string   `json:"c_hash,omitempty"`
	DSHash   string   `json:"ds_hash,omitempty"`
}

// Minter signs tokens with the key ring's active key and verifies presented
// tokens against the ring's published keys.
type Minter struct {
	keys         *keyring.KeyRing
	issuer       string
	accessShards int
	log          *common.Logger
}

func NewMinter(keys *keyring.KeyRing, issuer string, accessShards int, log *common.Logger) *Minter {
	if accessShards < 1 {
		accessShards = 1
	}
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Minter{keys: keys, issuer: issuer, accessShards: accessShards, log: log}
}

// Issuer returns the iss value stamped on every minted token.
func (m *Minter) Issuer() string { return m.issuer }

// MintAccess signs an access token and returns it with its routable jti.
func (m *Minter) MintAccess(ctx context.Context, p AccessParams) (string, string, error) {
	now := time.Now()
	jti := revocation.MintAccessJTI(m.accessShards)
	var aud any = p.Audience
	switch {
	case len(p.Audiences) == 1:
		aud = p.Audiences[0]
	case len(p.Audiences) > 1:
		aud = p.Audiences
	case p.Audience == "":
		aud = m.issuer
	}

	claims := jwt.MapClaims{
		"iss":       m.issuer,
		"sub":       p.Subject,
		"aud":       aud,
		"exp":       now.Add(p.TTL).Unix(),
		"iat":       now.Unix(),
		"jti":       jti,
		"client_id": p.ClientID,
	}
	if p.Scope != "" {
		claims["scope"] = p.Scope
	}
	if p.JKT != "" {
		claims["cnf"] = Confirmation{JKT: p.JKT}
	}
	if len(p.AuthorizationDetails) > 0 {
		claims["authorization_details"] = json.RawMessage(p.AuthorizationDetails)
	}
	if len(p.Roles) > 0 {
		claims["roles"] = p.Roles
	}
	if len(p.Permissions) > 0 {
		claims["permissions"] = p.Permissions
	}
	if p.Anonymous {
		claims["is_anonymous"] = true
	}
	if p.ACR != "" {
		claims["acr"] = p.ACR
	}
	if len(p.AMR) > 0 {
		claims["amr"] = p.AMR
	}
	if p.Actor != nil {
		claims["act"] = p.Actor
	}
	if p.OriginalIssuer != "" {
		claims["original_issuer"] = p.OriginalIssuer
	}
	if p.Tenant != "" {
		claims["tenant"] = p.Tenant
	}
	for k, v := range p.Extra {
		if _, taken := claims[k]; !taken {
			claims[k] = v
		}
	}

	signed, err := m.sign(ctx, claims, "at+jwt")
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// MintIDToken signs an ID token, computing the half-hashes for whichever of
// access token, code and device secret accompany it. The jti makes the
// token usable as a one-shot subject token (Native SSO replay index).
func (m *Minter) MintIDToken(ctx context.Context, p IDParams) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": m.issuer,
		"sub": p.Subject,
		"aud": p.ClientID,
		"exp": now.Add(p.TTL).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if !p.AuthTime.IsZero() {
		claims["auth_time"] = p.AuthTime.Unix()
	}
	if p.Nonce != "" {
		claims["nonce"] = p.Nonce
	}
	if p.ACR != "" {
		claims["acr"] = p.ACR
	}
	if len(p.AMR) > 0 {
		claims["amr"] = p.AMR
	}
	if p.SessionID != "" {
		claims["sid"] = p.SessionID
	}
	if p.AccessToken != "" {
		claims["at_hash"] = LeftHalfHash(p.AccessToken)
	}
	if p.Code != "" {
		claims["c_hash"] = LeftHalfHash(p.Code)
	}
	if p.DeviceSecret != "" {
		claims["ds_hash"] = LeftHalfHash(p.DeviceSecret)
	}
	for k, v := range p.Extra {
		if _, taken := claims[k]; !taken {
			claims[k] = v
		}
	}
	return m.sign(ctx, claims, "")
}

// MintRefresh signs the refresh token for a family head.
func (m *Minter) MintRefresh(ctx context.Context, p RefreshParams) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   p.Subject,
			Audience:  jwt.ClaimStrings{p.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        p.JTI,
		},
		Scope:    p.Scope,
		ClientID: p.ClientID,
		Version:  p.Version,
	}
	return m.sign(ctx, claims, "")
}

// MintLogoutToken signs a back-channel logout token: events claim present,
// nonce forbidden, sub and sid as available.
func (m *Minter) MintLogoutToken(ctx context.Context, subject, sessionID, clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":    m.issuer,
		"aud":    clientID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
		"jti":    uuid.NewString(),
		"events": map[string]any{BackchannelLogoutEvent: map[string]any{}},
	}
	if subject != "" {
		claims["sub"] = subject
	}
	if sessionID != "" {
		claims["sid"] = sessionID
	}
	return m.sign(ctx, claims, "logout+jwt")
}

func (m *Minter) sign(ctx context.Context, claims jwt.Claims, typ string) (string, error) {
	signer, kid, err := m.keys.ActiveSigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("signing key: %w", err)
	}
	method := jwt.GetSigningMethod(m.keys.Algorithm())
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm %q", m.keys.Algorithm())
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	signed, err := tok.SignedString(signer)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// keyfunc resolves the verification key by the token's kid through the ring
// cache; unknown kids force a refetch inside the ring before failing.
func (m *Minter) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != m.keys.Algorithm() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid")
		}
		return m.keys.VerificationKey(ctx, kid)
	}
}

// ParseRefresh verifies a presented refresh token.
func (m *Minter) ParseRefresh(ctx context.Context, raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, m.keyfunc(ctx),
		jwt.WithValidMethods([]string{m.keys.Algorithm()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// ParseIDToken verifies an ID token we minted. Logout accepts expired
// tokens, so expiry enforcement is the caller's choice; issuer is always
// enforced.
func (m *Minter) ParseIDToken(ctx context.Context, raw string, allowExpired bool) (*IDClaims, error) {
	claims := &IDClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.keys.Algorithm()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	_, err := jwt.ParseWithClaims(raw, claims, m.keyfunc(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != m.issuer {
		return nil, ErrWrongIssuer
	}
	return claims, nil
}

// ParseSigned verifies any token we minted and returns its raw claims.
// Revocation endpoints use it: they need jti and exp regardless of token
// type, and tolerate expired input.
func (m *Minter) ParseSigned(ctx context.Context, raw string, allowExpired bool) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.keys.Algorithm()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	_, err := jwt.ParseWithClaims(raw, claims, m.keyfunc(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if iss, _ := claims["iss"].(string); iss != m.issuer {
		return nil, ErrWrongIssuer
	}
	return claims, nil
}
