package grant

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// idJAG mints an identity assertion authorization grant: an external
// IdP's signed assertion becomes a short-lived token addressed to a
// downstream app, preserving the authentication context it arrived
// with. The allowed-issuer list fails closed when empty.
func (e *Engine) idJAG(ctx context.Context, r *http.Request, client *clients.Client, profile *tenant.Profile, subjectToken, subjectType string) (*Response, error) {
	if !e.provider.GetBool(ctx, config.KeyIDJAGEnabled) {
		return nil, oautherr.New(http.StatusBadRequest, oautherr.CodeUnsupportedTokenType, "id-jag issuance is disabled")
	}
	if e.provider.GetBool(ctx, config.KeyIDJAGRequireConfidential) && !client.Confidential() {
		return nil, oautherr.InvalidClient("id-jag requires a confidential client")
	}

	switch subjectType {
	case TokenTypeURNID, TokenTypeURNJWT:
	case TokenTypeURNSAML2:
		// The trusted-issuer table carries JWKS only; there is no SAML
		// trust anchor to verify against.
		return nil, oautherr.InvalidRequest("saml2 subject tokens are not supported")
	default:
		return nil, oautherr.InvalidRequest("subject_token_type is not allowed for id-jag")
	}

	allowedIssuers := e.provider.GetStrings(ctx, config.KeyIDJAGAllowedIssuers)
	if len(allowedIssuers) == 0 {
		return nil, oautherr.InvalidGrant("no issuers are allowed for id-jag")
	}

	entry, claims, err := e.trust.VerifyAssertion(subjectToken)
	if err != nil {
		if errors.Is(err, ErrUntrustedIssuer) {
			return nil, oautherr.InvalidGrant("subject token issuer is not trusted")
		}
		e.log.Debug().Err(err).Str("client_id", client.ID).Msg("id-jag subject token rejected")
		return nil, oautherr.InvalidGrant("subject token is invalid")
	}
	if !entry.AllowIDJAG || !slices.Contains(allowedIssuers, entry.Issuer) {
		return nil, oautherr.InvalidGrant("subject token issuer is not allowed for id-jag")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, oautherr.InvalidGrant("subject token carries no subject")
	}

	targets, err := e.exchangeTargets(ctx, r, client)
	if err != nil {
		return nil, err
	}

	granted, err := issuerBoxedScope(r.PostFormValue("scope"), entry.AllowedScopes, client.AllowedScopes)
	if err != nil {
		return nil, err
	}

	acr, _ := claims["acr"].(string)
	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:        subject,
		ClientID:       client.ID,
		Scope:          granted,
		TTL:            accessTTL,
		Audiences:      targets,
		ACR:            acr,
		AMR:            stringSlice(claims["amr"]),
		OriginalIssuer: entry.Issuer,
		Tenant:         client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	e.bus.Publish(events.TokenAccessIssued, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       subject,
		"jti":       accessJTI,
		"issuer":    entry.Issuer,
	})

	return &Response{
		AccessToken:     access,
		TokenType:       TokenTypeBearer,
		ExpiresIn:       int64(accessTTL.Seconds()),
		Scope:           granted,
		IssuedTokenType: TokenTypeURNIDJAG,
	}, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
