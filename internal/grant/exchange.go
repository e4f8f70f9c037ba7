package grant

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// RFC 8693 token-type URNs plus the Native SSO and ID-JAG extensions.
const (
	TokenTypeURNAccess       = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeURNRefresh      = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeURNID           = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeURNJWT          = "urn:ietf:params:oauth:token-type:jwt"
	TokenTypeURNSAML2        = "urn:ietf:params:oauth:token-type:saml2"
	TokenTypeURNDeviceSecret = "urn:openid:params:token-type:device-secret"
	TokenTypeURNIDJAG        = "urn:ietf:params:oauth:token-type:id-jag"
)

// tokenExchange dispatches RFC 8693 and its two extensions. Native SSO
// is recognized by its subject/actor type pair, ID-JAG by the requested
// token type.
func (e *Engine) tokenExchange(ctx context.Context, r *http.Request) (*Response, error) {
	if !e.provider.GetBool(ctx, config.KeyTokenExchangeEnabled) {
		return nil, oautherr.UnsupportedGrantType("token exchange is disabled")
	}

	subjectToken := r.PostFormValue("subject_token")
	subjectType := r.PostFormValue("subject_token_type")
	if subjectToken == "" || subjectType == "" {
		return nil, oautherr.InvalidRequest("subject_token and subject_token_type are required")
	}

	client, profile, err := e.preamble(ctx, r, GrantTokenExchange)
	if err != nil {
		return nil, err
	}

	if subjectType == TokenTypeURNID && r.PostFormValue("actor_token_type") == TokenTypeURNDeviceSecret {
		return e.nativeSSO(ctx, r, client, profile, subjectToken)
	}
	if r.PostFormValue("requested_token_type") == TokenTypeURNIDJAG {
		return e.idJAG(ctx, r, client, profile, subjectToken, subjectType)
	}

	return e.standardExchange(ctx, r, client, profile, subjectToken, subjectType)
}

// standardExchange implements plain RFC 8693 delegation over tokens this
// server minted.
func (e *Engine) standardExchange(ctx context.Context, r *http.Request, client *clients.Client, profile *tenant.Profile, subjectToken, subjectType string) (*Response, error) {
	// refresh_token is never a valid subject, even when the allow-list
	// is misconfigured to include it.
	if subjectType == TokenTypeURNRefresh {
		return nil, oautherr.InvalidRequest("refresh tokens cannot be exchanged")
	}
	allowedTypes := e.provider.GetStrings(ctx, config.KeyTokenExchangeSubjectTypes)
	if !slices.Contains(allowedTypes, subjectType) {
		return nil, oautherr.InvalidRequest("subject_token_type is not allowed")
	}

	if rt := r.PostFormValue("requested_token_type"); rt != "" && rt != TokenTypeURNAccess {
		return nil, oautherr.New(http.StatusBadRequest, oautherr.CodeUnsupportedTokenType, "only access tokens can be issued")
	}

	targets, err := e.exchangeTargets(ctx, r, client)
	if err != nil {
		return nil, err
	}

	subject, err := e.parseSubjectToken(ctx, subjectToken, subjectType)
	if err != nil {
		return nil, err
	}

	// Audience authorization: the caller must already be inside the
	// subject token's audience, or the subject token's client must have
	// delegated to the caller.
	if !subject.audienceContains(client.ID) && !slices.Contains(client.SubjectTokenClients, subject.clientID) {
		return nil, oautherr.InvalidTarget("client is not an audience of the subject token")
	}

	granted := exchangeScope(r.PostFormValue("scope"), subject.scope, client.AllowedScopes)

	actor, err := e.exchangeActor(ctx, r, client)
	if err != nil {
		return nil, err
	}

	accessTTL := e.accessTTL(ctx, profile)
	access, accessJTI, err := e.minter.MintAccess(ctx, token.AccessParams{
		Subject:   subject.sub,
		ClientID:  client.ID,
		Scope:     granted,
		TTL:       accessTTL,
		Audiences: targets,
		Actor:     actor,
		Tenant:    client.Tenant,
	})
	if err != nil {
		e.log.Error().Err(err).Str("client_id", client.ID).Msg("Access token mint failed")
		return nil, oautherr.ServerError()
	}

	e.bus.Publish(events.TokenAccessIssued, client.Tenant, map[string]any{
		"client_id": client.ID,
		"sub":       subject.sub,
		"jti":       accessJTI,
	})

	return &Response{
		AccessToken:     access,
		TokenType:       TokenTypeBearer,
		ExpiresIn:       int64(accessTTL.Seconds()),
		Scope:           granted,
		IssuedTokenType: TokenTypeURNAccess,
	}, nil
}

// subjectClaims is the digest of a parsed subject token.
type subjectClaims struct {
	sub      string
	clientID string
	scope    string
	jti      string
	aud      []string
}

func (s *subjectClaims) audienceContains(clientID string) bool {
	return slices.Contains(s.aud, clientID)
}

// parseSubjectToken verifies a subject token we minted and digests the
// claims the exchange rules consume.
func (e *Engine) parseSubjectToken(ctx context.Context, raw, subjectType string) (*subjectClaims, error) {
	switch subjectType {
	case TokenTypeURNAccess, TokenTypeURNJWT:
		claims, err := e.minter.ParseSigned(ctx, raw, false)
		if err != nil {
			return nil, oautherr.InvalidGrant("subject token is invalid or expired")
		}
		digest := digestMapClaims(claims)
		if digest.jti != "" {
			if revoked, err := e.revocations.IsRevoked(ctx, digest.jti); err != nil {
				e.log.Error().Err(err).Str("jti", digest.jti).Msg("Revocation check failed")
				return nil, oautherr.ServerError()
			} else if revoked {
				return nil, oautherr.InvalidGrant("subject token has been revoked")
			}
		}
		return digest, nil
	case TokenTypeURNID:
		claims, err := e.minter.ParseIDToken(ctx, raw, false)
		if err != nil {
			return nil, oautherr.InvalidGrant("subject token is invalid or expired")
		}
		return &subjectClaims{
			sub: claims.Subject,
			jti: claims.ID,
			aud: claims.Audience,
			// An ID token's audience is its client.
			clientID: firstString(claims.Audience),
		}, nil
	default:
		return nil, oautherr.InvalidRequest("subject_token_type is not allowed")
	}
}

func digestMapClaims(claims jwt.MapClaims) *subjectClaims {
	out := &subjectClaims{}
	out.sub, _ = claims["sub"].(string)
	out.clientID, _ = claims["client_id"].(string)
	out.scope, _ = claims["scope"].(string)
	out.jti, _ = claims["jti"].(string)
	if auds, err := claims.GetAudience(); err == nil {
		out.aud = auds
	}
	return out
}

func firstString(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// exchangeTargets merges resource and audience parameters into the
// minted token's aud list, enforcing the per-request caps and the
// client's allowed-resource box.
func (e *Engine) exchangeTargets(ctx context.Context, r *http.Request, client *clients.Client) ([]string, error) {
	resources := r.PostForm["resource"]
	audiences := r.PostForm["audience"]
	if max := e.provider.GetInt(ctx, config.KeyTokenExchangeMaxResources); len(resources) > max {
		return nil, oautherr.InvalidRequest("too many resource parameters")
	}
	if max := e.provider.GetInt(ctx, config.KeyTokenExchangeMaxAudiences); len(audiences) > max {
		return nil, oautherr.InvalidRequest("too many audience parameters")
	}

	var targets []string
	for _, t := range append(append([]string{}, resources...), audiences...) {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !slices.Contains(targets, t) {
			targets = append(targets, t)
		}
	}
	if len(client.TokenExchangeResources) > 0 {
		for _, t := range targets {
			if !slices.Contains(client.TokenExchangeResources, t) {
				return nil, oautherr.InvalidTarget("resource is not allowed for this client")
			}
		}
	}
	return targets, nil
}

// exchangeScope narrows the requested scope to the subject token's and
// the client's boxes. An empty request inherits the subject scope.
func exchangeScope(requested, subjectScope string, clientAllowed []string) string {
	if requested == "" {
		requested = subjectScope
	}
	granted := common.ScopeIntersect(requested, subjectScope)
	if len(clientAllowed) > 0 {
		granted = common.ScopeIntersect(granted, common.JoinScope(clientAllowed))
	}
	return granted
}

// exchangeActor builds the act claim. The actor token wins when present;
// otherwise the requesting client is the actor. History nests at most
// one level; anything deeper collapses.
func (e *Engine) exchangeActor(ctx context.Context, r *http.Request, client *clients.Client) (*token.Actor, error) {
	actorToken := r.PostFormValue("actor_token")
	if actorToken == "" {
		return &token.Actor{Subject: "client:" + client.ID, ClientID: client.ID}, nil
	}
	if at := r.PostFormValue("actor_token_type"); at != TokenTypeURNAccess && at != TokenTypeURNJWT {
		return nil, oautherr.InvalidRequest("actor_token_type is not allowed")
	}
	claims, err := e.minter.ParseSigned(ctx, actorToken, false)
	if err != nil {
		return nil, oautherr.InvalidGrant("actor token is invalid or expired")
	}
	digest := digestMapClaims(claims)
	actor := &token.Actor{Subject: digest.sub, ClientID: digest.clientID}
	if prev, ok := claims["act"].(map[string]any); ok {
		if prevSub, _ := prev["sub"].(string); prevSub != "" {
			actor.Act = &token.Actor{Subject: prevSub}
		}
	}
	return actor, nil
}
