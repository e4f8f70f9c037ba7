package logout

import (
	"context"
	"net/http"

	"github.com/authrim/authrim/internal/clientauth"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/token"

	"github.com/golang-jwt/jwt/v5"
)

// HandleBackChannel is the POST /logout/backchannel receiver. Tokens must
// verify against this server's own key ring; trusted internal surfaces
// use the endpoint to kill sessions across the fleet. Unknown or legacy
// sids are acknowledged without effect so senders do not retry forever.
func (o *Orchestrator) HandleBackChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		oautherr.Write(w, oautherr.InvalidRequest("malformed form body"))
		return
	}
	raw := r.PostFormValue("logout_token")
	if raw == "" {
		oautherr.Write(w, oautherr.InvalidRequest("logout_token is required"))
		return
	}

	claims, err := o.minter.ParseSigned(ctx, raw, false)
	if err != nil {
		oautherr.Write(w, oautherr.InvalidRequest("logout token is invalid"))
		return
	}
	if err := validateLogoutClaims(claims); err != nil {
		oautherr.Write(w, err)
		return
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)

	client := o.audienceClient(ctx, claims)
	if client != nil && client.Confidential() {
		if !o.basicAuthOK(r, client) {
			oautherr.Write(w, oautherr.InvalidClient("client authentication required"))
			return
		}
	}
	clientID, tenant := "", ""
	if client != nil {
		clientID, tenant = client.ID, client.Tenant
	}

	w.Header().Set("Cache-Control", "no-store")
	switch {
	case sid == "":
		o.log.Warn().Str("sub", sub).Msg("Backchannel logout without sid, nothing to do")
	case !session.IsSharded(sid):
		o.log.Warn().Str("sid", sid).Msg("Backchannel logout for legacy sid, skipping")
	default:
		term, err := o.Terminate(ctx, TerminateParams{SessionID: sid, ClientID: clientID, Tenant: tenant, Cause: CauseBackChannel})
		if err != nil {
			oautherr.Write(w, oautherr.ServerError())
			return
		}
		if !term.Destroyed {
			o.log.Warn().Str("sid", sid).Msg("Backchannel logout for unknown session")
		}
	}
	w.WriteHeader(http.StatusOK)
}

// validateLogoutClaims enforces the logout-token profile: events claim
// with the backchannel-logout member, no nonce, a subject.
func validateLogoutClaims(claims jwt.MapClaims) *oautherr.Error {
	evs, ok := claims["events"].(map[string]any)
	if !ok {
		return oautherr.InvalidRequest("logout token carries no events claim")
	}
	if _, ok := evs[token.BackchannelLogoutEvent]; !ok {
		return oautherr.InvalidRequest("logout token carries no backchannel-logout event")
	}
	if _, has := claims["nonce"]; has {
		return oautherr.InvalidRequest("logout token must not carry a nonce")
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return oautherr.InvalidRequest("logout token carries no subject")
	}
	return nil
}

// audienceClient resolves the token's aud to a registered client, when it
// names one.
func (o *Orchestrator) audienceClient(ctx context.Context, claims jwt.MapClaims) *clients.Client {
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return nil
	}
	client, err := o.clients.Get(ctx, aud[0])
	if err != nil {
		return nil
	}
	return client
}

func (o *Orchestrator) basicAuthOK(r *http.Request, client *clients.Client) bool {
	id, secret, ok := clientauth.BasicCredentials(r)
	if !ok || id != client.ID {
		return false
	}
	return client.SecretMatches(secret)
}
