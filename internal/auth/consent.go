package auth

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/consent"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/session"
)

// Meta keys a consent_pending challenge carries from the authorize
// request. The authorize handler writes them; the decision below reads
// them to mint the code.
const (
	metaRedirectURI         = "redirect_uri"
	metaState               = "state"
	metaNonce               = "nonce"
	metaCodeChallengeMethod = "code_challenge_method"
	metaACR                 = "acr"
	metaDPoPJKT             = "dpop_jkt"
)

type consentDecision struct {
	ChallengeID    string   `json:"challenge_id"`
	Approved       bool     `json:"approved"`
	SelectedOrgID  string   `json:"selected_org_id,omitempty"`
	ActingAsUserID string   `json:"acting_as_user_id,omitempty"`
	SelectedScopes []string `json:"selected_scopes,omitempty"`
	AckPolicies    struct {
		Privacy string `json:"privacy_policy_version,omitempty"`
		TOS     string `json:"tos_version,omitempty"`
	} `json:"acknowledged_policy_versions"`
}

// HandleConsentGet is GET /auth/consent?challenge_id=…. It returns the
// data the consent screen renders: who is asking, for what, and whether a
// standing grant already covers the request. The challenge is not touched;
// only the POST decides.
func (h *Handlers) HandleConsentGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "sign-in required"))
		return
	}

	id := r.URL.Query().Get("challenge_id")
	if id == "" {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id is required"))
		return
	}
	ch, err := h.challenges.Get(ctx, id)
	if err != nil || ch.Kind != challenge.KindConsentPending || ch.Consumed() || ch.Expired(time.Now()) {
		oautherr.Write(w, oautherr.New(http.StatusNotFound, oautherr.CodeInvalidRequest, "consent challenge is not open"))
		return
	}

	clientID := ch.MetaValue(metaClientID)
	client, err := h.clients.Get(ctx, clientID)
	if err != nil {
		oautherr.Write(w, oautherr.ServerError())
		return
	}
	requested := common.SplitScope(ch.MetaValue(metaScope))

	body := map[string]any{
		"challenge_id": ch.ID,
		"client": map[string]any{
			"client_id":   client.ID,
			"client_name": client.Name,
		},
		"requested_scopes": requested,
		"expires_in":       int(time.Until(ch.ExpiresAt).Seconds()),
	}
	if privacy := h.provider.Get(ctx, config.KeyPrivacyPolicyVersion); privacy != "" {
		body["privacy_policy_version"] = privacy
	}
	if tos := h.provider.Get(ctx, config.KeyTOSVersion); tos != "" {
		body["tos_version"] = tos
	}
	if existing, err := h.consents.Get(ctx, sess.UserID, client.ID); err == nil && !existing.Expired(time.Now()) {
		body["granted_scopes"] = existing.Granted()
		body["needs_policy_upgrade"] = existing.NeedsUpgrade(
			h.provider.Get(ctx, config.KeyPrivacyPolicyVersion),
			h.provider.Get(ctx, config.KeyTOSVersion),
		)
	}

	if !strings.Contains(r.Header.Get("Accept"), "application/json") {
		h.renderConsentPage(w, client.Name, ch.ID, requested)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleConsentPost is POST /auth/consent: the user's decision. The
// consent_pending challenge is consumed exactly once; approval upserts the
// standing grant and mints the authorization code, denial sends the client
// an access_denied redirect. Either way the challenge is gone.
func (h *Handlers) HandleConsentPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "sign-in required"))
		return
	}

	var req consentDecision
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := readJSON(r, &req); err != nil {
			oautherr.Write(w, oautherr.From(err))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			oautherr.Write(w, oautherr.InvalidRequest("malformed request body"))
			return
		}
		req.ChallengeID = r.PostFormValue("challenge_id")
		req.Approved = r.PostFormValue("approved") == "true"
		if raw := r.PostFormValue("selected_scopes"); raw != "" {
			req.SelectedScopes = common.SplitScope(raw)
		}
		req.AckPolicies.Privacy = r.PostFormValue("privacy_policy_version")
		req.AckPolicies.TOS = r.PostFormValue("tos_version")
	}
	if req.ChallengeID == "" {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id is required"))
		return
	}

	ch, err := h.challenges.Consume(ctx, req.ChallengeID, func(c *challenge.Challenge) error {
		if c.Kind != challenge.KindConsentPending {
			return challenge.ErrPredicateMismatch
		}
		return nil
	})
	if err != nil {
		oautherr.Write(w, consentConsumeError(err))
		return
	}

	clientID := ch.MetaValue(metaClientID)
	client, err := h.clients.Get(ctx, clientID)
	if err != nil {
		oautherr.Write(w, oautherr.ServerError())
		return
	}
	tenantID := ch.MetaValue(metaTenantID)
	redirectURI := ch.MetaValue(metaRedirectURI)
	state := ch.MetaValue(metaState)

	if !req.Approved {
		h.bus.Publish(events.ConsentDenied, tenantID, map[string]any{
			"user_id":   sess.UserID,
			"client_id": client.ID,
		})
		h.audit.Record(ctx, &audit.Entry{
			Action:    audit.ActionConsentDenied,
			ActorID:   sess.UserID,
			ClientID:  client.ID,
			SessionID: sess.ID,
			TenantID:  tenantID,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"redirect_to": consentErrorRedirect(redirectURI, state),
		})
		return
	}

	requested := ch.MetaValue(metaScope)
	selected := req.SelectedScopes
	if len(selected) > 0 {
		selected = common.SplitScope(common.ScopeIntersect(common.JoinScope(selected), requested))
	}

	grant := &consent.Consent{
		UserID:               sess.UserID,
		ClientID:             client.ID,
		Scope:                requested,
		SelectedScopes:       selected,
		GrantedAt:            time.Now(),
		PrivacyPolicyVersion: req.AckPolicies.Privacy,
		TOSVersion:           req.AckPolicies.TOS,
	}
	if ttl := h.provider.GetDuration(ctx, config.KeyConsentTTL); ttl > 0 {
		grant.ExpiresAt = time.Now().Add(ttl)
	}
	if err := h.consents.Upsert(ctx, grant); err != nil {
		h.log.Error().Err(err).Str("client_id", client.ID).Msg("Consent upsert failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	granted := requested
	if len(selected) > 0 {
		granted = common.JoinScope(selected)
	}
	code, err := h.authCodes.New(ctx, &challenge.AuthCodeRecord{
		TenantID:            tenantID,
		UserID:              sess.UserID,
		ClientID:            client.ID,
		Scope:               granted,
		RedirectURI:         redirectURI,
		Nonce:               ch.MetaValue(metaNonce),
		State:               state,
		AuthTime:            sess.CreatedAt,
		AMR:                 common.SplitScope(sess.Data[session.DataAMR]),
		ACR:                 firstNonEmpty(ch.MetaValue(metaACR), sess.Data[session.DataACR]),
		DPoPJKT:             ch.MetaValue(metaDPoPJKT),
		SID:                 sess.ID,
		IsAnonymous:         sess.Data[session.DataIsAnonymous] == "true",
		CodeChallenge:       ch.MetaValue(metaCodeChallenge),
		CodeChallengeMethod: firstNonEmpty(ch.MetaValue(metaCodeChallengeMethod), "S256"),
	}, h.provider.GetDuration(ctx, config.KeyAuthCodeTTL))
	if err != nil {
		h.log.Error().Err(err).Msg("Authorization code mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.bus.Publish(events.ConsentGranted, tenantID, map[string]any{
		"user_id":   sess.UserID,
		"client_id": client.ID,
		"scope":     granted,
	})
	h.audit.Record(ctx, &audit.Entry{
		Action:    audit.ActionConsentGranted,
		ActorID:   sess.UserID,
		ClientID:  client.ID,
		SessionID: sess.ID,
		TenantID:  tenantID,
		Detail:    map[string]any{"scope": granted},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"redirect_to": consentCodeRedirect(redirectURI, code, state),
	})
}

func consentConsumeError(err error) *oautherr.Error {
	switch {
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, challenge.ErrExpired):
		return oautherr.New(http.StatusNotFound, oautherr.CodeInvalidRequest, "consent challenge is not open")
	case errors.Is(err, challenge.ErrAlreadyConsumed):
		return oautherr.InvalidRequest("consent was already decided")
	case errors.Is(err, challenge.ErrPredicateMismatch):
		return oautherr.InvalidRequest("challenge is not a consent challenge")
	default:
		return oautherr.ServerError()
	}
}

func consentCodeRedirect(redirectURI, code, state string) string {
	q := url.Values{"code": {code}}
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

func consentErrorRedirect(redirectURI, state string) string {
	q := url.Values{"error": {"access_denied"}}
	if state != "" {
		q.Set("state", state)
	}
	return appendQuery(redirectURI, q)
}

func appendQuery(uri string, q url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + q.Encode()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type consentPageData struct {
	ClientName  string
	ChallengeID string
	Scopes      []string
}

// consentPage is the fallback HTML screen for browsers that do not ask
// for JSON. Everything user-controlled renders through html/template
// escaping.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>{{.ClientName}} is requesting access</h1>
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
<form method="POST" action="/auth/consent">
<input type="hidden" name="challenge_id" value="{{.ChallengeID}}">
<button name="approved" value="true">Allow</button>
<button name="approved" value="false">Deny</button>
</form>
</body>
</html>
`))

func (h *Handlers) renderConsentPage(w http.ResponseWriter, clientName, challengeID string, scopes []string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = consentPage.Execute(w, consentPageData{ClientName: clientName, ChallengeID: challengeID, Scopes: scopes})
}
