package auth

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/session"
)

// HandleSessionToken is POST /auth/session/token. It mints a short-lived
// one-time token bound to the caller's session, for handing the session to
// a first-party origin where third-party cookie rules (ITP) would block
// the cookie from traveling directly.
func (h *Handlers) HandleSessionToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}

	ttl := h.provider.GetDuration(ctx, config.KeySessionTokenTTL)
	now := time.Now()
	id := challenge.MintID("st", "", h.shardCount)
	if err := h.challenges.Put(ctx, &challenge.Challenge{
		ID:        id,
		Kind:      challenge.KindSessionToken,
		SubjectID: sess.UserID,
		Secret:    sess.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		h.log.Error().Err(err).Msg("Session token mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": id,
		"expires_in":    int(ttl.Seconds()),
	})
}

// HandleSessionVerify is POST /auth/session/verify. It burns a session
// token and establishes the cookie session on this origin. Exactly one
// verify per token succeeds.
func (h *Handlers) HandleSessionVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req struct {
		SessionToken string `json:"session_token"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.SessionToken == "" {
		oautherr.Write(w, oautherr.InvalidRequest("session_token is required"))
		return
	}

	ch, err := h.challenges.Consume(ctx, req.SessionToken, func(c *challenge.Challenge) error {
		if c.Kind != challenge.KindSessionToken {
			return challenge.ErrPredicateMismatch
		}
		return nil
	})
	if err != nil {
		oautherr.Write(w, oautherr.InvalidGrant("session token is invalid or expired"))
		return
	}

	sess, err := h.sessions.Get(ctx, ch.Secret)
	if err != nil {
		oautherr.Write(w, oautherr.InvalidGrant("session is no longer active"))
		return
	}

	h.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       sess.UserID,
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// HandleSessionStatus is GET /session/status. Absent or dead sessions are
// a 200 with authenticated=false; the SPA polls this.
func (h *Handlers) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	body := map[string]any{
		"authenticated": true,
		"user_id":       sess.UserID,
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if sess.Data[session.DataIsAnonymous] == "true" {
		body["is_anonymous"] = true
		body["upgrade_eligible"] = sess.Data[session.DataUpgradeEligible] == "true"
	}
	if amr := sess.Data[session.DataAMR]; amr != "" {
		body["amr"] = amr
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleSessionRefresh is POST /session/refresh: sliding-window extension,
// capped at the session's configured maximum past creation.
func (h *Handlers) HandleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	c, err := r.Cookie(session.CookieSession)
	if err != nil || !session.IsSharded(c.Value) {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}

	extra := h.provider.GetDuration(ctx, config.KeySessionTTL)
	sess, err := h.sessions.Extend(ctx, c.Value, extra)
	if errors.Is(err, session.ErrNotFound) {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "session is no longer active"))
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Session extend failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.setSessionCookies(w, sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// checkSessionPage is the OIDC Session Management check-session iframe.
// The embedded script recomputes the RP-supplied session_state from the
// BROWSER_STATE cookie and answers changed/unchanged over postMessage.
var checkSessionPage = template.Must(template.New("check").Parse(`<!DOCTYPE html>
<html><head><title>check session</title></head><body>
<script>
function getBrowserState() {
  var m = document.cookie.match(/(?:^|; )BROWSER_STATE=([^;]*)/);
  return m ? m[1] : "";
}
window.addEventListener("message", function (e) {
  var parts = (typeof e.data === "string") ? e.data.split(" ") : [];
  if (parts.length !== 2) { e.source.postMessage("error", e.origin); return; }
  var clientId = parts[0];
  var stateAndSalt = parts[1].split(".");
  if (stateAndSalt.length !== 2) { e.source.postMessage("error", e.origin); return; }
  var salt = stateAndSalt[1];
  var input = clientId + " " + e.origin + " " + getBrowserState() + " " + salt;
  crypto.subtle.digest("SHA-256", new TextEncoder().encode(input)).then(function (buf) {
    var bytes = new Uint8Array(buf);
    var hex = "";
    for (var i = 0; i < bytes.length; i++) { hex += bytes[i].toString(16).padStart(2, "0"); }
    var status = (hex === stateAndSalt[0]) ? "unchanged" : "changed";
    e.source.postMessage(status, e.origin);
  }).catch(function () { e.source.postMessage("error", e.origin); });
}, false);
</script>
</body></html>
`))

// HandleSessionCheck is GET /session/check, serving the check-session
// iframe page. The page itself carries no session data, so it is safe to
// serve to any origin; the state comparison happens in the browser.
func (h *Handlers) HandleSessionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := checkSessionPage.Execute(w, nil); err != nil {
		h.log.Error().Err(err).Msg("Check-session page render failed")
	}
}
