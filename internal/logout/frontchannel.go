package logout

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/token"
)

// ErrorPagePath is where failed post-logout redirects land.
const ErrorPagePath = "/logout/error"

// HandleFrontChannel is the GET /logout handler (RP-initiated logout).
// The browser-cookie session is always terminated; the hinted sid session
// only when the id_token_hint signature verified. Redirect validation
// never blocks the logout itself.
func (o *Orchestrator) HandleFrontChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	hint := q.Get("id_token_hint")
	postRedirect := q.Get("post_logout_redirect_uri")
	state := q.Get("state")

	var (
		claims   *token.IDClaims
		verified bool
	)
	if hint != "" {
		parsed, err := o.minter.ParseIDToken(ctx, hint, true)
		if err != nil {
			o.log.Warn().Err(err).Msg("Logout id_token_hint rejected")
		} else {
			claims, verified = parsed, true
		}
	}

	var initiator *clients.Client
	if verified && len(claims.Audience) > 0 {
		if c, err := o.clients.Get(ctx, claims.Audience[0]); err == nil {
			initiator = c
		}
	}
	initiatorID, tenant := "", ""
	if initiator != nil {
		initiatorID, tenant = initiator.ID, initiator.Tenant
	}

	var frames []*session.SessionClient
	cookieSID := ""
	if c, err := r.Cookie(session.CookieSession); err == nil {
		cookieSID = c.Value
	}
	if session.IsSharded(cookieSID) {
		term, err := o.Terminate(ctx, TerminateParams{SessionID: cookieSID, ClientID: initiatorID, Tenant: tenant, Cause: CauseFrontChannel})
		if err != nil {
			o.log.Error().Err(err).Msg("Cookie session termination failed")
		} else {
			frames = append(frames, term.FrontChannel...)
		}
	}
	// The hinted sid is honored only on a verified signature, so forged
	// hints cannot kill arbitrary sessions.
	if verified && claims.SID != "" && claims.SID != cookieSID {
		if !session.IsSharded(claims.SID) {
			o.log.Warn().Str("sid", claims.SID).Msg("Logout hint carries legacy sid, skipping")
		} else {
			term, err := o.Terminate(ctx, TerminateParams{SessionID: claims.SID, ClientID: initiatorID, Tenant: tenant, Cause: CauseFrontChannel})
			if err != nil {
				o.log.Error().Err(err).Msg("Hinted session termination failed")
			} else {
				frames = append(frames, term.FrontChannel...)
			}
		}
	}

	target := o.resolveRedirect(ctx, initiator, verified, postRedirect, state)
	o.clearCookies(w)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if len(frames) == 0 {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	o.renderFrames(w, r, frames, target)
}

// resolveRedirect picks the post-logout target. Validation failures land
// on the local error page with a stable error parameter; the user is
// logged out either way.
func (o *Orchestrator) resolveRedirect(ctx context.Context, initiator *clients.Client, verified bool, postRedirect, state string) string {
	if postRedirect == "" {
		if def := o.provider.Get(ctx, config.KeyLogoutDefaultRedirect); def != "" {
			return def
		}
		return "/"
	}
	if !verified || initiator == nil || !initiator.AllowsPostLogoutRedirect(postRedirect) {
		return ErrorPagePath + "?error=invalid_request"
	}
	if state == "" {
		return postRedirect
	}
	u, err := url.Parse(postRedirect)
	if err != nil {
		return ErrorPagePath + "?error=invalid_request"
	}
	qs := u.Query()
	qs.Set("state", state)
	u.RawQuery = qs.Encode()
	return u.String()
}

// clearCookies expires every cookie the session surface sets, with the
// SameSite they were set under so browsers accept the clearing response.
func (o *Orchestrator) clearCookies(w http.ResponseWriter) {
	expire := func(name string, httpOnly bool) {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: httpOnly,
			Secure:   true,
			SameSite: o.sameSite,
		})
	}
	expire(session.CookieSession, true)
	expire(session.CookieAdminSession, true)
	expire(session.CookieBrowserState, false)
}

func (o *Orchestrator) renderFrames(w http.ResponseWriter, r *http.Request, links []*session.SessionClient, target string) {
	data := frontChannelData{RedirectURI: target}
	seen := make(map[string]bool)
	for _, link := range links {
		src, err := frameURL(link, o.minter.Issuer())
		if err != nil {
			o.log.Warn().Err(err).Str("client_id", link.ClientID).Msg("Front-channel URI rejected")
			continue
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		data.Frames = append(data.Frames, src)
	}
	if len(data.Frames) == 0 {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := frontChannelPage.Execute(w, data); err != nil {
		o.log.Error().Err(err).Msg("Front-channel page render failed")
	}
}

// frameURL composes one iframe target: the client's registered URI plus
// iss, and sid when the client asked for it.
func frameURL(link *session.SessionClient, issuer string) (string, error) {
	u, err := url.Parse(link.FrontchannelLogoutURI)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	qs := u.Query()
	qs.Set("iss", issuer)
	if link.FrontchannelLogoutSessionRequired {
		qs.Set("sid", link.SessionID)
	}
	u.RawQuery = qs.Encode()
	return u.String(), nil
}

// HandleErrorPage renders the default post-logout error page. The error
// parameter is constrained to the stable value this package emits, so
// nothing attacker-controlled is reflected.
func (o *Orchestrator) HandleErrorPage(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("error")
	if code != "invalid_request" {
		code = "invalid_request"
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := errorPage.Execute(w, errorPageData{Error: code}); err != nil {
		o.log.Error().Err(err).Msg("Logout error page render failed")
	}
}
