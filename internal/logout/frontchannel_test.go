package logout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/keyring"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/token"
)

func (env *logoutEnv) mintHint(t *testing.T, userID, clientID, sid string) string {
	t.Helper()
	raw, err := env.minter.MintIDToken(context.Background(), token.IDParams{
		Subject:   userID,
		ClientID:  clientID,
		TTL:       time.Minute,
		SessionID: sid,
	})
	if err != nil {
		t.Fatalf("mint id_token_hint: %v", err)
	}
	return raw
}

func getLogout(t *testing.T, orch *Orchestrator, query url.Values, cookie string) *httptest.ResponseRecorder {
	t.Helper()
	target := testIssuer + "/logout"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: session.CookieSession, Value: cookie})
	}
	rec := httptest.NewRecorder()
	orch.HandleFrontChannel(rec, req)
	return rec
}

func TestFrontChannel_TwoRPs(t *testing.T) {
	env := newLogoutEnv(t)
	ctx := context.Background()

	env.addClient(t, &clients.Client{
		ID:                     "rp1",
		RedirectURIs:           []string{"https://rp1.example.com/callback"},
		PostLogoutRedirectURIs: []string{"https://rp1.example.com/bye"},
	})
	sess := env.createSession(t, "user-1")
	env.link(t, &session.SessionClient{
		SessionID: sess.ID, ClientID: "rp1",
		FrontchannelLogoutURI:             "https://rp1.example.com/front",
		FrontchannelLogoutSessionRequired: true,
	})
	env.link(t, &session.SessionClient{
		SessionID: sess.ID, ClientID: "rp2",
		BackchannelLogoutURI: "https://rp2.example.com/back",
	})

	hint := env.mintHint(t, "user-1", "rp1", sess.ID)
	rec := getLogout(t, env.orch, url.Values{
		"id_token_hint":            {hint},
		"post_logout_redirect_uri": {"https://rp1.example.com/bye"},
		"state":                    {"af0ifjsldkj"},
	}, sess.ID)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if got := strings.Count(body, "<iframe"); got != 1 {
		t.Fatalf("iframe count = %d, want exactly 1\n%s", got, body)
	}
	if !strings.Contains(body, "rp1.example.com/front?iss=") {
		t.Errorf("iframe src lacks rp1 URI with iss param:\n%s", body)
	}
	if !strings.Contains(body, "sid=") {
		t.Error("session-required front-channel client did not get a sid")
	}
	if !strings.Contains(body, "https://rp1.example.com/bye?state=af0ifjsldkj") {
		t.Errorf("post-logout target missing from page:\n%s", body)
	}

	back := env.capture.backTasks()
	if len(back) != 1 || back[0].ClientID != "rp2" {
		t.Fatalf("backchannel tasks = %+v, want exactly one for rp2", back)
	}
	claims, err := env.minter.ParseSigned(ctx, back[0].LogoutToken, false)
	if err != nil {
		t.Fatalf("logout token: %v", err)
	}
	if _, has := claims["nonce"]; has {
		t.Error("logout token carries a nonce")
	}
	if _, ok := claims["events"].(map[string]any); !ok {
		t.Error("logout token carries no events claim")
	}

	var sessionCookie, browserState *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case session.CookieSession:
			sessionCookie = c
		case session.CookieBrowserState:
			browserState = c
		}
	}
	if sessionCookie == nil || browserState == nil {
		t.Fatal("clearing Set-Cookie headers missing")
	}
	for _, c := range []*http.Cookie{sessionCookie, browserState} {
		if c.Value != "" || c.MaxAge >= 0 {
			t.Errorf("cookie %s not cleared: value=%q maxage=%d", c.Name, c.Value, c.MaxAge)
		}
		if c.SameSite != http.SameSiteLaxMode {
			t.Errorf("cookie %s SameSite = %v, want Lax", c.Name, c.SameSite)
		}
	}

	if _, err := env.sessions.Get(ctx, sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session survived logout: %v", err)
	}
}

func TestFrontChannel_BackchannelDeliveredAfterResponse(t *testing.T) {
	env := newLogoutEnv(t)

	var mu sync.Mutex
	var tokens []string
	rp2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens = append(tokens, r.PostFormValue("logout_token"))
		mu.Unlock()
	}))
	defer rp2.Close()

	orch := env.orchWith(NewPool(NewDeliverer(nil, env.box, nil), 4, nil))
	sess := env.createSession(t, "user-1")
	env.link(t, &session.SessionClient{
		SessionID: sess.ID, ClientID: "rp2", BackchannelLogoutURI: rp2.URL,
	})

	rec := getLogout(t, orch, nil, sess.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	// The response is already written; draining the pool must finish the
	// delivery.
	if err := orch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", len(tokens))
	}
	claims, err := env.minter.ParseSigned(context.Background(), tokens[0], false)
	if err != nil {
		t.Fatalf("delivered token: %v", err)
	}
	if sid, _ := claims["sid"].(string); sid != sess.ID {
		t.Errorf("delivered sid = %q, want %q", sid, sess.ID)
	}
}

func TestFrontChannel_CookieSessionWithoutHint(t *testing.T) {
	env := newLogoutEnv(t)
	ctx := context.Background()
	sess := env.createSession(t, "user-1")

	rec := getLogout(t, env.orch, nil, sess.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
	if _, err := env.sessions.Get(ctx, sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("cookie session survived: %v", err)
	}
	if !env.recorder.WaitFor(events.UserLogout, 1, time.Second) {
		t.Error("logout event never arrived")
	}
}

func TestFrontChannel_ForgedHintCannotKillSession(t *testing.T) {
	env := newLogoutEnv(t)
	ctx := context.Background()
	victim := env.createSession(t, "user-1")

	// Signed by a different ring: parses nowhere on ours.
	log := common.NewSilentLogger()
	otherRing := keyring.New(keyring.NewMemoryStore(), "ES256", time.Minute, log)
	if err := otherRing.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	forger := token.NewMinter(otherRing, testIssuer, 4, log)
	forged, err := forger.MintIDToken(ctx, token.IDParams{
		Subject: "user-1", ClientID: "rp1", TTL: time.Minute, SessionID: victim.ID,
	})
	if err != nil {
		t.Fatalf("mint forged hint: %v", err)
	}

	rec := getLogout(t, env.orch, url.Values{"id_token_hint": {forged}}, "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if _, err := env.sessions.Get(ctx, victim.ID); err != nil {
		t.Fatalf("victim session was killed by a forged hint: %v", err)
	}
}

func TestFrontChannel_HintedSessionTerminated(t *testing.T) {
	env := newLogoutEnv(t)
	ctx := context.Background()
	env.addClient(t, &clients.Client{ID: "rp1", RedirectURIs: []string{"https://rp1.example.com/callback"}})

	browser := env.createSession(t, "user-1")
	device := env.createSession(t, "user-1")

	hint := env.mintHint(t, "user-1", "rp1", device.ID)
	rec := getLogout(t, env.orch, url.Values{"id_token_hint": {hint}}, browser.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	for _, id := range []string{browser.ID, device.ID} {
		if _, err := env.sessions.Get(ctx, id); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("session %s survived: %v", id, err)
		}
	}
}

func TestFrontChannel_RedirectValidation(t *testing.T) {
	env := newLogoutEnv(t)
	env.addClient(t, &clients.Client{
		ID:                     "rp1",
		RedirectURIs:           []string{"https://rp1.example.com/callback"},
		PostLogoutRedirectURIs: []string{"https://rp1.example.com/bye"},
	})
	sess := env.createSession(t, "user-1")
	hint := env.mintHint(t, "user-1", "rp1", sess.ID)

	rec := getLogout(t, env.orch, url.Values{
		"id_token_hint":            {hint},
		"post_logout_redirect_uri": {"https://evil.example.com/phish"},
	}, sess.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != ErrorPagePath+"?error=invalid_request" {
		t.Errorf("Location = %q, want stable error page", loc)
	}

	// The user is logged out regardless of where the redirect failed.
	if _, err := env.sessions.Get(context.Background(), sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session survived a failed redirect validation: %v", err)
	}
}

func TestFrontChannel_RedirectNeedsVerifiedHint(t *testing.T) {
	env := newLogoutEnv(t)
	env.addClient(t, &clients.Client{
		ID:                     "rp1",
		RedirectURIs:           []string{"https://rp1.example.com/callback"},
		PostLogoutRedirectURIs: []string{"https://rp1.example.com/bye"},
	})

	rec := getLogout(t, env.orch, url.Values{
		"id_token_hint":            {"not-a-token"},
		"post_logout_redirect_uri": {"https://rp1.example.com/bye"},
	}, "")
	if loc := rec.Header().Get("Location"); loc != ErrorPagePath+"?error=invalid_request" {
		t.Errorf("Location = %q, unverified hint must not authorize the redirect", loc)
	}
}

func TestFrontChannel_DefaultRedirectConfigurable(t *testing.T) {
	env := newLogoutEnv(t)
	env.overrides[config.KeyLogoutDefaultRedirect] = "https://portal.example.com/goodbye"

	rec := getLogout(t, env.orch, nil, "")
	if loc := rec.Header().Get("Location"); loc != "https://portal.example.com/goodbye" {
		t.Errorf("Location = %q, want configured default", loc)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestFrontChannel_SecondLogoutQuiet(t *testing.T) {
	env := newLogoutEnv(t)
	sess := env.createSession(t, "user-1")

	if rec := getLogout(t, env.orch, nil, sess.ID); rec.Code != http.StatusFound {
		t.Fatalf("first logout status = %d", rec.Code)
	}
	rec := getLogout(t, env.orch, nil, sess.ID)
	if rec.Code != http.StatusFound {
		t.Fatalf("second logout status = %d", rec.Code)
	}
	// Cookies are cleared again, but no second destroyed event fires.
	if !env.recorder.WaitFor(events.SessionUserDestroyed, 1, time.Second) {
		t.Fatal("destroyed event never arrived")
	}
	if env.recorder.WaitFor(events.SessionUserDestroyed, 2, 150*time.Millisecond) {
		t.Error("second logout emitted a second destroyed event")
	}
}

func TestErrorPage_ConstrainsParameter(t *testing.T) {
	env := newLogoutEnv(t)

	req := httptest.NewRequest(http.MethodGet, testIssuer+ErrorPagePath+"?error=%3Cscript%3E", nil)
	rec := httptest.NewRecorder()
	env.orch.HandleErrorPage(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Fatal("error page reflected attacker input")
	}
	if !strings.Contains(body, "invalid_request") {
		t.Errorf("error page lacks the stable code:\n%s", body)
	}
}
