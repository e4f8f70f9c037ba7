package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/oautherr"
)

const consentRedirect = "https://rp.example/cb"

// record runs one handler against a prepared request.
func record(handler func(http.ResponseWriter, *http.Request), r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler(rr, r)
	return rr
}

func (env *authEnv) addConsentClient() *clients.Client {
	return env.addClient(&clients.Client{
		ID:            "demo-client",
		Name:          "Demo Client",
		RedirectURIs:  []string{consentRedirect},
		GrantTypes:    []string{"authorization_code"},
		AllowedScopes: []string{"openid", "profile"},
	})
}

// openConsentChallenge seeds the consent_pending record the authorize
// handler would leave behind.
func (env *authEnv) openConsentChallenge(t *testing.T, scope string) string {
	t.Helper()
	id := challenge.MintID("consent", "", 4)
	err := env.challenges.Put(context.Background(), &challenge.Challenge{
		ID:        id,
		Kind:      challenge.KindConsentPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
		Meta: map[string]string{
			metaClientID:      "demo-client",
			metaScope:         scope,
			metaRedirectURI:   consentRedirect,
			metaState:         "st-1",
			metaNonce:         "n-1",
			metaCodeChallenge: challenge.GenerateCodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"),
			metaTenantID:      "default",
		},
	})
	if err != nil {
		t.Fatalf("seed consent challenge: %v", err)
	}
	return id
}

func TestConsentGet_ReturnsScreenData(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid profile")

	req, _ := http.NewRequest(http.MethodGet, testIssuer+"/auth/consent?challenge_id="+id, nil)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(sessionCookie(sess))
	rr := record(env.handlers.HandleConsentGet, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	client, _ := body["client"].(map[string]any)
	if client["client_id"] != "demo-client" || client["client_name"] != "Demo Client" {
		t.Errorf("unexpected client block: %v", body["client"])
	}
	scopes, _ := body["requested_scopes"].([]any)
	if len(scopes) != 2 {
		t.Errorf("expected two requested scopes, got %v", scopes)
	}
}

func TestConsentGet_HTMLWithoutAcceptJSON(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid")

	req, _ := http.NewRequest(http.MethodGet, testIssuer+"/auth/consent?challenge_id="+id, nil)
	req.AddCookie(sessionCookie(sess))
	rr := record(env.handlers.HandleConsentGet, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected HTML, got %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "Demo Client") {
		t.Error("page should name the client")
	}
}

func TestConsentGet_RequiresSession(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	id := env.openConsentChallenge(t, "openid")

	req, _ := http.NewRequest(http.MethodGet, testIssuer+"/auth/consent?challenge_id="+id, nil)
	rr := record(env.handlers.HandleConsentGet, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestConsentPost_ApproveMintsCode(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid profile")

	rr := do(t, env.handlers.HandleConsentPost, http.MethodPost, "/auth/consent", map[string]any{
		"challenge_id": id,
		"approved":     true,
	}, sessionCookie(sess))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	redirect, _ := body["redirect_to"].(string)
	if !strings.HasPrefix(redirect, consentRedirect+"?") {
		t.Fatalf("unexpected redirect %q", redirect)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatal("expected a code parameter")
	}
	if u.Query().Get("state") != "st-1" {
		t.Errorf("state should round-trip, got %q", u.Query().Get("state"))
	}

	// The minted record is a real auth code bound to the session user.
	rec, err := env.authCodes.Consume(context.Background(), code, "demo-client", "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	if err != nil {
		t.Fatalf("consume minted code: %v", err)
	}
	if rec.UserID != "user-1" || rec.SID != sess.ID || rec.Nonce != "n-1" {
		t.Errorf("code record lost authorize context: %+v", rec)
	}

	// Standing grant recorded.
	grant, err := env.handlers.consents.Get(context.Background(), "user-1", "demo-client")
	if err != nil {
		t.Fatalf("consent lookup: %v", err)
	}
	if grant.Scope != "openid profile" {
		t.Errorf("unexpected granted scope %q", grant.Scope)
	}

	if len(env.audits.ByAction(audit.ActionConsentGranted)) != 1 {
		t.Error("expected one consent.granted audit row")
	}
}

func TestConsentPost_SelectedScopesNarrow(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid profile")

	rr := do(t, env.handlers.HandleConsentPost, http.MethodPost, "/auth/consent", map[string]any{
		"challenge_id":    id,
		"approved":        true,
		"selected_scopes": []string{"openid", "email"},
	}, sessionCookie(sess))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	u, _ := url.Parse(body["redirect_to"].(string))
	rec, err := env.authCodes.Consume(context.Background(), u.Query().Get("code"), "demo-client", "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	if err != nil {
		t.Fatalf("consume minted code: %v", err)
	}
	// "email" was never requested; only the intersection survives.
	if rec.Scope != "openid" {
		t.Errorf("expected narrowed scope openid, got %q", rec.Scope)
	}
}

func TestConsentPost_DenyRedirectsAccessDenied(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid")

	rr := do(t, env.handlers.HandleConsentPost, http.MethodPost, "/auth/consent", map[string]any{
		"challenge_id": id,
		"approved":     false,
	}, sessionCookie(sess))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	redirect, _ := body["redirect_to"].(string)
	if !strings.Contains(redirect, "error=access_denied") {
		t.Errorf("expected access_denied redirect, got %q", redirect)
	}
	if _, err := env.handlers.consents.Get(context.Background(), "user-1", "demo-client"); err == nil {
		t.Error("denial must not record a standing grant")
	}
}

func TestConsentPost_ChallengeIsOneShot(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid")

	first := do(t, env.handlers.HandleConsentPost, http.MethodPost, "/auth/consent", map[string]any{
		"challenge_id": id,
		"approved":     true,
	}, sessionCookie(sess))
	if first.Code != http.StatusOK {
		t.Fatalf("first decision failed: %d", first.Code)
	}
	second := do(t, env.handlers.HandleConsentPost, http.MethodPost, "/auth/consent", map[string]any{
		"challenge_id": id,
		"approved":     true,
	}, sessionCookie(sess))
	wantWireError(t, second, http.StatusBadRequest, oautherr.CodeInvalidRequest)
}

func TestConsentPost_ConcurrentDecisionsSingleWinner(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid")

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := do(t, env.handlers.HandleConsentPost, http.MethodPost, "/auth/consent", map[string]any{
				"challenge_id": id,
				"approved":     true,
			}, sessionCookie(sess))
			codes[i] = rr.Code
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, c := range codes {
		if c == http.StatusOK {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d (codes %v)", winners, codes)
	}
}

func TestConsentPost_FormEncodedBody(t *testing.T) {
	env := newAuthEnv(t)
	env.addConsentClient()
	sess := env.createSession(t, "user-1", nil)
	id := env.openConsentChallenge(t, "openid")

	form := url.Values{"challenge_id": {id}, "approved": {"true"}}
	req, _ := http.NewRequest(http.MethodPost, testIssuer+"/auth/consent", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(sessionCookie(sess))
	rr := record(env.handlers.HandleConsentPost, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if !env.recorder.WaitFor(events.ConsentGranted, 1, time.Second) {
		t.Fatal("expected a consent.granted event")
	}
}
