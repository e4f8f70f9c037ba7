package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/keyring"
	"github.com/authrim/authrim/internal/ratelimit"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/storage"
)

const testIssuer = "https://id.example.com"

// kvMap lets tests override runtime config keys through the Provider's
// KV layer.
type kvMap map[string]string

func (m kvMap) Get(_ context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", errors.New("no value")
}

type authEnv struct {
	deps     Deps
	handlers *Handlers

	sessions   session.Store
	challenges challenge.Store
	authCodes  *challenge.AuthCodes
	clients    *clients.Store
	devices    *identity.MemoryDeviceStore
	upgrades   *identity.MemoryUpgradeStore
	links      *identity.MemoryLinkStore
	overrides  kvMap
	audits     *audit.Memory
	recorder   *events.Recorder
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	log := common.NewSilentLogger()
	ctx := context.Background()

	ring := keyring.New(keyring.NewMemoryStore(), "ES256", time.Minute, log)
	if err := ring.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap keyring: %v", err)
	}

	overrides := kvMap{}
	provider := config.NewProvider(overrides, log)

	kv := storage.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })

	recorder := events.NewRecorder()
	bus := events.NewAsyncBus(recorder, 256, log)
	t.Cleanup(func() { _ = bus.Close() })

	challenges := challenge.NewMemoryStore(4)
	env := &authEnv{
		sessions:   session.NewMemoryStore(4, 24*time.Hour),
		challenges: challenges,
		authCodes:  challenge.NewAuthCodes(challenges, 4),
		clients:    clients.NewStore(nil, log),
		devices:    identity.NewMemoryDeviceStore(),
		upgrades:   identity.NewMemoryUpgradeStore(),
		links:      identity.NewMemoryLinkStore(),
		overrides:  overrides,
		audits:     audit.NewMemory(),
		recorder:   recorder,
	}
	env.deps = Deps{
		Issuer:     testIssuer,
		ShardCount: 4,
		Sessions:   env.sessions,
		Challenges: env.challenges,
		AuthCodes:  env.authCodes,
		Clients:    env.clients,
		Devices:    env.devices,
		Upgrades:   env.upgrades,
		Links:      env.links,
		Hasher:     identity.NewHasher([]byte("auth-env-device-secret")),
		Ring:       ring,
		Provider:   provider,
		Limiter:    ratelimit.NewLimiter(kv, log),
		Bus:        bus,
		Audit:      env.audits,
		Log:        log,
	}
	env.handlers = NewHandlers(env.deps)
	return env
}

// handlersWith rebuilds the handlers over the same stores with a
// modification to the deps, for tests that plug in verifiers.
func (env *authEnv) handlersWith(mod func(*Deps)) *Handlers {
	d := env.deps
	mod(&d)
	return NewHandlers(d)
}

func (env *authEnv) addClient(c *clients.Client) *clients.Client {
	if c.AuthMethod == "" {
		c.AuthMethod = clients.AuthMethodNone
		c.Public = true
	}
	env.clients.Put(context.Background(), c)
	return c
}

func (env *authEnv) createSession(t *testing.T, userID string, data map[string]string) *session.Session {
	t.Helper()
	sess, err := env.sessions.Create(context.Background(), userID, time.Hour, data)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (env *authEnv) anonSessionData(deviceHash string) map[string]string {
	return map[string]string{
		session.DataIsAnonymous:     "true",
		session.DataUpgradeEligible: "true",
		session.DataAMR:             "anon",
		session.DataACR:             "0",
		session.DataDeviceIDHash:    deviceHash,
		session.DataTenantID:        "default",
	}
}

func sessionCookie(sess *session.Session) *http.Cookie {
	return &http.Cookie{Name: session.CookieSession, Value: sess.ID}
}

// do runs one handler with an optional JSON body and cookies.
func do(t *testing.T, handler func(http.ResponseWriter, *http.Request), method, target string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, testIssuer+target, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		r.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	handler(rr, r)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return out
}

// wantWireError asserts the RFC 6749 error body.
func wantWireError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d (body %s)", status, rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["error"] != code {
		t.Fatalf("expected error %q, got %v", code, body["error"])
	}
}

// issuedSessionCookie extracts the session cookie set by a response.
func issuedSessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieSession {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", session.CookieSession)
	return nil
}

func browserStateCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieBrowserState {
			return c
		}
	}
	return nil
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a****@example.com",
		"ab@example.com":    "a*@example.com",
		"a@example.com":     "a@example.com",
		"nodomain":          "nodomain",
	}
	for in, want := range cases {
		if got := maskEmail(in); got != want {
			t.Errorf("maskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewEmailCode_SixDigits(t *testing.T) {
	for i := 0; i < 50; i++ {
		code := newEmailCode()
		if len(code) != 6 {
			t.Fatalf("code %q is not six digits", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q has a non-digit", code)
			}
		}
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5000"
	if got := clientIP(r); got != "10.1.2.3" {
		t.Errorf("remote addr ip = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("forwarded ip = %q", got)
	}
}

func TestSessionToken_RequiresSession(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleSessionToken, http.MethodPost, "/auth/session/token", nil)
	wantWireError(t, rr, http.StatusUnauthorized, "invalid_request")
}

func TestSessionToken_VerifyEstablishesCookie(t *testing.T) {
	env := newAuthEnv(t)
	sess := env.createSession(t, "usr_1", nil)

	rr := do(t, env.handlers.HandleSessionToken, http.MethodPost, "/auth/session/token", nil, sessionCookie(sess))
	if rr.Code != http.StatusOK {
		t.Fatalf("token mint failed: %d %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeBody(t, rr)["session_token"].(string)
	if token == "" {
		t.Fatal("no session_token in response")
	}

	rr = do(t, env.handlers.HandleSessionVerify, http.MethodPost, "/auth/session/verify",
		map[string]any{"session_token": token})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["authenticated"] != true || body["user_id"] != "usr_1" {
		t.Errorf("unexpected verify body: %v", body)
	}
	if c := issuedSessionCookie(t, rr); c.Value != sess.ID {
		t.Errorf("cookie carries %q, want the original session id", c.Value)
	}
	if !issuedSessionCookie(t, rr).HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
	if bs := browserStateCookie(rr); bs == nil || bs.HttpOnly {
		t.Error("browser state cookie must exist and be script-readable")
	}
}

func TestSessionVerify_OneShot(t *testing.T) {
	env := newAuthEnv(t)
	sess := env.createSession(t, "usr_1", nil)

	rr := do(t, env.handlers.HandleSessionToken, http.MethodPost, "/auth/session/token", nil, sessionCookie(sess))
	token, _ := decodeBody(t, rr)["session_token"].(string)

	first := do(t, env.handlers.HandleSessionVerify, http.MethodPost, "/auth/session/verify",
		map[string]any{"session_token": token})
	if first.Code != http.StatusOK {
		t.Fatalf("first verify failed: %d", first.Code)
	}
	second := do(t, env.handlers.HandleSessionVerify, http.MethodPost, "/auth/session/verify",
		map[string]any{"session_token": token})
	wantWireError(t, second, http.StatusBadRequest, "invalid_grant")
}

func TestSessionVerify_DeadSession(t *testing.T) {
	env := newAuthEnv(t)
	sess := env.createSession(t, "usr_1", nil)

	rr := do(t, env.handlers.HandleSessionToken, http.MethodPost, "/auth/session/token", nil, sessionCookie(sess))
	token, _ := decodeBody(t, rr)["session_token"].(string)

	if _, err := env.sessions.Invalidate(context.Background(), sess.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	rr = do(t, env.handlers.HandleSessionVerify, http.MethodPost, "/auth/session/verify",
		map[string]any{"session_token": token})
	wantWireError(t, rr, http.StatusBadRequest, "invalid_grant")
}

func TestSessionStatus_NoSession(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleSessionStatus, http.MethodGet, "/session/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["authenticated"] != false {
		t.Errorf("expected authenticated=false, got %v", body)
	}
}

func TestSessionStatus_AnonymousSession(t *testing.T) {
	env := newAuthEnv(t)
	sess := env.createSession(t, "anon_1", env.anonSessionData("hash"))

	rr := do(t, env.handlers.HandleSessionStatus, http.MethodGet, "/session/status", nil, sessionCookie(sess))
	body := decodeBody(t, rr)
	if body["authenticated"] != true || body["is_anonymous"] != true || body["upgrade_eligible"] != true {
		t.Errorf("unexpected status body: %v", body)
	}
	if body["amr"] != "anon" {
		t.Errorf("amr = %v", body["amr"])
	}
}

func TestSessionRefresh_Extends(t *testing.T) {
	env := newAuthEnv(t)
	sess, err := env.sessions.Create(context.Background(), "usr_1", time.Minute, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := do(t, env.handlers.HandleSessionRefresh, http.MethodPost, "/session/refresh", nil, sessionCookie(sess))
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh failed: %d %s", rr.Code, rr.Body.String())
	}
	raw, _ := decodeBody(t, rr)["expires_at"].(string)
	got, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("expires_at %q: %v", raw, err)
	}
	if !got.After(sess.ExpiresAt) {
		t.Errorf("expiry did not move: %v -> %v", sess.ExpiresAt, got)
	}
	issuedSessionCookie(t, rr)
}

func TestSessionRefresh_NoSession(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleSessionRefresh, http.MethodPost, "/session/refresh", nil)
	wantWireError(t, rr, http.StatusUnauthorized, "invalid_request")
}

func TestSessionCheck_ServesIframePage(t *testing.T) {
	env := newAuthEnv(t)
	rr := do(t, env.handlers.HandleSessionCheck, http.MethodGet, "/session/check", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("check page = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), session.CookieBrowserState) {
		t.Error("page does not reference the browser state cookie")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Error("check page must not be cacheable")
	}
}

func TestHandlers_MethodGuards(t *testing.T) {
	env := newAuthEnv(t)
	guards := []struct {
		name    string
		handler func(http.ResponseWriter, *http.Request)
		method  string
	}{
		{"session token", env.handlers.HandleSessionToken, http.MethodGet},
		{"session verify", env.handlers.HandleSessionVerify, http.MethodGet},
		{"session status", env.handlers.HandleSessionStatus, http.MethodPost},
		{"anon challenge", env.handlers.HandleAnonChallenge, http.MethodGet},
		{"upgrade start", env.handlers.HandleUpgradeStart, http.MethodGet},
		{"register", env.handlers.HandleRegister, http.MethodGet},
		{"discovery", env.handlers.HandleDiscovery, http.MethodPost},
	}
	for _, g := range guards {
		rr := do(t, g.handler, g.method, "/", nil)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: %s got %d, want 405", g.name, g.method, rr.Code)
		}
	}
}
