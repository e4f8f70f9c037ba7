package grant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clientauth"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/devicesecret"
	"github.com/authrim/authrim/internal/dpop"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/keyring"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/ratelimit"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/revocation"
	"github.com/authrim/authrim/internal/secretbox"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/storage"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

const testIssuer = "https://op.example.com"

// testVerifier is the RFC 7636 appendix B code verifier.
const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

// kvMap lets tests override runtime config keys through the Provider's
// KV layer.
type kvMap map[string]string

func (m kvMap) Get(_ context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", errors.New("no value")
}

type testEnv struct {
	engine      *Engine
	clients     *clients.Store
	minter      *token.Minter
	provider    *config.Provider
	authCodes   *challenge.AuthCodes
	deviceCodes *challenge.DeviceCodes
	ciba        *challenge.CIBARequests
	refresh     *refresh.Manager
	revocations revocation.Index
	secrets     *devicesecret.Manager
	links       *session.MemoryClientIndex
	trust       *TrustRing
	overrides   kvMap
	recorder    *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := common.NewSilentLogger()
	ctx := context.Background()

	ring := keyring.New(keyring.NewMemoryStore(), "ES256", time.Minute, log)
	if err := ring.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap keyring: %v", err)
	}
	minter := token.NewMinter(ring, testIssuer, 4, log)

	overrides := kvMap{}
	provider := config.NewProvider(overrides, log)

	tenants := tenant.NewProfiles(provider, map[string]config.TenantConfig{
		tenant.DefaultTenant: {
			AllowsRefreshToken:      true,
			AllowsTokenExchange:     true,
			AllowsClientCredentials: true,
			AllowsCIBA:              true,
			AllowsJWTBearer:         true,
			AllowsDeviceCode:        true,
			AllowsNativeSSO:         true,
		},
		"locked": {},
		"exchange-only": {
			AllowsTokenExchange: true,
		},
	}, log)

	clientStore := clients.NewStore(nil, log)

	kv := storage.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })

	recorder := events.NewRecorder()
	bus := events.NewAsyncBus(recorder, 256, log)
	t.Cleanup(func() { _ = bus.Close() })

	trustRing, err := NewTrustRing(testIssuer, nil)
	if err != nil {
		t.Fatalf("trust ring: %v", err)
	}

	box, err := secretbox.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}

	challenges := challenge.NewMemoryStore(4)
	env := &testEnv{
		clients:     clientStore,
		minter:      minter,
		provider:    provider,
		authCodes:   challenge.NewAuthCodes(challenges, 4),
		deviceCodes: challenge.NewDeviceCodes(challenges, 4),
		ciba:        challenge.NewCIBARequests(challenges, 4),
		refresh:     refresh.NewManager(refresh.NewMemoryStore(), refresh.NoopMirror{}, []int{8}, log),
		revocations: revocation.NewMemoryIndex(4),
		secrets:     devicesecret.NewManager(devicesecret.NewMemoryStore(), log),
		links:       session.NewMemoryClientIndex(),
		trust:       trustRing,
		overrides:   overrides,
		recorder:    recorder,
	}
	env.engine = NewEngine(Deps{
		Clients:        clientStore,
		Authenticator:  clientauth.NewAuthenticator(clientStore, testIssuer, log),
		Tenants:        tenants,
		Minter:         minter,
		Provider:       provider,
		AuthCodes:      env.authCodes,
		DeviceCodes:    env.deviceCodes,
		CIBARequests:   env.ciba,
		Refresh:        env.refresh,
		Revocations:    env.revocations,
		DPoP:           dpop.NewValidator(kv, 5*time.Minute, 10*time.Minute, log),
		SessionClients: env.links,
		DeviceSecrets:  env.secrets,
		Trust:          trustRing,
		Limiter:        ratelimit.NewLimiter(kv, log),
		Replays:        kv,
		WebhookBox:     box,
		Bus:            bus,
		Log:            log,
	})
	return env
}

// addClient registers a client, defaulting the auth method from the
// secret the way seed loading does.
func (env *testEnv) addClient(c *clients.Client) *clients.Client {
	if c.AuthMethod == "" {
		if c.Secret != "" {
			c.AuthMethod = clients.AuthMethodBasic
		} else {
			c.AuthMethod = clients.AuthMethodNone
			c.Public = true
		}
	}
	env.clients.Put(context.Background(), c)
	return c
}

func tokenRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, testIssuer+"/oauth2/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func (env *testEnv) exchange(form url.Values) (*Response, error) {
	return env.engine.Exchange(tokenRequest(form))
}

func (env *testEnv) accessClaims(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	claims, err := env.minter.ParseSigned(context.Background(), raw, false)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	return claims
}

// issueCode stores an authorization code, defaulting the PKCE challenge
// to the shared test verifier.
func (env *testEnv) issueCode(t *testing.T, rec *challenge.AuthCodeRecord) string {
	t.Helper()
	if rec.CodeChallenge == "" {
		rec.CodeChallenge = challenge.GenerateCodeChallenge(testVerifier)
		rec.CodeChallengeMethod = "S256"
	}
	code, err := env.authCodes.New(context.Background(), rec, time.Minute)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	return code
}

func wantOAuthError(t *testing.T, err error, code string) *oautherr.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, request succeeded", code)
	}
	oe, ok := oautherr.As(err)
	if !ok {
		t.Fatalf("expected wire error %s, got %v", code, err)
	}
	if oe.Code != code {
		t.Fatalf("expected %s, got %s (%s)", code, oe.Code, oe.Description)
	}
	return oe
}

func TestEngine_RejectsNonPOST(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest(http.MethodGet, testIssuer+"/oauth2/token", nil)
	_, err := env.engine.Exchange(r)
	oe := wantOAuthError(t, err, oautherr.CodeInvalidRequest)
	if oe.Status != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", oe.Status)
	}
}

func TestEngine_RejectsWrongContentType(t *testing.T) {
	env := newTestEnv(t)
	r := httptest.NewRequest(http.MethodPost, testIssuer+"/oauth2/token", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	_, err := env.engine.Exchange(r)
	wantOAuthError(t, err, oautherr.CodeInvalidRequest)
}

func TestEngine_RejectsMissingGrantType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.exchange(url.Values{})
	wantOAuthError(t, err, oautherr.CodeInvalidRequest)
}

func TestEngine_RejectsUnknownGrantType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.exchange(url.Values{"grant_type": {"password"}})
	oe := wantOAuthError(t, err, oautherr.CodeUnsupportedGrantType)
	if !strings.Contains(oe.Description, "password") {
		t.Errorf("description should name the grant, got %q", oe.Description)
	}
}

func TestEngine_PreambleUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.exchange(url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"ghost"},
		"client_secret": {"whatever"},
	})
	oe := wantOAuthError(t, err, oautherr.CodeInvalidClient)
	if oe.Status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", oe.Status)
	}
}

func TestEngine_PreambleBadSecret(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(&clients.Client{
		ID:         "svc",
		Secret:     "right",
		GrantTypes: []string{GrantClientCredentials},
	})
	_, err := env.exchange(url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"svc"},
		"client_secret": {"wrong"},
	})
	wantOAuthError(t, err, oautherr.CodeInvalidClient)
}

func TestEngine_PreambleTenantGate(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(&clients.Client{
		ID:         "locked-svc",
		Secret:     "s3cret",
		GrantTypes: []string{GrantClientCredentials},
		Tenant:     "locked",
	})
	_, err := env.exchange(url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"locked-svc"},
		"client_secret": {"s3cret"},
	})
	oe := wantOAuthError(t, err, oautherr.CodeUnauthorizedClient)
	if !strings.Contains(oe.Description, "tenant") {
		t.Errorf("expected tenant gate description, got %q", oe.Description)
	}
}

func TestEngine_PreambleClientGrantGate(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(&clients.Client{
		ID:         "web",
		Secret:     "s3cret",
		GrantTypes: []string{GrantAuthorizationCode},
	})
	_, err := env.exchange(url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"web"},
		"client_secret": {"s3cret"},
	})
	wantOAuthError(t, err, oautherr.CodeUnauthorizedClient)
}

func TestEngine_HandleTokenResponseHeaders(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(&clients.Client{
		ID:            "svc",
		Secret:        "s3cret",
		GrantTypes:    []string{GrantClientCredentials},
		AllowedScopes: []string{"api.read"},
	})

	w := httptest.NewRecorder()
	env.engine.HandleToken(w, tokenRequest(url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"svc"},
		"client_secret": {"s3cret"},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", cc)
	}
	if pragma := w.Header().Get("Pragma"); pragma != "no-cache" {
		t.Errorf("expected Pragma no-cache, got %q", pragma)
	}
	var body Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken == "" || body.TokenType != TokenTypeBearer {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestEngine_HandleTokenWritesWireError(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.engine.HandleToken(w, tokenRequest(url.Values{"grant_type": {"password"}}))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != oautherr.CodeUnsupportedGrantType {
		t.Errorf("expected unsupported_grant_type, got %q", body["error"])
	}
}
