// Package auth is the authentication front door: the session surface the
// SPA talks to, anonymous device login, anonymous-to-full upgrade, the
// PKCE-gated direct-auth API, DID link management, discovery metadata and
// dynamic client registration. Token issuance itself lives in the grant
// engine; this package produces the challenges and sessions it consumes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/consent"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/keyring"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/ratelimit"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/tenant"
)

// PasskeyVerifier checks a WebAuthn assertion against the stored challenge
// and resolves the authenticated user. The default rejects everything;
// deployments plug in their ceremony implementation.
type PasskeyVerifier func(ctx context.Context, challengeSecret string, credential json.RawMessage) (userID string, err error)

// DIDVerifier checks a signature over the registration nonce made with the
// DID's verification method. The default rejects everything.
type DIDVerifier func(ctx context.Context, did, nonce, signature string) error

// Deps carries the collaborators of the front-door handlers. Bus, Audit
// and Log may be nil; the verifier funcs default to not-configured errors.
type Deps struct {
	Issuer     string
	ShardCount int

	Sessions   session.Store
	Challenges challenge.Store
	AuthCodes  *challenge.AuthCodes
	Clients    *clients.Store
	Consents   consent.Store
	Devices    identity.DeviceStore
	Upgrades   identity.UpgradeStore
	Links      identity.LinkStore
	Hasher     *identity.Hasher
	Ring       *keyring.KeyRing
	Provider   *config.Provider
	Limiter    *ratelimit.Limiter
	Bus        events.Bus
	Audit      audit.Recorder
	Log        *common.Logger

	Passkeys PasskeyVerifier
	DIDs     DIDVerifier

	CookieSameSite http.SameSite
	CookieSecure   bool
}

// Handlers serves the authentication front door.
type Handlers struct {
	issuer     string
	shardCount int

	sessions   session.Store
	challenges challenge.Store
	authCodes  *challenge.AuthCodes
	clients    *clients.Store
	consents   consent.Store
	devices    identity.DeviceStore
	upgrades   identity.UpgradeStore
	links      identity.LinkStore
	hasher     *identity.Hasher
	ring       *keyring.KeyRing
	provider   *config.Provider
	limiter    *ratelimit.Limiter
	bus        events.Bus
	audit      audit.Recorder
	log        *common.Logger

	passkeys PasskeyVerifier
	dids     DIDVerifier

	sameSite http.SameSite
	secure   bool
}

func NewHandlers(d Deps) *Handlers {
	if d.Bus == nil {
		d.Bus = events.NopBus{}
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Log == nil {
		d.Log = common.NewSilentLogger()
	}
	if d.Consents == nil {
		d.Consents = consent.NewMemoryStore()
	}
	if d.ShardCount < 1 {
		d.ShardCount = 1
	}
	if d.CookieSameSite == 0 {
		d.CookieSameSite = http.SameSiteLaxMode
	}
	if d.Passkeys == nil {
		d.Passkeys = func(context.Context, string, json.RawMessage) (string, error) {
			return "", errNotConfigured("passkey verification")
		}
	}
	if d.DIDs == nil {
		d.DIDs = func(context.Context, string, string, string) error {
			return errNotConfigured("DID signature verification")
		}
	}
	return &Handlers{
		issuer:     strings.TrimRight(d.Issuer, "/"),
		shardCount: d.ShardCount,
		sessions:   d.Sessions,
		challenges: d.Challenges,
		authCodes:  d.AuthCodes,
		clients:    d.Clients,
		consents:   d.Consents,
		devices:    d.Devices,
		upgrades:   d.Upgrades,
		links:      d.Links,
		hasher:     d.Hasher,
		ring:       d.Ring,
		provider:   d.Provider,
		limiter:    d.Limiter,
		bus:        d.Bus,
		audit:      d.Audit,
		log:        d.Log,
		passkeys:   d.Passkeys,
		dids:       d.DIDs,
		sameSite:   d.CookieSameSite,
		secure:     d.CookieSecure,
	}
}

func errNotConfigured(what string) *oautherr.Error {
	return oautherr.New(http.StatusNotImplemented, oautherr.CodeServerError, what+" is not configured")
}

// writeJSON emits a success body. Everything this surface returns is
// per-user state, so nothing is cacheable.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into v.
func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return oautherr.InvalidRequest("invalid JSON body")
	}
	return nil
}

// sessionFromRequest resolves the live session behind the browser cookie.
// Missing cookies, legacy ids and dead sessions all come back ErrNotFound.
func (h *Handlers) sessionFromRequest(r *http.Request) (*session.Session, error) {
	c, err := r.Cookie(session.CookieSession)
	if err != nil || !session.IsSharded(c.Value) {
		return nil, session.ErrNotFound
	}
	return h.sessions.Get(r.Context(), c.Value)
}

// setSessionCookies establishes the browser session: the HttpOnly session
// cookie plus the script-readable BROWSER_STATE value the check-session
// iframe compares against.
func (h *Handlers) setSessionCookies(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieSession,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: h.sameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieBrowserState,
		Value:    common.RandomURLSafe(16),
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: false,
		Secure:   h.secure,
		SameSite: h.sameSite,
	})
}

// requireAnonymousSession loads the cookie session and checks it is an
// anonymous one; the upgrade surface only operates on those.
func (h *Handlers) requireAnonymousSession(r *http.Request) (*session.Session, *oautherr.Error) {
	sess, err := h.sessionFromRequest(r)
	if err != nil {
		return nil, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session")
	}
	if sess.Data[session.DataIsAnonymous] != "true" {
		return nil, oautherr.InvalidRequest("session is not anonymous")
	}
	return sess, nil
}

// tenantOrDefault normalizes an optional tenant label from a request body.
func tenantOrDefault(id string) string {
	if id == "" {
		return tenant.DefaultTenant
	}
	return id
}

// clientIP extracts the caller address for rate-limit keys, honoring the
// leftmost X-Forwarded-For entry the proxy appended.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// newEmailCode mints a six-digit one-time code.
func newEmailCode() string {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// maskEmail hides the local part beyond its first character, keeping
// status responses useful without echoing the address back wholesale.
func maskEmail(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 1 {
		return addr
	}
	return addr[:1] + strings.Repeat("*", at-1) + addr[at:]
}

// mintLocalUserID returns a fresh subject for a full (non-anonymous) user.
func mintLocalUserID() string {
	return "usr_" + common.NewID()
}

// mintAnonUserID returns a fresh subject for an anonymous device user.
func mintAnonUserID() string {
	return "anon_" + common.NewID()
}
