package server

import (
	"net/http"

	"github.com/authrim/authrim/internal/logout"
)

// setupRoutes binds every HTTP surface to its path. Method patterns keep
// the 405s in the mux instead of inside each handler.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	engine := s.app.Engine
	front := s.app.Auth
	ends := s.app.Logout

	// Token lifecycle.
	mux.HandleFunc("POST /token", s.smoothed(engine.HandleToken))
	mux.HandleFunc("POST /revoke", engine.HandleRevoke)
	mux.HandleFunc("POST /device/authorize", engine.HandleDeviceAuthorize)
	mux.HandleFunc("POST /ciba/authorize", engine.HandleCIBAAuthorize)

	// Discovery and registration.
	mux.HandleFunc("GET /.well-known/openid-configuration", front.HandleDiscovery)
	mux.HandleFunc("GET /.well-known/jwks.json", front.HandleJWKS)
	mux.HandleFunc("POST /register", front.HandleRegister)

	// Consent and the authorize-side challenges.
	mux.HandleFunc("GET /auth/consent", front.HandleConsentGet)
	mux.HandleFunc("POST /auth/consent", front.HandleConsentPost)
	mux.HandleFunc("GET /auth/login-challenge", front.HandleLoginChallenge)

	// Browser session surface.
	mux.HandleFunc("POST /auth/session/token", front.HandleSessionToken)
	mux.HandleFunc("POST /auth/session/verify", front.HandleSessionVerify)
	mux.HandleFunc("GET /session/status", front.HandleSessionStatus)
	mux.HandleFunc("POST /session/refresh", front.HandleSessionRefresh)
	mux.HandleFunc("GET /session/check", front.HandleSessionCheck)

	// Anonymous device login and account upgrade.
	mux.HandleFunc("POST /api/auth/anon-login/challenge", front.HandleAnonChallenge)
	mux.HandleFunc("POST /api/auth/anon-login/verify", front.HandleAnonVerify)
	mux.HandleFunc("POST /api/auth/upgrade", front.HandleUpgradeStart)
	mux.HandleFunc("POST /api/auth/upgrade/complete", front.HandleUpgradeComplete)
	mux.HandleFunc("GET /api/auth/upgrade/status", front.HandleUpgradeStatus)

	// PKCE-gated direct authentication API.
	mux.HandleFunc("POST /api/v1/auth/direct/email/send", front.HandleDirectEmailSend)
	mux.HandleFunc("POST /api/v1/auth/direct/email/verify", front.HandleDirectEmailVerify)
	mux.HandleFunc("POST /api/v1/auth/direct/passkey/start", front.HandleDirectPasskeyStart)
	mux.HandleFunc("POST /api/v1/auth/direct/passkey/finish", front.HandleDirectPasskeyFinish)

	// DID linking.
	mux.HandleFunc("POST /auth/did/register/challenge", front.HandleDIDChallenge)
	mux.HandleFunc("POST /auth/did/register/verify", front.HandleDIDVerify)
	mux.HandleFunc("GET /auth/did/list", front.HandleDIDList)
	mux.HandleFunc("DELETE /auth/did/unlink/{did}", front.HandleDIDUnlink)

	// Logout.
	mux.HandleFunc("GET /logout", ends.HandleFrontChannel)
	mux.HandleFunc("POST /logout/backchannel", ends.HandleBackChannel)
	mux.HandleFunc("GET "+logout.ErrorPagePath, ends.HandleErrorPage)

	mux.HandleFunc("GET /health", s.handleHealth)

	// JSON 404 for unmatched API routes.
	mux.HandleFunc("/api/", s.handleNotFound)

	return mux
}

// smoothed applies the in-process token-endpoint limiter in front of a
// handler. The per-client limits live in the grant engine; this only
// sheds load when the process itself is saturated.
func (s *Server) smoothed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.app.Tokens != nil && !s.app.Tokens.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"slow_down"}`))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleNotFound returns a JSON 404 for unmatched API routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error":"not_found","message":"The requested endpoint does not exist"}`))
}
