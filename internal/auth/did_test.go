package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/authrim/authrim/internal/audit"
)

const testDID = "did:example:123456"

// openDIDChallenge mints a registration challenge for the session.
func openDIDChallenge(t *testing.T, h *Handlers, cookie *http.Cookie, did string) (string, string) {
	t.Helper()
	rr := do(t, h.HandleDIDChallenge, http.MethodPost, "/auth/did/register/challenge",
		map[string]any{"did": did}, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("did challenge failed: %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	id, _ := body["challenge_id"].(string)
	nonce, _ := body["nonce"].(string)
	return id, nonce
}

func TestDID_LinkRoundtrip(t *testing.T) {
	env := newAuthEnv(t)
	var gotNonce string
	h := env.handlersWith(func(d *Deps) {
		d.DIDs = func(_ context.Context, did, nonce, signature string) error {
			gotNonce = nonce
			return nil
		}
	})
	sess := env.createSession(t, "usr_1", nil)
	cookie := sessionCookie(sess)

	id, nonce := openDIDChallenge(t, h, cookie, testDID)
	rr := do(t, h.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig",
			"verification_method": testDID + "#key-1"}, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["linked"] != true || body["did"] != testDID {
		t.Errorf("verify body: %v", body)
	}
	if gotNonce != nonce {
		t.Error("verifier did not receive the challenge nonce")
	}

	rr = do(t, h.HandleDIDList, http.MethodGet, "/auth/did/list", nil, cookie)
	body := decodeBody(t, rr)
	dids, _ := body["dids"].([]any)
	if len(dids) != 1 {
		t.Fatalf("list = %v", body)
	}
	entry, _ := dids[0].(map[string]any)
	if entry["did"] != testDID || entry["linked_at"] == nil {
		t.Errorf("list entry: %v", entry)
	}

	if len(env.audits.ByAction(audit.ActionIdentityLinked)) != 1 {
		t.Error("no link audit entry")
	}
}

func TestDID_VerifierRejection(t *testing.T) {
	env := newAuthEnv(t)
	h := env.handlersWith(func(d *Deps) {
		d.DIDs = func(context.Context, string, string, string) error {
			return errors.New("bad signature")
		}
	})
	sess := env.createSession(t, "usr_1", nil)
	cookie := sessionCookie(sess)

	id, _ := openDIDChallenge(t, h, cookie, testDID)
	rr := do(t, h.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig"}, cookie)
	wantWireError(t, rr, http.StatusBadRequest, "invalid_grant")
}

func TestDID_NotConfigured(t *testing.T) {
	env := newAuthEnv(t)
	sess := env.createSession(t, "usr_1", nil)
	cookie := sessionCookie(sess)

	id, _ := openDIDChallenge(t, env.handlers, cookie, testDID)
	rr := do(t, env.handlers.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig"}, cookie)
	wantWireError(t, rr, http.StatusNotImplemented, "server_error")
}

func TestDID_ForeignChallengeRejected(t *testing.T) {
	env := newAuthEnv(t)
	h := env.handlersWith(func(d *Deps) {
		d.DIDs = func(context.Context, string, string, string) error { return nil }
	})
	owner := env.createSession(t, "usr_owner", nil)
	other := env.createSession(t, "usr_other", nil)

	id, _ := openDIDChallenge(t, h, sessionCookie(owner), testDID)
	rr := do(t, h.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig"}, sessionCookie(other))
	wantWireError(t, rr, http.StatusBadRequest, "invalid_grant")
}

func TestDID_AlreadyLinkedElsewhere(t *testing.T) {
	env := newAuthEnv(t)
	h := env.handlersWith(func(d *Deps) {
		d.DIDs = func(context.Context, string, string, string) error { return nil }
	})

	link := func(user string) *http.Cookie {
		sess := env.createSession(t, user, nil)
		return sessionCookie(sess)
	}

	first := link("usr_first")
	id, _ := openDIDChallenge(t, h, first, testDID)
	rr := do(t, h.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig"}, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("first link failed: %d", rr.Code)
	}

	second := link("usr_second")
	id, _ = openDIDChallenge(t, h, second, testDID)
	rr = do(t, h.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig"}, second)
	wantWireError(t, rr, http.StatusConflict, "invalid_request")
}

func TestDID_Unlink(t *testing.T) {
	env := newAuthEnv(t)
	h := env.handlersWith(func(d *Deps) {
		d.DIDs = func(context.Context, string, string, string) error { return nil }
	})
	sess := env.createSession(t, "usr_1", nil)
	cookie := sessionCookie(sess)

	id, _ := openDIDChallenge(t, h, cookie, testDID)
	if rr := do(t, h.HandleDIDVerify, http.MethodPost, "/auth/did/register/verify",
		map[string]any{"challenge_id": id, "did": testDID, "signature": "sig"}, cookie); rr.Code != http.StatusOK {
		t.Fatalf("link failed: %d", rr.Code)
	}

	rr := do(t, h.HandleDIDUnlink, http.MethodDelete, "/auth/did/unlink/"+testDID, nil, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("unlink failed: %d %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["unlinked"] != true {
		t.Errorf("unlink body: %v", body)
	}

	rr = do(t, h.HandleDIDUnlink, http.MethodDelete, "/auth/did/unlink/"+testDID, nil, cookie)
	wantWireError(t, rr, http.StatusNotFound, "invalid_request")

	if n := len(env.audits.ByAction(audit.ActionIdentityUnlinked)); n != 1 {
		t.Errorf("unlink audit entries = %d", n)
	}
}

func TestDID_ChallengeValidation(t *testing.T) {
	env := newAuthEnv(t)

	rr := do(t, env.handlers.HandleDIDChallenge, http.MethodPost, "/auth/did/register/challenge",
		map[string]any{"did": testDID})
	wantWireError(t, rr, http.StatusUnauthorized, "invalid_request")

	sess := env.createSession(t, "usr_1", nil)
	rr = do(t, env.handlers.HandleDIDChallenge, http.MethodPost, "/auth/did/register/challenge",
		map[string]any{"did": "not-a-did"}, sessionCookie(sess))
	wantWireError(t, rr, http.StatusBadRequest, "invalid_request")
}
