package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/session"
)

const metaAttempts = "attempts"

// HandleUpgradeStart is POST /api/auth/upgrade. An anonymous session opens
// an upgrade toward a verified identifier; the one-time code is minted
// here and would be delivered out of band (transport is not this
// server's job, so it lands in the log).
func (h *Handlers) HandleUpgradeStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, oe := h.requireAnonymousSession(r)
	if oe != nil {
		oautherr.Write(w, oe)
		return
	}

	var req struct {
		Method      string `json:"method"`
		Email       string `json:"email"`
		PreserveSub bool   `json:"preserve_sub"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.Method == "" {
		req.Method = "email"
	}
	if req.Method != "email" {
		oautherr.Write(w, oautherr.InvalidRequest("unsupported upgrade method"))
		return
	}
	if req.Email == "" {
		oautherr.Write(w, oautherr.InvalidRequest("email is required"))
		return
	}

	rateKey := "email-send:" + req.Email
	if d := h.limiter.Allow(ctx, rateKey, h.provider.GetInt(ctx, config.KeyRateEmailSend), time.Hour); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		oautherr.Write(w, oautherr.RateLimited("too many codes requested for this address"))
		return
	}

	now := time.Now()
	ttl := h.provider.GetDuration(ctx, config.KeyUpgradeTTL)
	code := newEmailCode()
	chID := challenge.MintID("ec", "", h.shardCount)
	ch := &challenge.Challenge{
		ID:        chID,
		Kind:      challenge.KindEmailCode,
		SubjectID: sess.UserID,
		Secret:    code,
		CreatedAt: now,
		ExpiresAt: now.Add(h.provider.GetDuration(ctx, config.KeyEmailCodeTTL)),
	}
	ch.SetMeta("email", req.Email)
	ch.SetMeta(metaAttempts, "0")
	if err := h.challenges.Put(ctx, ch); err != nil {
		h.log.Error().Err(err).Msg("Upgrade code mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	upg := &identity.Upgrade{
		TenantID:        sess.Data[session.DataTenantID],
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Method:          req.Method,
		Target:          req.Email,
		PreserveSubject: req.PreserveSub,
		Nonce:           common.RandomURLSafe(24),
		ChallengeID:     chID,
		ExpiresAt:       now.Add(ttl),
	}
	if err := h.upgrades.Create(ctx, upg); err != nil {
		h.log.Error().Err(err).Msg("Upgrade create failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}
	// The nonce binds the upgrade row to this browser session server-side;
	// it never travels to the client.
	if _, err := h.sessions.UpdateData(ctx, sess.ID, map[string]string{
		session.DataUpgradeNonce: upg.Nonce,
	}); err != nil {
		h.log.Error().Err(err).Msg("Upgrade nonce store failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.log.Info().Str("upgrade_id", upg.ID).Str("email", maskEmail(req.Email)).Str("code", code).
		Msg("Upgrade verification code issued")

	writeJSON(w, http.StatusOK, map[string]any{
		"upgrade_id": upg.ID,
		"method":     upg.Method,
		"expires_in": int(ttl.Seconds()),
	})
}

// HandleUpgradeComplete is POST /api/auth/upgrade/complete. The session
// that started the upgrade presents the emailed code; on success the
// session stops being anonymous, keeping or replacing its subject per
// preserve_sub, and the device's anonymous identity is retired.
func (h *Handlers) HandleUpgradeComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, oe := h.requireAnonymousSession(r)
	if oe != nil {
		oautherr.Write(w, oe)
		return
	}

	var req struct {
		UpgradeID string `json:"upgrade_id"`
		Code      string `json:"code"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.UpgradeID == "" || req.Code == "" {
		oautherr.Write(w, oautherr.InvalidRequest("upgrade_id and code are required"))
		return
	}

	upg, err := h.upgrades.Get(ctx, req.UpgradeID)
	if err != nil {
		oautherr.Write(w, oautherr.InvalidGrant("unknown upgrade"))
		return
	}
	now := time.Now()
	if upg.Status != identity.UpgradePending || upg.Expired(now) {
		oautherr.Write(w, oautherr.InvalidGrant("upgrade is no longer open"))
		return
	}
	// Only the session that opened the upgrade may complete it, and its
	// server-held nonce must still match the row.
	if upg.SessionID != sess.ID || upg.Nonce == "" ||
		subtle.ConstantTimeCompare([]byte(upg.Nonce), []byte(sess.Data[session.DataUpgradeNonce])) != 1 {
		oautherr.Write(w, oautherr.InvalidGrant("upgrade does not belong to this session"))
		return
	}

	maxAttempts := h.provider.GetInt(ctx, config.KeyEmailOTPMaxAttempts)
	if _, err := h.challenges.Consume(ctx, upg.ChallengeID, emailCodePredicate(req.Code, maxAttempts)); err != nil {
		if errors.Is(err, challenge.ErrPredicateMismatch) {
			oautherr.Write(w, oautherr.InvalidGrant("verification code rejected"))
			return
		}
		oautherr.Write(w, oautherr.InvalidGrant("verification code is invalid or expired"))
		return
	}

	newUserID := upg.UserID
	if !upg.PreserveSubject {
		newUserID = mintLocalUserID()
	}
	done, err := h.upgrades.Complete(ctx, upg.ID, newUserID, now)
	if errors.Is(err, identity.ErrUpgradeCompleted) {
		oautherr.Write(w, oautherr.InvalidGrant("upgrade already completed"))
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Upgrade completion failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	if !upg.PreserveSubject {
		if _, err := h.sessions.UpdateUser(ctx, sess.ID, newUserID); err != nil {
			h.log.Error().Err(err).Str("session_id", sess.ID).Msg("Session subject swap failed")
			oautherr.Write(w, oautherr.ServerError())
			return
		}
	}
	if _, err := h.sessions.UpdateData(ctx, sess.ID, map[string]string{
		session.DataIsAnonymous:     "false",
		session.DataUpgradeEligible: "false",
		session.DataVerifiedEmail:   upg.Target,
		session.DataUpgradeNonce:    "",
		session.DataAMR:             "otp",
	}); err != nil {
		h.log.Error().Err(err).Str("session_id", sess.ID).Msg("Session data update failed")
	}
	// The device's anonymous identity is spent: a later anon login from the
	// same device starts a fresh anonymous user.
	if hash := sess.Data[session.DataDeviceIDHash]; hash != "" {
		if err := h.devices.Deactivate(ctx, upg.TenantID, hash); err != nil {
			h.log.Warn().Err(err).Msg("Device deactivation failed")
		}
	}

	h.bus.Publish(events.UserUpgraded, upg.TenantID, map[string]any{
		"old_user_id":  upg.UserID,
		"new_user_id":  newUserID,
		"preserve_sub": upg.PreserveSubject,
		"method":       upg.Method,
	})
	h.bus.Publish(events.AuthEmailCodeSucceeded, upg.TenantID, map[string]any{
		"user_id": newUserID,
		"flow":    "upgrade",
	})
	h.audit.Record(ctx, &audit.Entry{
		Action:    audit.ActionUserUpgraded,
		ActorID:   newUserID,
		SessionID: sess.ID,
		TenantID:  upg.TenantID,
		Detail: map[string]any{
			"old_user_id":  upg.UserID,
			"preserve_sub": upg.PreserveSubject,
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"upgraded":     true,
		"user_id":      newUserID,
		"preserve_sub": upg.PreserveSubject,
		"completed_at": done.CompletedAt.UTC().Format(time.RFC3339),
	})
}

// HandleUpgradeStatus is GET /api/auth/upgrade/status?upgrade_id=…,
// answering only to the session that owns the upgrade.
func (h *Handlers) HandleUpgradeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}
	id := r.URL.Query().Get("upgrade_id")
	if id == "" {
		oautherr.Write(w, oautherr.InvalidRequest("upgrade_id is required"))
		return
	}

	upg, err := h.upgrades.Get(ctx, id)
	if err != nil || upg.SessionID != sess.ID {
		oautherr.Write(w, oautherr.InvalidGrant("unknown upgrade"))
		return
	}

	status := upg.Status
	if status == identity.UpgradePending && upg.Expired(time.Now()) {
		status = "expired"
	}
	body := map[string]any{
		"upgrade_id": upg.ID,
		"status":     status,
		"method":     upg.Method,
		"target":     maskEmail(upg.Target),
		"expires_at": upg.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if status == identity.UpgradeCompleted {
		body["completed_at"] = upg.CompletedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// emailCodePredicate matches a presented code against the challenge,
// counting attempts in challenge metadata. Counter mutations persist on
// rejection, so guessing burns attempts even though the challenge stays
// live until the cap.
func emailCodePredicate(code string, maxAttempts int) challenge.Predicate {
	return func(c *challenge.Challenge) error {
		if c.Kind != challenge.KindEmailCode {
			return challenge.ErrPredicateMismatch
		}
		attempts, _ := strconv.Atoi(c.MetaValue(metaAttempts))
		if maxAttempts > 0 && attempts >= maxAttempts {
			return fmt.Errorf("%w: attempt limit reached", challenge.ErrPredicateMismatch)
		}
		if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(code)) != 1 {
			c.SetMeta(metaAttempts, strconv.Itoa(attempts+1))
			return fmt.Errorf("%w: code mismatch", challenge.ErrPredicateMismatch)
		}
		return nil
	}
}
