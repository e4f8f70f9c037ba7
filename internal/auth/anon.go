package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/session"
)

// Challenge metadata keys shared by the anon-login pair.
const (
	metaDeviceHash = "device_id_hash"
	metaStability  = "stability"
	metaTenantID   = "tenant_id"
)

// HandleAnonChallenge is POST /api/auth/anon-login/challenge. It opens an
// anonymous login attempt for a device: the caller gets a one-time nonce
// it must echo at verify, and the device id is hashed here so the raw
// value never reaches a store.
func (h *Handlers) HandleAnonChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req struct {
		DeviceID  string `json:"device_id"`
		TenantID  string `json:"tenant_id"`
		Stability string `json:"stability"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.DeviceID == "" {
		oautherr.Write(w, oautherr.InvalidRequest("device_id is required"))
		return
	}
	stability := identity.Stability(req.Stability)
	if req.Stability == "" {
		stability = identity.StabilitySession
	}
	if !stability.Valid() {
		oautherr.Write(w, oautherr.InvalidRequest("unknown device stability"))
		return
	}
	tenantID := tenantOrDefault(req.TenantID)

	rateKey := fmt.Sprintf("anon:%s:%s", tenantID, clientIP(r))
	if d := h.limiter.Allow(ctx, rateKey, h.provider.GetInt(ctx, config.KeyRateAnonLogin), time.Minute); !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		oautherr.Write(w, oautherr.RateLimited("too many anonymous login attempts"))
		return
	}

	ttl := h.provider.GetDuration(ctx, config.KeyAnonChallengeTTL)
	now := time.Now()
	id := challenge.MintID("al", "", h.shardCount)
	nonce := common.RandomURLSafe(24)
	ch := &challenge.Challenge{
		ID:        id,
		Kind:      challenge.KindAnonLogin,
		Secret:    nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ch.SetMeta(metaDeviceHash, h.hasher.DeviceHash(tenantID, req.DeviceID))
	ch.SetMeta(metaStability, string(stability))
	ch.SetMeta(metaTenantID, tenantID)
	if err := h.challenges.Put(ctx, ch); err != nil {
		h.log.Error().Err(err).Msg("Anon challenge mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": id,
		"nonce":        nonce,
		"expires_in":   int(ttl.Seconds()),
	})
}

// HandleAnonVerify is POST /api/auth/anon-login/verify. A device presenting
// the challenge, its nonce and the same device id resolves to its standing
// anonymous user (or a fresh one) and gets a cookie session.
func (h *Handlers) HandleAnonVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req struct {
		ChallengeID string `json:"challenge_id"`
		DeviceID    string `json:"device_id"`
		Nonce       string `json:"nonce"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.ChallengeID == "" || req.DeviceID == "" || req.Nonce == "" {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id, device_id and nonce are required"))
		return
	}

	ch, err := h.challenges.Consume(ctx, req.ChallengeID, func(c *challenge.Challenge) error {
		if c.Kind != challenge.KindAnonLogin {
			return challenge.ErrPredicateMismatch
		}
		if subtle.ConstantTimeCompare([]byte(c.Secret), []byte(req.Nonce)) != 1 {
			return fmt.Errorf("%w: nonce mismatch", challenge.ErrPredicateMismatch)
		}
		hash := h.hasher.DeviceHash(c.MetaValue(metaTenantID), req.DeviceID)
		if subtle.ConstantTimeCompare([]byte(c.MetaValue(metaDeviceHash)), []byte(hash)) != 1 {
			return fmt.Errorf("%w: device mismatch", challenge.ErrPredicateMismatch)
		}
		return nil
	})
	if err != nil {
		h.bus.Publish(events.AuthLoginFailed, "", map[string]any{"method": "anon"})
		oautherr.Write(w, oautherr.InvalidGrant("challenge is invalid or expired"))
		return
	}

	tenantID := ch.MetaValue(metaTenantID)
	stability := identity.Stability(ch.MetaValue(metaStability))
	hash := ch.MetaValue(metaDeviceHash)

	candidate := &identity.AnonymousDevice{
		TenantID:     tenantID,
		UserID:       mintAnonUserID(),
		DeviceIDHash: hash,
		Stability:    stability,
	}
	if ttl := stability.TTL(); ttl > 0 {
		candidate.ExpiresAt = time.Now().Add(ttl)
	}
	dev, created, err := h.devices.Upsert(ctx, candidate)
	if err != nil {
		h.log.Error().Err(err).Msg("Anon device upsert failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	sess, err := h.sessions.Create(ctx, dev.UserID, h.provider.GetDuration(ctx, config.KeySessionTTL), map[string]string{
		session.DataIsAnonymous:     "true",
		session.DataUpgradeEligible: "true",
		session.DataAMR:             "anon",
		session.DataACR:             "0",
		session.DataDeviceIDHash:    hash,
		session.DataTenantID:        tenantID,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Anon session create failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.setSessionCookies(w, sess)
	h.bus.Publish(events.AuthLoginSucceeded, tenantID, map[string]any{
		"method":    "anon",
		"user_id":   dev.UserID,
		"stability": string(stability),
	})
	if created {
		h.bus.Publish(events.SessionUserCreated, tenantID, map[string]any{
			"user_id":   dev.UserID,
			"anonymous": true,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       dev.UserID,
		"is_new_user":   created,
		"stability":     string(dev.Stability),
		"expires_at":    sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
