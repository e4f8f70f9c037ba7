package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/oautherr"
	"github.com/authrim/authrim/internal/session"
)

const metaDID = "did"

// providerDID is the linked-identity provider label for decentralized ids.
const providerDID = "did"

// HandleDIDChallenge is POST /auth/did/register/challenge. A signed-in
// user opens a DID registration; the returned nonce is what the DID's key
// must sign.
func (h *Handlers) HandleDIDChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}

	var req struct {
		DID string `json:"did"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if !strings.HasPrefix(req.DID, "did:") {
		oautherr.Write(w, oautherr.InvalidRequest("a did:<method>:<id> identifier is required"))
		return
	}

	now := time.Now()
	ttl := h.provider.GetDuration(ctx, config.KeyAnonChallengeTTL)
	id := challenge.MintID("did", "", h.shardCount)
	nonce := common.RandomURLSafe(24)
	ch := &challenge.Challenge{
		ID:        id,
		Kind:      challenge.KindDIDRegistration,
		SubjectID: sess.UserID,
		Secret:    nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	ch.SetMeta(metaDID, req.DID)
	ch.SetMeta(metaTenantID, sess.Data[session.DataTenantID])
	if err := h.challenges.Put(ctx, ch); err != nil {
		h.log.Error().Err(err).Msg("DID challenge mint failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": id,
		"nonce":        nonce,
		"expires_in":   int(ttl.Seconds()),
	})
}

// HandleDIDVerify is POST /auth/did/register/verify. The signature over
// the nonce is checked by the configured verifier; a valid proof links
// the DID to the signed-in user.
func (h *Handlers) HandleDIDVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}

	var req struct {
		ChallengeID        string `json:"challenge_id"`
		DID                string `json:"did"`
		Signature          string `json:"signature"`
		VerificationMethod string `json:"verification_method"`
	}
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}
	if req.ChallengeID == "" || req.DID == "" || req.Signature == "" {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id, did and signature are required"))
		return
	}

	ch, err := h.challenges.Consume(ctx, req.ChallengeID, func(c *challenge.Challenge) error {
		if c.Kind != challenge.KindDIDRegistration || c.MetaValue(metaDID) != req.DID || c.SubjectID != sess.UserID {
			return challenge.ErrPredicateMismatch
		}
		return nil
	})
	if err != nil {
		oautherr.Write(w, oautherr.InvalidGrant("challenge is invalid or expired"))
		return
	}

	if err := h.dids(ctx, req.DID, ch.Secret, req.Signature); err != nil {
		var oerr *oautherr.Error
		if errors.As(err, &oerr) {
			oautherr.Write(w, oerr)
			return
		}
		oautherr.Write(w, oautherr.InvalidGrant("DID signature rejected"))
		return
	}

	link := &identity.LinkedIdentity{
		UserID:         sess.UserID,
		ProviderID:     providerDID,
		ProviderUserID: req.DID,
	}
	if req.VerificationMethod != "" {
		link.RawAttributes = map[string]string{"verification_method": req.VerificationMethod}
	}
	if err := h.links.Link(ctx, link); err != nil {
		if errors.Is(err, identity.ErrLinkTaken) {
			oautherr.Write(w, oautherr.New(http.StatusConflict, oautherr.CodeInvalidRequest, "DID is linked to another user"))
			return
		}
		h.log.Error().Err(err).Msg("DID link failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	tenantID := ch.MetaValue(metaTenantID)
	h.audit.Record(ctx, &audit.Entry{
		Action:   audit.ActionIdentityLinked,
		ActorID:  sess.UserID,
		TenantID: tenantID,
		Detail:   map[string]any{"provider": providerDID, "did": req.DID},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"linked": true,
		"did":    req.DID,
	})
}

// HandleDIDList is GET /auth/did/list: the signed-in user's linked DIDs.
func (h *Handlers) HandleDIDList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}

	links, err := h.links.ListByUser(r.Context(), sess.UserID)
	if err != nil {
		h.log.Error().Err(err).Msg("DID list failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	dids := make([]map[string]any, 0, len(links))
	for _, l := range links {
		if l.ProviderID != providerDID {
			continue
		}
		dids = append(dids, map[string]any{
			"did":       l.ProviderUserID,
			"linked_at": l.LinkedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dids": dids})
}

// HandleDIDUnlink is DELETE /auth/did/unlink/{did}.
func (h *Handlers) HandleDIDUnlink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	sess, err := h.sessionFromRequest(r)
	if err != nil {
		oautherr.Write(w, oautherr.New(http.StatusUnauthorized, oautherr.CodeInvalidRequest, "no active session"))
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/auth/did/unlink/")
	did, err := url.PathUnescape(raw)
	if err != nil || did == "" {
		oautherr.Write(w, oautherr.InvalidRequest("did path segment is required"))
		return
	}

	if err := h.links.Unlink(ctx, sess.UserID, providerDID, did); err != nil {
		if errors.Is(err, identity.ErrLinkNotFound) {
			oautherr.Write(w, oautherr.New(http.StatusNotFound, oautherr.CodeInvalidRequest, "DID is not linked to this user"))
			return
		}
		h.log.Error().Err(err).Msg("DID unlink failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.audit.Record(ctx, &audit.Entry{
		Action:   audit.ActionIdentityUnlinked,
		ActorID:  sess.UserID,
		TenantID: sess.Data[session.DataTenantID],
		Detail:   map[string]any{"provider": providerDID, "did": did},
	})

	writeJSON(w, http.StatusOK, map[string]any{"unlinked": true, "did": did})
}
