package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/oautherr"
)

// HandleLoginChallenge is GET /auth/login-challenge?challenge_id=…. The
// login UI calls it to learn which client is asking and for what, without
// touching the challenge itself; the lookup is read-only.
func (h *Handlers) HandleLoginChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	id := r.URL.Query().Get("challenge_id")
	if id == "" {
		oautherr.Write(w, oautherr.InvalidRequest("challenge_id is required"))
		return
	}

	ch, err := h.challenges.Get(ctx, id)
	if err != nil || ch.Consumed() || ch.Expired(time.Now()) {
		oautherr.Write(w, oautherr.New(http.StatusNotFound, oautherr.CodeInvalidRequest, "challenge is not open"))
		return
	}

	clientID := ch.MetaValue(metaClientID)
	scope := ch.MetaValue(metaScope)
	if clientID == "" {
		// Code-shaped challenges keep their client inside the record.
		var rec struct {
			ClientID string `json:"client_id"`
			Scope    string `json:"scope"`
		}
		if json.Unmarshal([]byte(ch.Secret), &rec) == nil {
			clientID, scope = rec.ClientID, rec.Scope
		}
	}

	body := map[string]any{
		"challenge_id": ch.ID,
		"kind":         ch.Kind,
		"expires_in":   int(time.Until(ch.ExpiresAt).Seconds()),
	}
	if scope != "" {
		body["scope"] = scope
	}
	if clientID != "" {
		if client, err := h.clients.Get(ctx, clientID); err == nil {
			body["client"] = map[string]any{
				"client_id":   client.ID,
				"client_name": client.Name,
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}
