package auth

import (
	"errors"
	"net/http"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/oautherr"
)

// HandleRegister is POST /register — RFC 7591 Dynamic Client Registration.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var req clients.RegistrationRequest
	if err := readJSON(r, &req); err != nil {
		oautherr.WriteAny(w, err)
		return
	}

	reg, err := h.clients.Register(ctx, &req)
	if errors.Is(err, clients.ErrMissingRedirectURIs) {
		oautherr.Write(w, oautherr.New(http.StatusBadRequest, oautherr.CodeInvalidClientMetadata, "redirect_uris is required"))
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Dynamic registration failed")
		oautherr.Write(w, oautherr.ServerError())
		return
	}

	h.audit.Record(ctx, &audit.Entry{
		Action:   audit.ActionClientRegistered,
		ClientID: reg.ID,
		Detail:   map[string]any{"auth_method": reg.AuthMethod},
	})

	writeJSON(w, http.StatusCreated, reg)
}
