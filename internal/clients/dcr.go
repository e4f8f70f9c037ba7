package clients

import (
	"context"
	"errors"
	"time"

	"github.com/authrim/authrim/internal/common"
)

// RegistrationRequest is the metadata document for RFC 7591 dynamic
// registration.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
	BackchannelLogoutURI    string   `json:"backchannel_logout_uri"`
	FrontchannelLogoutURI   string   `json:"frontchannel_logout_uri"`
}

// Registration is the response document: the client plus its issued
// credentials.
type Registration struct {
	*Client
	SecretExpiresAt int64 `json:"client_secret_expires_at"`
}

var ErrMissingRedirectURIs = errors.New("clients: redirect_uris is required")

// Register creates a dynamically registered client with issued credentials.
// Public clients (auth method "none") get no secret.
func (s *Store) Register(ctx context.Context, req *RegistrationRequest) (*Registration, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, ErrMissingRedirectURIs
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodNone
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	client := &Client{
		ID:                    common.NewID(),
		Name:                  req.ClientName,
		RedirectURIs:          req.RedirectURIs,
		GrantTypes:            grantTypes,
		ResponseTypes:         responseTypes,
		AuthMethod:            authMethod,
		Public:                authMethod == AuthMethodNone,
		AllowedScopes:         common.SplitScope(req.Scope),
		BackchannelLogoutURI:  req.BackchannelLogoutURI,
		FrontchannelLogoutURI: req.FrontchannelLogoutURI,
		CreatedAt:             time.Now(),
	}
	if authMethod != AuthMethodNone {
		secret, err := common.RandomHex(32)
		if err != nil {
			return nil, err
		}
		client.Secret = secret
	}

	s.Put(ctx, client)
	s.log.Info().Str("client_id", client.ID).Str("auth_method", authMethod).Msg("Registered dynamic client")

	// Secrets do not expire; zero is the RFC's "never" value.
	return &Registration{Client: client, SecretExpiresAt: 0}, nil
}
