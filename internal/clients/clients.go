// Package clients holds OAuth client metadata: statically seeded clients,
// dynamically registered ones, and the lookups the grant engine performs on
// every token request.
package clients

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/storage"
)

// Token endpoint auth methods Authrim understands.
const (
	AuthMethodNone          = "none"
	AuthMethodBasic         = "client_secret_basic"
	AuthMethodPost          = "client_secret_post"
	AuthMethodSecretJWT     = "client_secret_jwt"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
)

// ErrNotFound means no client is registered under the id.
var ErrNotFound = errors.New("clients: not found")

// Client is the registered metadata for one relying party.
type Client struct {
	ID                        string              `json:"client_id"`
	Secret                    string              `json:"client_secret,omitempty"`
	Name                      string              `json:"client_name,omitempty"`
	RedirectURIs              []string            `json:"redirect_uris"`
	GrantTypes                []string            `json:"grant_types"`
	ResponseTypes             []string            `json:"response_types,omitempty"`
	AuthMethod                string              `json:"token_endpoint_auth_method"`
	Public                    bool                `json:"-"`
	RequireDPoP               bool                `json:"dpop_bound_access_tokens,omitempty"`
	AllowedScopes             []string            `json:"scope,omitempty"`
	SubjectTokenClients       []string            `json:"-"`
	TokenExchangeResources    []string            `json:"-"`
	CrossClientSSO            bool                `json:"-"`
	IDTokenEncryptionAlg      string              `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptionEnc      string              `json:"id_token_encrypted_response_enc,omitempty"`
	JWKS                      *jose.JSONWebKeySet `json:"-"`
	EncryptionJWKS            *jose.JSONWebKeySet `json:"-"`
	BackchannelLogoutURI      string              `json:"backchannel_logout_uri,omitempty"`
	BackchannelSessionLogout  bool                `json:"backchannel_logout_session_required,omitempty"`
	FrontchannelLogoutURI     string              `json:"frontchannel_logout_uri,omitempty"`
	FrontchannelSessionLogout bool                `json:"frontchannel_logout_session_required,omitempty"`
	WebhookURL                string              `json:"-"`
	WebhookSecret             string              `json:"-"`
	PostLogoutRedirectURIs    []string            `json:"post_logout_redirect_uris,omitempty"`
	Tenant                    string              `json:"-"`
	CreatedAt                 time.Time           `json:"-"`
}

// Confidential reports whether the client must authenticate.
func (c *Client) Confidential() bool {
	return !c.Public && c.AuthMethod != AuthMethodNone
}

// AllowsGrant reports whether grantType is registered for the client.
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsRedirect reports whether uri exactly matches a registered redirect.
func (c *Client) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsPostLogoutRedirect reports whether uri is a registered post-logout
// target.
func (c *Client) AllowsPostLogoutRedirect(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// SecretMatches compares a presented secret in constant time.
func (c *Client) SecretMatches(presented string) bool {
	if c.Secret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(presented)) == 1
}

// EncryptionKey picks the client's ID-token encryption key: first key in
// the encryption set usable for key wrapping.
func (c *Client) EncryptionKey() *jose.JSONWebKey {
	if c.EncryptionJWKS == nil {
		return nil
	}
	for i := range c.EncryptionJWKS.Keys {
		k := &c.EncryptionJWKS.Keys[i]
		if k.Use == "" || k.Use == "enc" {
			return k
		}
	}
	return nil
}

// Store caches client metadata in memory with optional KV write-through, so
// dynamically registered clients survive restarts when a durable backend is
// configured.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*Client
	backend storage.KeyValue
	log     *common.Logger
}

func NewStore(backend storage.KeyValue, log *common.Logger) *Store {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Store{clients: make(map[string]*Client), backend: backend, log: log}
}

func backendKey(id string) string { return "client:" + id }

// Put registers or replaces a client.
func (s *Store) Put(ctx context.Context, client *Client) {
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	if s.backend != nil {
		raw, err := json.Marshal(client)
		if err == nil {
			err = s.backend.Set(ctx, backendKey(client.ID), string(raw), 0)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("client_id", client.ID).Msg("Client backend write failed")
		}
	}
}

// Get returns the client, falling through to the backend on cache miss.
func (s *Store) Get(ctx context.Context, id string) (*Client, error) {
	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()
	if ok {
		return client, nil
	}
	if s.backend == nil {
		return nil, ErrNotFound
	}

	raw, err := s.backend.Get(ctx, backendKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", id).Msg("Client backend read failed")
		return nil, ErrNotFound
	}
	client = &Client{}
	if err := json.Unmarshal([]byte(raw), client); err != nil {
		return nil, fmt.Errorf("decode client %s: %w", id, err)
	}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
	return client, nil
}

// All returns every cached client. Logout fan-out and discovery use it.
func (s *Store) All() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// LoadSeeds registers the statically configured clients, resolving any JWKS
// files they reference.
func (s *Store) LoadSeeds(ctx context.Context, seeds []config.ClientSeed) error {
	for _, seed := range seeds {
		client, err := clientFromSeed(seed)
		if err != nil {
			return fmt.Errorf("client seed %q: %w", seed.ID, err)
		}
		s.Put(ctx, client)
		s.log.Info().Str("client_id", client.ID).Bool("public", client.Public).Msg("Registered seeded client")
	}
	return nil
}

func clientFromSeed(seed config.ClientSeed) (*Client, error) {
	if seed.ID == "" {
		return nil, errors.New("missing id")
	}
	authMethod := seed.TokenEndpointAuthMethod
	if authMethod == "" {
		if seed.Public {
			authMethod = AuthMethodNone
		} else {
			authMethod = AuthMethodBasic
		}
	}
	client := &Client{
		ID:                        seed.ID,
		Secret:                    seed.Secret,
		RedirectURIs:              seed.RedirectURIs,
		GrantTypes:                seed.GrantTypes,
		AuthMethod:                authMethod,
		Public:                    seed.Public,
		RequireDPoP:               seed.RequireDPoP,
		AllowedScopes:             seed.AllowedScopes,
		SubjectTokenClients:       seed.SubjectTokenClients,
		TokenExchangeResources:    seed.TokenExchangeResources,
		CrossClientSSO:            seed.CrossClientSSO,
		IDTokenEncryptionAlg:      seed.IDTokenEncryptionAlg,
		IDTokenEncryptionEnc:      seed.IDTokenEncryptionEnc,
		BackchannelLogoutURI:      seed.BackchannelLogoutURI,
		BackchannelSessionLogout:  seed.BackchannelSessionLogout,
		FrontchannelLogoutURI:     seed.FrontchannelLogoutURI,
		FrontchannelSessionLogout: seed.FrontchannelSessionLogout,
		WebhookURL:                seed.WebhookURL,
		WebhookSecret:             seed.WebhookSecret,
		PostLogoutRedirectURIs:    seed.PostLogoutRedirectURIs,
		Tenant:                    seed.Tenant,
		CreatedAt:                 time.Now(),
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if seed.JWKSFile != "" {
		set, err := loadJWKSFile(seed.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("jwks file: %w", err)
		}
		client.JWKS = set
	}
	if seed.EncryptionJWKSFile != "" {
		set, err := loadJWKSFile(seed.EncryptionJWKSFile)
		if err != nil {
			return nil, fmt.Errorf("encryption jwks file: %w", err)
		}
		client.EncryptionJWKS = set
	}
	return client, nil
}

func loadJWKSFile(path string) (*jose.JSONWebKeySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &set, nil
}
