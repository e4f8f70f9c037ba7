package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AuthCodeRecord is the authorization-code specialization of Challenge. It
// carries everything the token endpoint needs to mint the response,
// including the PKCE challenge and, after first consume, the JTIs issued
// under the code so a replay can revoke them.
type AuthCodeRecord struct {
	Code     string `json:"code"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`

	RedirectURI string    `json:"redirect_uri"`
	Nonce       string    `json:"nonce,omitempty"`
	State       string    `json:"state,omitempty"`
	AuthTime    time.Time `json:"auth_time"`
	ACR         string    `json:"acr,omitempty"`
	AMR         []string  `json:"amr,omitempty"`
	CHash       string    `json:"c_hash,omitempty"`
	DPoPJKT     string    `json:"dpop_jkt,omitempty"`
	SID         string    `json:"sid,omitempty"`
	IsAnonymous bool      `json:"is_anonymous,omitempty"`

	AuthorizationDetails json.RawMessage `json:"authorization_details,omitempty"`

	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`

	IssuedAccessJTI  string `json:"issued_access_jti,omitempty"`
	IssuedRefreshJTI string `json:"issued_refresh_jti,omitempty"`
}

// ReplayError reports a consume of an already-consumed authorization code.
// It reveals the JTIs previously issued under the code so the caller can
// revoke them.
type ReplayError struct {
	AccessJTI  string
	RefreshJTI string
}

func (e *ReplayError) Error() string { return "authorization code replayed" }

// Unwrap lets errors.Is(err, ErrAlreadyConsumed) hold for replays.
func (e *ReplayError) Unwrap() error { return ErrAlreadyConsumed }

// AuthCodes issues and consumes authorization codes over a Store.
type AuthCodes struct {
	store      Store
	shardCount int
}

// NewAuthCodes creates the authorization-code facade. shardCount governs
// how minted codes spread across store shards.
func NewAuthCodes(store Store, shardCount int) *AuthCodes {
	if shardCount < 1 {
		shardCount = 1
	}
	return &AuthCodes{store: store, shardCount: shardCount}
}

// New mints a code id, fills rec.Code, and stores the record with ttl.
func (a *AuthCodes) New(ctx context.Context, rec *AuthCodeRecord, ttl time.Duration) (string, error) {
	code := MintID("ac", "", a.shardCount)
	rec.Code = code
	if err := a.put(ctx, rec, time.Now(), ttl, KindAuthCode); err != nil {
		return "", err
	}
	return code, nil
}

// NewDirect mints a direct-auth code: same record shape and consume path,
// distinct kind so stores can tell browser-flow codes from API-flow codes.
func (a *AuthCodes) NewDirect(ctx context.Context, rec *AuthCodeRecord, ttl time.Duration) (string, error) {
	code := MintID("ac", "", a.shardCount)
	rec.Code = code
	if err := a.put(ctx, rec, time.Now(), ttl, KindDirectAuthCode); err != nil {
		return "", err
	}
	return code, nil
}

// Put stores a record under an externally minted code value.
func (a *AuthCodes) Put(ctx context.Context, rec *AuthCodeRecord, ttl time.Duration) error {
	if rec.Code == "" {
		return errors.New("challenge: auth code record missing code")
	}
	return a.put(ctx, rec, time.Now(), ttl, KindAuthCode)
}

func (a *AuthCodes) put(ctx context.Context, rec *AuthCodeRecord, now time.Time, ttl time.Duration, kind string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal auth code record: %w", err)
	}
	return a.store.Put(ctx, &Challenge{
		ID:        rec.Code,
		Kind:      kind,
		SubjectID: rec.UserID,
		Secret:    string(payload),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Consume atomically consumes code after verifying the issuing client and
// the PKCE proof. Exactly one concurrent caller succeeds. A consume of an
// already-consumed code returns *ReplayError carrying the JTIs issued
// under the first consume. PKCE or client mismatch leaves the code live
// and returns ErrPredicateMismatch.
func (a *AuthCodes) Consume(ctx context.Context, code, clientID, verifier string) (*AuthCodeRecord, error) {
	pred := func(c *Challenge) error {
		rec, err := decodeAuthCode(c)
		if err != nil {
			return err
		}
		if rec.ClientID != clientID {
			return fmt.Errorf("%w: client mismatch", ErrPredicateMismatch)
		}
		if !ValidVerifier(verifier) {
			return fmt.Errorf("%w: malformed code verifier", ErrPredicateMismatch)
		}
		if rec.CodeChallengeMethod != "S256" {
			return fmt.Errorf("%w: unsupported code challenge method", ErrPredicateMismatch)
		}
		if !VerifyPKCE(verifier, rec.CodeChallenge) {
			return fmt.Errorf("%w: code verifier rejected", ErrPredicateMismatch)
		}
		return nil
	}

	ch, err := a.store.Consume(ctx, code, pred)
	if errors.Is(err, ErrAlreadyConsumed) {
		replay := &ReplayError{}
		if ch != nil {
			if rec, decErr := decodeAuthCode(ch); decErr == nil {
				replay.AccessJTI = rec.IssuedAccessJTI
				replay.RefreshJTI = rec.IssuedRefreshJTI
			}
		}
		return nil, replay
	}
	if err != nil {
		return nil, err
	}
	return decodeAuthCode(ch)
}

// RegisterIssuedTokens writes the issued JTIs back onto the consumed code
// record, arming replay revocation.
func (a *AuthCodes) RegisterIssuedTokens(ctx context.Context, code, accessJTI, refreshJTI string) error {
	_, err := a.store.Update(ctx, code, func(c *Challenge) error {
		rec, err := decodeAuthCode(c)
		if err != nil {
			return err
		}
		rec.IssuedAccessJTI = accessJTI
		rec.IssuedRefreshJTI = refreshJTI
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		c.Secret = string(payload)
		return nil
	})
	return err
}

func decodeAuthCode(c *Challenge) (*AuthCodeRecord, error) {
	if c.Kind != KindAuthCode && c.Kind != KindDirectAuthCode {
		return nil, fmt.Errorf("%w: not an authorization code", ErrPredicateMismatch)
	}
	var rec AuthCodeRecord
	if err := json.Unmarshal([]byte(c.Secret), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal auth code record: %w", err)
	}
	return &rec, nil
}
