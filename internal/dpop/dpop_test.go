package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/storage"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return NewValidator(store, 5*time.Minute, 10*time.Minute, common.NewSilentLogger())
}

type proofSpec struct {
	typ    string
	htm    string
	htu    string
	jti    string
	iat    time.Time
	ath    string
	signer *ecdsa.PrivateKey
}

func signProof(t *testing.T, spec proofSpec) (string, *jose.JSONWebKey) {
	t.Helper()
	key := spec.signer
	if key == nil {
		var err error
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
	}
	if spec.typ == "" {
		spec.typ = proofType
	}
	if spec.iat.IsZero() {
		spec.iat = time.Now()
	}
	if spec.jti == "" {
		spec.jti = common.RandomURLSafe(16)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{EmbedJWK: true}).WithHeader(jose.HeaderType, spec.typ),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	payload, err := json.Marshal(proofClaims{
		JTI: spec.jti,
		HTM: spec.htm,
		HTU: spec.htu,
		IAT: spec.iat.Unix(),
		ATH: spec.ath,
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize proof: %v", err)
	}
	pub := &jose.JSONWebKey{Key: key.Public(), Algorithm: string(jose.ES256)}
	return compact, pub
}

func TestValidator_AcceptsValidProof(t *testing.T) {
	v := newTestValidator(t)
	proof, pub := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/token"})

	jkt, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want, err := Thumbprint(pub)
	if err != nil {
		t.Fatalf("thumbprint: %v", err)
	}
	if jkt != want {
		t.Errorf("expected jkt %s, got %s", want, jkt)
	}
}

func TestValidator_NormalizesHTU(t *testing.T) {
	v := newTestValidator(t)
	proof, _ := signProof(t, proofSpec{htm: "POST", htu: "HTTPS://OP.Example.COM:443/token?extra=1#frag"})

	if _, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1"); err != nil {
		t.Errorf("expected normalized htu to match, got %v", err)
	}
}

func TestValidator_RejectsWrongMethod(t *testing.T) {
	v := newTestValidator(t)
	proof, _ := signProof(t, proofSpec{htm: "GET", htu: "https://op.example.com/token"})

	_, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrMethodMismatch) {
		t.Errorf("expected ErrMethodMismatch, got %v", err)
	}
}

func TestValidator_RejectsWrongURI(t *testing.T) {
	v := newTestValidator(t)
	proof, _ := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/other"})

	_, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrURIMismatch) {
		t.Errorf("expected ErrURIMismatch, got %v", err)
	}
}

func TestValidator_RejectsWrongType(t *testing.T) {
	v := newTestValidator(t)
	proof, _ := signProof(t, proofSpec{typ: "jwt", htm: "POST", htu: "https://op.example.com/token"})

	_, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestValidator_RejectsStaleProof(t *testing.T) {
	v := newTestValidator(t)
	proof, _ := signProof(t, proofSpec{
		htm: "POST",
		htu: "https://op.example.com/token",
		iat: time.Now().Add(-time.Hour),
	})
	_, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale for old proof, got %v", err)
	}

	future, _ := signProof(t, proofSpec{
		htm: "POST",
		htu: "https://op.example.com/token",
		iat: time.Now().Add(time.Hour),
	})
	_, err = v.Validate(context.Background(), future, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale for future proof, got %v", err)
	}
}

func TestValidator_RejectsReplayedJTI(t *testing.T) {
	v := newTestValidator(t)
	proof, _ := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/token", jti: "fixed-jti"})

	ctx := context.Background()
	if _, err := v.Validate(ctx, proof, "POST", "https://op.example.com/token", "", "client-1"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := v.Validate(ctx, proof, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("expected ErrReplayed, got %v", err)
	}

	// The replay window is per client: another client may use the same jti.
	other, _ := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/token", jti: "fixed-jti"})
	if _, err := v.Validate(ctx, other, "POST", "https://op.example.com/token", "", "client-2"); err != nil {
		t.Errorf("other client should not see the replay, got %v", err)
	}
}

func TestValidator_BindsAccessTokenHash(t *testing.T) {
	v := newTestValidator(t)
	accessToken := "example.access.token"
	sum := sha256.Sum256([]byte(accessToken))
	ath := base64.RawURLEncoding.EncodeToString(sum[:])

	proof, _ := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/introspect", ath: ath})
	if _, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/introspect", accessToken, "client-1"); err != nil {
		t.Fatalf("validate with ath: %v", err)
	}

	wrong, _ := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/introspect", ath: ath})
	_, err := v.Validate(context.Background(), wrong, "POST", "https://op.example.com/introspect", "different.token", "client-1")
	if !errors.Is(err, ErrAccessTokenHash) {
		t.Errorf("expected ErrAccessTokenHash, got %v", err)
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) { return "", errors.New("down") }
func (failingKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("down")
}
func (failingKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("down")
}
func (failingKV) Delete(context.Context, string) error { return errors.New("down") }
func (failingKV) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("down")
}
func (failingKV) Close() error { return nil }

func TestValidator_FailsClosedWhenStoreDown(t *testing.T) {
	v := NewValidator(failingKV{}, 5*time.Minute, 10*time.Minute, common.NewSilentLogger())
	proof, _ := signProof(t, proofSpec{htm: "POST", htu: "https://op.example.com/token"})

	_, err := v.Validate(context.Background(), proof, "POST", "https://op.example.com/token", "", "client-1")
	if !errors.Is(err, ErrReplayed) {
		t.Errorf("expected fail-closed rejection, got %v", err)
	}
}
