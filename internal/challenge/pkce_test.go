package challenge

import (
	"strings"
	"testing"
)

func TestValidVerifier(t *testing.T) {
	cases := []struct {
		name     string
		verifier string
		want     bool
	}{
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("a", 128), true},
		{"all unreserved classes", "abcABC123-._~" + strings.Repeat("x", 30), true},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"reserved character", strings.Repeat("a", 42) + "+", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidVerifier(tc.verifier); got != tc.want {
				t.Errorf("ValidVerifier(%q) = %v, want %v", tc.verifier, got, tc.want)
			}
		})
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	cc := GenerateCodeChallenge(verifier)

	if !VerifyPKCE(verifier, cc) {
		t.Error("matching verifier must verify")
	}
	if VerifyPKCE(verifier+"x", cc) {
		t.Error("tampered verifier must not verify")
	}
	if VerifyPKCE(verifier, cc[:len(cc)-1]+"A") {
		t.Error("tampered challenge must not verify")
	}
	if VerifyPKCE(verifier, "") {
		t.Error("empty challenge must not verify")
	}
}

func TestGenerateCodeChallenge_KnownVector(t *testing.T) {
	// RFC 7636 appendix B example.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := GenerateCodeChallenge(verifier); got != want {
		t.Errorf("GenerateCodeChallenge = %s, want %s", got, want)
	}
}
