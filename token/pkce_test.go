package token

import (
	"errors"
	"testing"

	"github.com/tenauth/tenauth/internal"
)

func TestVerifyPKCE(t *testing.T) {
	const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{
			name:      "s256 match",
			challenge: internal.PKCEChallengeS256(verifier),
			method:    PKCEMethodS256,
			verifier:  verifier,
		},
		{
			name:      "s256 wrong verifier",
			challenge: internal.PKCEChallengeS256(verifier),
			method:    PKCEMethodS256,
			verifier:  "some-other-verifier-of-similar-length",
			wantErr:   true,
		},
		{
			name:      "plain match",
			challenge: verifier,
			method:    PKCEMethodPlain,
			verifier:  verifier,
		},
		{
			name:      "plain mismatch",
			challenge: verifier,
			method:    PKCEMethodPlain,
			verifier:  verifier + "x",
			wantErr:   true,
		},
		{
			name:      "challenge present but verifier missing",
			challenge: internal.PKCEChallengeS256(verifier),
			method:    PKCEMethodS256,
			verifier:  "",
			wantErr:   true,
		},
		{
			name: "no pkce negotiated",
		},
		{
			name:      "unknown method",
			challenge: verifier,
			method:    "s512",
			verifier:  verifier,
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyPKCE(tc.challenge, tc.method, tc.verifier)
			if tc.wantErr {
				if !errors.Is(err, ErrPKCEVerification) {
					t.Fatalf("err = %v, want ErrPKCEVerification", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
