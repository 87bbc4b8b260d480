package token

import (
	"errors"

	"github.com/tenauth/tenauth/internal"
)

// PKCE challenge methods accepted at the authorize endpoint.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ErrPKCEVerification is returned when the presented verifier does not match
// the challenge recorded with the authorization code.
var ErrPKCEVerification = errors.New("pkce verification failed")

// VerifyPKCE checks a code_verifier against the stored challenge. S256
// compares base64url(SHA-256(verifier)); plain compares raw strings. An
// empty method with an empty challenge means the request never used PKCE.
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" && method == "" {
		return nil
	}

	switch method {
	case PKCEMethodS256:
		if internal.ConstantTimeEquals(internal.PKCEChallengeS256(verifier), challenge) {
			return nil
		}
	case PKCEMethodPlain:
		if internal.ConstantTimeEquals(verifier, challenge) {
			return nil
		}
	}

	return ErrPKCEVerification
}
