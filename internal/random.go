package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// RequestID is the random identifier correlating one authorization attempt
// across redirects, tabs, and devices.
type RequestID [16]byte

const (
	codeRawSize          = 32
	refreshTokenRawSize  = 48
	refreshSecretSize    = 32
	requestIDEncodedSize = 22
)

func NewRequestID() (RequestID, error) {
	var rid RequestID
	_, err := rand.Read(rid[:])
	return rid, err
}

func (r RequestID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(r[:])
}

func ParseRequestID(rid string) (RequestID, error) {
	var out RequestID

	if len(rid) != requestIDEncodedSize {
		return out, errors.New("invalid request id size")
	}
	raw, err := base64.RawURLEncoding.DecodeString(rid)
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, errors.New("invalid request id size")
	}

	copy(out[:], raw)
	return out, nil
}

// NewAuthorizationCode returns a 256-bit opaque code for the
// authorization-code grant. Codes are single-use and expire quickly.
func NewAuthorizationCode() (string, error) {
	var raw [codeRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func EncodeRefreshToken(sessionID string, secret [refreshSecretSize]byte) (string, error) {
	sid, err := ParseRequestID(sessionID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:len(sid)], sid[:])
	copy(raw[len(sid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var sid RequestID
	copy(sid[:], raw[:len(sid)])
	copy(secret[:], raw[len(sid):])

	return sid.String(), secret, nil
}

// PKCEChallengeS256 derives the S256 challenge for a verifier:
// base64url(SHA-256(verifier)), no padding.
func PKCEChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking the position of the
// first mismatch.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
