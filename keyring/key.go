package keyring

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

// Status is the lifecycle state of a signing key.
type Status string

const (
	// StatusStaged marks a freshly generated key that is not yet trusted
	// for verification and never used for signing.
	StatusStaged Status = "staged"
	// StatusActive marks the single key used for signing new tokens.
	StatusActive Status = "active"
	// StatusRetired marks a key that no longer signs but still verifies
	// tokens issued before its retirement.
	StatusRetired Status = "retired"
)

// JWK is the public half of a signing key in JSON Web Key form. Only
// Ed25519 (OKP) keys are produced; Alg is fixed to EdDSA to match the
// signature algorithm advertised for every kid.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// SigningKey is one entry in a tenant's keyring.
type SigningKey struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	Kid              string `json:"kid"`
	Status           Status `json:"status"`
	PublicJWK        JWK    `json:"public_jwk"`
	EncryptedPrivate string `json:"encrypted_private"`
	NotBefore        int64  `json:"not_before"`
	NotAfter         int64  `json:"not_after,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// PublicKey decodes the Ed25519 public key from the stored JWK.
func (k *SigningKey) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(k.PublicJWK.X)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key size")
	}
	return ed25519.PublicKey(raw), nil
}

func jwkFromPublic(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		Kid: kid,
		Alg: "EdDSA",
		Use: "sig",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}
