package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// JWKSDocument is the body served from a tenant's JWKS endpoint.
type JWKSDocument struct {
	Keys []JWK `json:"keys"`
}

// MarshalJWKS renders the public set as a JWKS body plus a strong ETag
// derived from the content hash, so callers can answer conditional requests
// without re-reading the keyring.
func MarshalJWKS(set []JWK) ([]byte, string, error) {
	if set == nil {
		set = []JWK{}
	}

	body, err := json.Marshal(JWKSDocument{Keys: set})
	if err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	return body, etag, nil
}
