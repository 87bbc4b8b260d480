package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// keyCipher seals private key material with AES-256-GCM. The nonce is
// prepended to the ciphertext and the whole blob is base64url encoded for
// storage inside the key record.
type keyCipher struct {
	aead cipher.AEAD
}

func newKeyCipher(masterKey []byte) (*keyCipher, error) {
	if len(masterKey) != 32 {
		return nil, errors.New("master key must be 32 bytes")
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &keyCipher{aead: aead}, nil
}

func (c *keyCipher) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *keyCipher) open(encoded string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("sealed private key too short")
	}

	nonce := sealed[:c.aead.NonceSize()]
	return c.aead.Open(nil, nonce, sealed[c.aead.NonceSize():], nil)
}
