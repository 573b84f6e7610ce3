// Package security encrypts target-database credentials at rest.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	CredentialKeyEnv   = "DBTUNE_CREDENTIAL_KEY"
	CredentialKeyIDEnv = "DBTUNE_CREDENTIAL_KEY_ID"
	defaultKeyID       = "v1"
)

// CredentialCipher provides AES-GCM encryption for connection passwords.
type CredentialCipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewCredentialCipherFromEnv initializes credential encryption from
// environment variables. The key may be raw, hex or base64 encoded and must
// be 16, 24 or 32 bytes long.
func NewCredentialCipherFromEnv() (*CredentialCipher, error) {
	rawKey := os.Getenv(CredentialKeyEnv)
	if rawKey == "" {
		return nil, fmt.Errorf("%s is required", CredentialKeyEnv)
	}

	key, err := parseAESKey(rawKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	keyID := os.Getenv(CredentialKeyIDEnv)
	if keyID == "" {
		keyID = defaultKeyID
	}

	return &CredentialCipher{aead: aead, keyID: keyID}, nil
}

// Encrypt encrypts a password and returns base64 ciphertext, base64 nonce and
// the key id used.
func (c *CredentialCipher) Encrypt(password string) (ciphertext, nonce, keyID string, err error) {
	nonceBytes := make([]byte, c.aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonceBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonceBytes, []byte(password), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonceBytes),
		c.keyID,
		nil
}

// Decrypt recovers a password from base64 ciphertext and nonce.
func (c *CredentialCipher) Decrypt(ciphertext, nonce string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("failed to decode nonce: %w", err)
	}
	plain, err := c.aead.Open(nil, nonceBytes, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plain), nil
}

// KeyID returns the identifier of the key in use, stored alongside the
// ciphertext to support rotation.
func (c *CredentialCipher) KeyID() string {
	return c.keyID
}

func parseAESKey(raw string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && validAESKeyLen(len(decoded)) {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && validAESKeyLen(len(decoded)) {
		return decoded, nil
	}
	if validAESKeyLen(len(raw)) {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("invalid %s length: must be 16/24/32 bytes (raw/hex/base64)", CredentialKeyEnv)
}

func validAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}
