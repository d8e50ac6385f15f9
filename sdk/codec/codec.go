// Package codec provides the secret codec used to protect values at rest,
// like provider client secrets and the ID tokens kept for backchannel logout.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Codec encrypts and decrypts opaque string values.
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AES is an AES-256-GCM Codec.  The key material is derived from the secret
// passed to NewAES, so any secret length is accepted.
type AES struct {
	key [32]byte
}

// ensure that AES implements the Codec interface
var _ Codec = (*AES)(nil)

// NewAES creates an AES Codec from the given secret.
func NewAES(secret string) (*AES, error) {
	const op = "codec.NewAES"
	if secret == "" {
		return nil, fmt.Errorf("%s: secret is empty: %w", op, ErrInvalidCiphertext)
	}
	return &AES{
		key: sha256.Sum256([]byte(secret)),
	}, nil
}

// Encrypt seals the plaintext and returns a base64 encoded
// nonce||ciphertext value.
func (c *AES) Encrypt(plaintext string) (string, error) {
	const op = "codec.(AES).Encrypt"
	gcm, err := c.gcm()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *AES) Decrypt(ciphertext string) (string, error) {
	const op = "codec.(AES).Decrypt"
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrInvalidCiphertext, err)
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%s: value shorter than nonce: %w", op, ErrInvalidCiphertext)
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCiphertext)
	}
	return string(plaintext), nil
}

func (c *AES) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
