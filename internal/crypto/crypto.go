// Package crypto seals caller-supplied provider credentials for storage.
// Credentials are encrypted with AES-GCM under a key derived from the
// configured secret; we never persist a provider key in the clear.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

var (
	ErrEmptyKey         = errors.New("encryption key must not be empty")
	ErrInvalidSealed    = errors.New("invalid sealed credential")
	ErrDecryptionFailed = errors.New("credential decryption failed")
)

// Sealer encrypts and decrypts provider credentials. The AES key is derived
// from the configured secret via SHA-256, so any passphrase length works.
type Sealer struct {
	key []byte
}

func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	hash := sha256.Sum256([]byte(secret))
	return &Sealer{key: hash[:]}, nil
}

// Seal encrypts a credential and returns it base64-encoded with the nonce
// prepended.
func (s *Sealer) Seal(credential string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(credential), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidSealed
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidSealed
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// Fingerprint returns a short stable identifier for a credential, safe to
// log.
func Fingerprint(credential string) string {
	hash := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(hash[:4])
}
