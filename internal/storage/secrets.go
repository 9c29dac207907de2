package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrNoSecretsKey is returned when a secret must be sealed or opened but
// no key was configured.
var ErrNoSecretsKey = errors.New("no secrets key configured")

// SecretBox seals short secrets such as bind passwords with AES-256-GCM.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives a 32 byte key from key, zero padding or truncating
// it. An empty key yields a box that refuses to seal or open non-empty
// values.
func NewSecretBox(key string) *SecretBox {
	if key == "" {
		return &SecretBox{}
	}
	keyBytes := make([]byte, 32)
	copy(keyBytes, key)
	return &SecretBox{key: keyBytes}
}

// Seal encrypts plaintext. The empty string is stored as is.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return string(plaintext), nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	if b == nil || len(b.key) == 0 {
		return nil, ErrNoSecretsKey
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
