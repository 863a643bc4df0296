package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	keyLength        = 32 // AES-256
	saltLength       = 16
)

// credentialCipher seals and opens credential values with a key derived from
// the configured passphrase via PBKDF2-SHA256 and AES-GCM.
type credentialCipher struct {
	passphrase []byte
}

func newCredentialCipher(passphrase string) (*credentialCipher, error) {
	if len(passphrase) < 8 {
		return nil, errors.New("encryption key must be at least 8 characters")
	}
	return &credentialCipher{passphrase: []byte(passphrase)}, nil
}

// Encrypt returns base64(salt || nonce || ciphertext). A fresh salt per value
// means identical plaintexts never produce identical ciphertexts.
func (c *credentialCipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *credentialCipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < saltLength {
		return "", errors.New("ciphertext too short")
	}

	salt := raw[:saltLength]
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	rest := raw[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (c *credentialCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, pbkdf2Iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
