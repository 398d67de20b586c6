// Package vault keeps the portal password encrypted at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const DefaultEmailSuffix = "@mail.mcgill.ca"

const keySize = 32

var ErrInvalidKey = fmt.Errorf("vault key must be %d bytes", keySize)

// Credential is what gets persisted for a logged in user, the password is only
// ever stored encrypted.
type Credential struct {
	Username          string `json:"username"`
	EncryptedPassword string `json:"encrypted_password"`
}

// Vault encrypts passwords with AES-256-GCM and stores them as
// base64(nonce || ciphertext).
type Vault struct {
	aead        cipher.AEAD
	emailSuffix string
}

func New(key []byte, emailSuffix string) (Vault, error) {
	if len(key) != keySize {
		return Vault{}, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return Vault{}, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Vault{}, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	if emailSuffix == "" {
		emailSuffix = DefaultEmailSuffix
	}
	return Vault{aead: aead, emailSuffix: emailSuffix}, nil
}

func (v Vault) Encode(password string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(password), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode returns ok=false for anything that was not produced by Encode with the
// same key, a corrupt value is the same as having no credential.
func (v Vault) Decode(encrypted string) (string, bool) {
	if encrypted == "" {
		return "", false
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", false
	}
	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", false
	}
	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

// CanonicalIdentity turns a short username into the full login id the portal
// expects. It is idempotent.
func (v Vault) CanonicalIdentity(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return ""
	}
	if strings.HasSuffix(strings.ToLower(username), strings.ToLower(v.emailSuffix)) {
		return username
	}
	// a full address on another domain is used as is
	if strings.Contains(username, "@") {
		return username
	}
	return username + v.emailSuffix
}

// NewCredential encrypts the password of a fresh login.
func (v Vault) NewCredential(username, password string) (Credential, error) {
	encrypted, err := v.Encode(password)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Username: strings.TrimSpace(username), EncryptedPassword: encrypted}, nil
}

// LoadOrCreateKey reads the base64 encoded key at path, creating a random one
// with 0600 permissions if the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	contents, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(contents)))
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", path, err)
		}
		if len(key) != keySize {
			return nil, ErrInvalidKey
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	err = os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)), 0600)
	if err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	return key, nil
}
