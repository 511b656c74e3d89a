// Package secrets encrypts sensitive settings fields at rest, so the
// ingest token never sits in plaintext inside settings.json. The key lives
// next to the settings file and is generated on first open; this is local
// at-rest protection, not a substitute for a real secret manager.
package secrets

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
)

const (
	keyFile = "secret.key"
	keyLen  = 32 // AES-256
)

type Secrets struct {
	key []byte
}

func Open(dir string) (*Secrets, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("secrets dir: %w", err)
	}
	key, err := loadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	return &Secrets{key: key}, nil
}

// loadOrCreateKey reads the base64 key file, generating a fresh key with
// owner-only permissions when none exists yet.
func loadOrCreateKey(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		raw, err := base64.StdEncoding.DecodeString(string(b))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyFile, err)
		}
		if len(raw) != keyLen {
			return nil, fmt.Errorf("%s: expected %d key bytes, have %d", keyFile, keyLen, len(raw))
		}
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", keyFile, err)
	}

	raw := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(raw)), 0o600); err != nil {
		return nil, fmt.Errorf("%s: %w", keyFile, err)
	}
	return raw, nil
}

// EncryptString seals the value as base64(nonce || ciphertext). Empty input
// stays empty so an unset token round-trips as unset.
func (s *Secrets) EncryptString(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Secrets) DecryptString(enc string) (string, error) {
	if enc == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(raw) < ns {
		return "", errors.New("secrets: ciphertext too short")
	}
	pt, err := gcm.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (s *Secrets) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
