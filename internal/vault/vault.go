// Package vault decrypts provider credentials and tool server configs at rest.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const ciphertextVersion = "v1"

var (
	// ErrUnknownKey means the ciphertext names a key the keyring does not hold.
	ErrUnknownKey = errors.New("vault: unknown key")

	// ErrMalformed means the ciphertext is not in v1:<key-id>:<base64> form.
	ErrMalformed = errors.New("vault: malformed ciphertext")
)

// Vault encrypts and decrypts small secrets.
type Vault interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

// Keyring is a Vault backed by XChaCha20-Poly1305 keys. New secrets are
// sealed with the active key; any held key can open.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	active string
}

// NewKeyring builds a keyring from base64-encoded 32-byte keys.
func NewKeyring(keys map[string]string, active string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("vault: at least one key is required")
	}
	k := &Keyring{keys: make(map[string][]byte, len(keys)), active: active}
	for id, encoded := range keys {
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("vault: key id %q must not contain ':'", id)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("vault: decode key %s: %w", id, err)
		}
		if len(raw) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("vault: key %s must be %d bytes, got %d", id, chacha20poly1305.KeySize, len(raw))
		}
		k.keys[id] = raw
	}
	if _, ok := k.keys[active]; !ok {
		return nil, fmt.Errorf("vault: active key %q not in keyring", active)
	}
	return k, nil
}

// GenerateKey returns a fresh base64-encoded key.
func GenerateKey() (string, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Encrypt seals plaintext with the active key.
func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	k.mu.RLock()
	id := k.active
	key := k.keys[id]
	k.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	// additional data binds the ciphertext to its key id
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(id))
	return ciphertextVersion + ":" + id + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (k *Keyring) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	parts := strings.SplitN(ciphertext, ":", 3)
	if len(parts) != 3 || parts[0] != ciphertextVersion {
		return nil, ErrMalformed
	}
	id := parts[1]

	k.mu.RLock()
	key, ok := k.keys[id]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("vault: open: %w", err)
	}
	return plaintext, nil
}

// Plain stores secrets unencrypted. For local development only.
type Plain struct{}

func (Plain) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	return string(plaintext), nil
}

func (Plain) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}
