package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	k1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	k2, _ := GenerateKey()
	ring, err := NewKeyring(map[string]string{"k1": k1, "k2": k2}, "k2")
	if err != nil {
		t.Fatalf("NewKeyring() error = %v", err)
	}
	return ring
}

func TestKeyringRoundTrip(t *testing.T) {
	ctx := context.Background()
	ring := newTestKeyring(t)

	ct, err := ring.Encrypt(ctx, []byte(`{"api_key":"sk-test"}`))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !strings.HasPrefix(ct, "v1:k2:") {
		t.Fatalf("ciphertext %q not sealed with active key", ct)
	}
	pt, err := ring.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != `{"api_key":"sk-test"}` {
		t.Fatalf("plaintext = %s", pt)
	}
}

func TestKeyringRejectsTampering(t *testing.T) {
	ctx := context.Background()
	ring := newTestKeyring(t)
	ct, _ := ring.Encrypt(ctx, []byte("secret"))

	// relabeling to another held key must fail authentication
	relabeled := strings.Replace(ct, "v1:k2:", "v1:k1:", 1)
	if _, err := ring.Decrypt(ctx, relabeled); err == nil {
		t.Fatal("expected error for relabeled ciphertext")
	}

	if _, err := ring.Decrypt(ctx, "v1:nope:AAAA"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key error = %v", err)
	}
	if _, err := ring.Decrypt(ctx, "garbage"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("malformed error = %v", err)
	}
}

func TestNewKeyringValidation(t *testing.T) {
	if _, err := NewKeyring(nil, "x"); err == nil {
		t.Error("expected error for empty keyring")
	}
	if _, err := NewKeyring(map[string]string{"k": "c2hvcnQ="}, "k"); err == nil {
		t.Error("expected error for short key")
	}
	key, _ := GenerateKey()
	if _, err := NewKeyring(map[string]string{"k": key}, "other"); err == nil {
		t.Error("expected error for missing active key")
	}
}
