package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/victorchrollo14/agent0-sub000/internal/blob"
	"github.com/victorchrollo14/agent0-sub000/internal/config"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "vault", "token", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("AGENT0_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Errorf("default = %q", got)
	}
	t.Setenv("AGENT0_CONFIG", "/etc/agent0.yaml")
	if got := resolveConfigPath(""); got != "/etc/agent0.yaml" {
		t.Errorf("env = %q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Errorf("flag = %q", got)
	}
}

func TestNewAppServesHealthAndMetrics(t *testing.T) {
	a, err := newApp(context.Background(), config.Default(), io.Discard)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	handler := a.server.Handler()
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(`{"agent_id":"a1"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated run status = %d, want 401", rec.Code)
	}
}

func TestNewAppRejectsBadVaultKey(t *testing.T) {
	cfg := config.Default()
	cfg.Vault.Keys = map[string]string{"k1": "not-base64!"}
	cfg.Vault.ActiveKey = "k1"
	if _, err := newApp(context.Background(), cfg, io.Discard); err == nil {
		t.Fatal("expected vault error")
	}
}

func TestOpenBlobStore(t *testing.T) {
	dir := t.TempDir()
	store, err := openBlobStore(context.Background(), config.BlobConfig{Backend: "local", LocalDir: dir})
	if err != nil {
		t.Fatalf("openBlobStore(local) error = %v", err)
	}
	if _, ok := store.(*blob.LocalStore); !ok {
		t.Fatalf("store = %T, want *blob.LocalStore", store)
	}
	store, err = openBlobStore(context.Background(), config.BlobConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("openBlobStore(memory) error = %v", err)
	}
	if _, ok := store.(*blob.MemoryStore); !ok {
		t.Fatalf("store = %T, want *blob.MemoryStore", store)
	}
}

func TestCockroachConfigOverrides(t *testing.T) {
	pool := cockroachConfig(config.DatabaseConfig{MaxOpenConns: 40})
	if pool.MaxOpenConns != 40 || pool.MaxIdleConns != 5 {
		t.Fatalf("pool = %+v", pool)
	}
}

func TestVaultEncrypt(t *testing.T) {
	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	cfg := config.Default()
	cfg.Vault.Keys = map[string]string{"k1": key}
	cfg.Vault.ActiveKey = "k1"

	var out bytes.Buffer
	if err := runVaultEncrypt(context.Background(), cfg, strings.NewReader(`{"api_key":"sk"}`), &out); err != nil {
		t.Fatalf("runVaultEncrypt() error = %v", err)
	}
	sealed := strings.TrimSpace(out.String())
	if !strings.HasPrefix(sealed, "v1:k1:") {
		t.Fatalf("sealed = %q", sealed)
	}

	keyring, _ := vault.NewKeyring(cfg.Vault.Keys, "k1")
	plain, err := keyring.Decrypt(context.Background(), sealed)
	if err != nil || string(plain) != `{"api_key":"sk"}` {
		t.Fatalf("Decrypt() = %q, %v", plain, err)
	}

	if err := runVaultEncrypt(context.Background(), config.Default(), strings.NewReader("x"), io.Discard); err == nil {
		t.Fatal("expected error without keys")
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent0.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nblob:\n  backend: s3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "blob.s3.bucket") {
		t.Fatalf("error = %v, want bucket validation error", err)
	}
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent0.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: test-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"token", "--config", path, "--user", "editor-1", "--workspace", "w1"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out.String()), ".") != 2 {
		t.Fatalf("token = %q", out.String())
	}
}
