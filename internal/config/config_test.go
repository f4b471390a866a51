package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, key := range []string{"API_ADDR", "DATABASE_URL", "PUBLIC_BASE_URL", "API_BASE_URL", "PROOFMARK_SHARE_TTL_SECONDS", "NOTIFY_EMAIL_TO", "MINIO_USE_SSL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Addr != ":4000" || cfg.APIBaseURL != "http://127.0.0.1:4000" {
		t.Fatalf("addr = %q, api base = %q", cfg.Addr, cfg.APIBaseURL)
	}
	if cfg.DatabaseURL != "sqlite:./data/proofmark.db" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.ShareTTL != 30*24*time.Hour {
		t.Fatalf("share ttl = %v", cfg.ShareTTL)
	}
	if cfg.UploadMaxBytes != 50<<20 {
		t.Fatalf("upload max = %d", cfg.UploadMaxBytes)
	}
	if cfg.NotifyEmailTo != nil || cfg.MinIOUseSSL {
		t.Fatalf("unexpected optional values: %+v", cfg)
	}
}

func TestLoadReadsEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	env := "PUBLIC_BASE_URL=https://proofs.example.com/\nMINIO_USE_SSL=true\nAPI_ADDR=:9000\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("API_ADDR", ":7000")
	t.Setenv("NOTIFY_EMAIL_TO", "studio@example.com, ,print@example.com")
	t.Setenv("PROOFMARK_SHARE_TTL_SECONDS", "not-a-number")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("MINIO_USE_SSL", "")
	os.Unsetenv("PUBLIC_BASE_URL")
	os.Unsetenv("MINIO_USE_SSL")

	cfg := Load()
	if cfg.PublicBaseURL != "https://proofs.example.com" {
		t.Fatalf("public base = %q", cfg.PublicBaseURL)
	}
	if !cfg.MinIOUseSSL {
		t.Fatal("MINIO_USE_SSL from .env was ignored")
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("process env should win over .env, got %q", cfg.Addr)
	}
	if len(cfg.NotifyEmailTo) != 2 || cfg.NotifyEmailTo[1] != "print@example.com" {
		t.Fatalf("email list = %v", cfg.NotifyEmailTo)
	}
	if cfg.ShareTTL != 30*24*time.Hour {
		t.Fatalf("bad int should fall back, got %v", cfg.ShareTTL)
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restore cwd: %v", err)
		}
	})
}
