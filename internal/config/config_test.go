package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testMasterKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "postgres://u:p@localhost/chatdesk")
	t.Setenv("GENERATION_API_KEYS", " k1 , ,k2,k3 ")
	t.Setenv("MASTER_KEY_B64", testMasterKey)
}

func TestLoadDefaultsAndKeyOrder(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"k1", "k2", "k3"}
	if len(cfg.Generation.Keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Generation.Keys)
	}
	for i := range want {
		if cfg.Generation.Keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.Generation.Keys)
		}
	}
	if cfg.Generation.Provider != "gemini" {
		t.Fatalf("unexpected provider %q", cfg.Generation.Provider)
	}
	if cfg.Upload.MaxBytes != 25<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.Upload.MaxBytes)
	}
	if cfg.HTTP.UserHeader != "X-User-ID" {
		t.Fatalf("unexpected user header %q", cfg.HTTP.UserHeader)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("unexpected key id %q", cfg.Crypto.CurrentKeyID)
	}
	if cfg.DeepSearch.Enabled() || cfg.ImageGen.Enabled() {
		t.Fatalf("optional integrations should be disabled without credentials")
	}
}

func TestLoadKeysFromFile(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "keys")
	if err := os.WriteFile(path, []byte("# pool\nfile-a\n\n  file-b  \n"), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	t.Setenv("GENERATION_API_KEYS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Generation.Keys) != 2 || cfg.Generation.Keys[0] != "file-a" || cfg.Generation.Keys[1] != "file-b" {
		t.Fatalf("unexpected keys %v", cfg.Generation.Keys)
	}
}

func TestLoadValidation(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("GENERATION_API_KEYS", "")
	if _, err := Load(); !errors.Is(err, ErrMissingGenKeys) {
		t.Fatalf("expected ErrMissingGenKeys, got %v", err)
	}

	setBaseEnv(t)
	t.Setenv("GENERATION_PROVIDER", "bard")
	if _, err := Load(); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}

	setBaseEnv(t)
	t.Setenv("GENERATION_PROVIDER", "")
	t.Setenv("DB_DSN", "")
	if _, err := Load(); !errors.Is(err, ErrMissingDatabaseDSN) {
		t.Fatalf("expected ErrMissingDatabaseDSN, got %v", err)
	}

	setBaseEnv(t)
	t.Setenv("MASTER_KEY_B64", "")
	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("expected ErrMissingMasterKey, got %v", err)
	}
}

func TestLoadMasterKeysJSON(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEYS_JSON", `{"old":"`+testMasterKey+`","new":"AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="}`)

	if _, err := Load(); err == nil {
		t.Fatalf("expected error without current key id for multiple keys")
	}

	t.Setenv("MASTER_KEY_CURRENT_ID", "new")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "new" || len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("unexpected crypto config: %+v", cfg.Crypto)
	}
}
