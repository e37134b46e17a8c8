package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"advocate-chat/go-core/internal/testutil/fsperm"
)

func TestLoadOrCreateKeyPrefersExplicitSecret(t *testing.T) {
	dir := t.TempDir()
	secret, err := LoadOrCreateKey(dir, " configured ")
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if secret != "configured" {
		t.Fatalf("expected explicit secret, got %q", secret)
	}
	if _, err := os.Stat(filepath.Join(dir, KeyFileName)); !os.IsNotExist(err) {
		t.Fatalf("explicit secret must not write a key file, stat err=%v", err)
	}
}

func TestLoadOrCreateKeyGeneratesOnceAndReuses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	first, err := LoadOrCreateKey(dir, "")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a generated key")
	}
	second, err := LoadOrCreateKey(dir, "")
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if first != second {
		t.Fatalf("expected the persisted key to be reused")
	}
	fsperm.AssertPrivateDir(t, dir)
	fsperm.AssertPrivateFile(t, filepath.Join(dir, KeyFileName))
}

func TestLoadOrCreateKeyRefusesWhenStateExists(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "swap-journal.enc")
	if err := os.WriteFile(journal, []byte("sealed"), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, err := LoadOrCreateKey(dir, "", journal); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
}

func TestLoadOrCreateKeyWithoutDirDisablesStorage(t *testing.T) {
	secret, err := LoadOrCreateKey("", "")
	if err != nil || secret != "" {
		t.Fatalf("expected empty secret without error, got %q, %v", secret, err)
	}
}
