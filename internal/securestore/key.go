package securestore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const KeyFileName = "storage.key"

// ErrKeyRequired is returned when encrypted state exists but no key does: a
// fresh key could never open it.
var ErrKeyRequired = errors.New("storage key is required for existing encrypted state")

// LoadOrCreateKey returns the passphrase for the state files under dir. An
// explicit secret wins; otherwise dir/storage.key is read, or created when
// none of stateFiles exists yet.
func LoadOrCreateKey(dir, explicit string, stateFiles ...string) (string, error) {
	if secret := strings.TrimSpace(explicit); secret != "" {
		return secret, nil
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", nil
	}
	keyPath := filepath.Join(dir, KeyFileName)
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if path, ok := firstExisting(stateFiles); ok {
		return "", fmt.Errorf("%w: %s", ErrKeyRequired, path)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := WriteKey(dir, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func WriteKey(dir, secret string) error {
	keyPath := filepath.Join(dir, KeyFileName)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(secret), 0o600)
}

func firstExisting(paths []string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() && info.Size() > 0 {
			return p, true
		}
	}
	return "", false
}
