package securestore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File is an encrypted JSON state file. A File with an empty path or secret
// is disabled: writes are dropped and reads report fs.ErrNotExist.
type File struct {
	path   string
	secret string
	params KDFParams
}

func NewFile(path, secret string) *File {
	return &File{path: strings.TrimSpace(path), secret: strings.TrimSpace(secret), params: DefaultKDFParams}
}

// WithKDFParams overrides the argon2id cost, e.g. for tests.
func (f *File) WithKDFParams(params KDFParams) *File {
	f.params = params
	return f
}

func (f *File) Enabled() bool {
	return f != nil && f.path != "" && f.secret != ""
}

func (f *File) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// ReadJSON decrypts the file into v.
func (f *File) ReadJSON(v any) error {
	if !f.Enabled() {
		return fs.ErrNotExist
	}
	plaintext, err := readDecryptedFile(f.path, f.secret)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrInvalid
	}
	return nil
}

func (f *File) WriteJSON(v any) error {
	if !f.Enabled() {
		return nil
	}
	return writeEncryptedJSON(f.path, f.secret, v, f.params)
}

// Remove deletes the file; a missing file is not an error.
func (f *File) Remove() error {
	if !f.Enabled() {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func readDecryptedFile(path, secret string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(secret, raw)
}

// writeEncryptedJSON marshals, encrypts and atomically replaces path.
func writeEncryptedJSON(path, secret string, v any, params KDFParams) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := EncryptWithParams(secret, payload, params)
	if err != nil {
		return err
	}
	return replaceFile(path, encrypted)
}

// replaceFile writes data next to path with owner-only permissions, syncs it
// and renames it into place.
func replaceFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
