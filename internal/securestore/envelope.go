// Package securestore seals small state files (swap journal, block list
// snapshot, group snapshot) with a passphrase-derived key.
//
// A sealed file is the magic line followed by one CBOR record. The header
// fields (format version, KDF cost, salt, nonce) are authenticated as
// associated data, so editing any of them fails decryption.
package securestore

import (
	"crypto/rand"
	"errors"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	formatVersion = 2
	saltSize      = 16
	magic         = "CHATENC2\n"
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrLegacyData = errors.New("securestore plaintext data")
	ErrNoSecret   = errors.New("securestore passphrase is required")
)

// KDFParams are the argon2id cost parameters recorded in every file.
type KDFParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

var DefaultKDFParams = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

func (p KDFParams) valid() bool {
	return p.Time > 0 && p.Time <= 16 && p.MemoryKB >= 8 && p.MemoryKB <= 1024*1024 && p.Threads > 0
}

type header struct {
	Version  uint8  `cbor:"1,keyasint"`
	Time     uint32 `cbor:"2,keyasint"`
	MemoryKB uint32 `cbor:"3,keyasint"`
	Threads  uint8  `cbor:"4,keyasint"`
	Salt     []byte `cbor:"5,keyasint"`
	Nonce    []byte `cbor:"6,keyasint"`
}

type sealed struct {
	Header     header `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

func (h header) params() KDFParams {
	return KDFParams{Time: h.Time, MemoryKB: h.MemoryKB, Threads: h.Threads}
}

// associatedData binds the ciphertext to the magic line and the header.
func (h header) associatedData() ([]byte, error) {
	encoded, err := cbor.Marshal(h)
	if err != nil {
		return nil, err
	}
	return append([]byte(magic), encoded...), nil
}

func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	return EncryptWithParams(passphrase, plaintext, DefaultKDFParams)
}

func EncryptWithParams(passphrase string, plaintext []byte, params KDFParams) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrNoSecret
	}
	if !params.valid() {
		return nil, ErrInvalid
	}
	h := header{
		Version:  formatVersion,
		Time:     params.Time,
		MemoryKB: params.MemoryKB,
		Threads:  params.Threads,
		Salt:     make([]byte, saltSize),
		Nonce:    make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(h.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(h.Nonce); err != nil {
		return nil, err
	}
	ad, err := h.associatedData()
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(passphrase, h)
	if err != nil {
		return nil, err
	}
	record, err := cbor.Marshal(sealed{Header: h, Ciphertext: aead.Seal(nil, h.Nonce, plaintext, ad)})
	if err != nil {
		return nil, err
	}
	return append([]byte(magic), record...), nil
}

// Decrypt opens data with the KDF cost recorded in its header, so files
// written with older costs stay readable.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), magic) {
		return nil, ErrLegacyData
	}
	var rec sealed
	if err := cbor.Unmarshal(data[len(magic):], &rec); err != nil {
		return nil, ErrInvalid
	}
	h := rec.Header
	if h.Version != formatVersion || !h.params().valid() ||
		len(h.Salt) != saltSize || len(h.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	ad, err := h.associatedData()
	if err != nil {
		return nil, ErrInvalid
	}
	aead, err := newAEAD(passphrase, h)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, h.Nonce, rec.Ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func newAEAD(passphrase string, h header) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	key := argon2.IDKey([]byte(passphrase), h.Salt, h.Time, h.MemoryKB, h.Threads, chacha20poly1305.KeySize)
	defer clear(key)
	return chacha20poly1305.NewX(key)
}
