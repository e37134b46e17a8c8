package models

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidIdentity = errors.New("invalid identity")

const maxIdentityLength = 128

// Identity is a chat backend user id. Backend ids are case-insensitive, so the
// only way to build one is ParseIdentity, which normalizes to lower case once.
// The zero value means "no identity".
type Identity struct {
	id string
}

func ParseIdentity(raw string) (Identity, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" || len(id) > maxIdentityLength {
		return Identity{}, ErrInvalidIdentity
	}
	for _, r := range id {
		if r <= ' ' || r == '/' || r == ':' {
			return Identity{}, ErrInvalidIdentity
		}
	}
	return Identity{id: id}, nil
}

// MustIdentity is ParseIdentity for constants and tests.
func MustIdentity(raw string) Identity {
	id, err := ParseIdentity(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (i Identity) String() string { return i.id }

func (i Identity) IsZero() bool { return i.id == "" }

func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.id)
}

func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*i = Identity{}
		return nil
	}
	parsed, err := ParseIdentity(raw)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.id), nil
}

func (i *Identity) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*i = Identity{}
		return nil
	}
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// ParseIdentities parses a list, dropping duplicates while keeping order.
func ParseIdentities(raw []string) ([]Identity, error) {
	out := make([]Identity, 0, len(raw))
	seen := make(map[Identity]struct{}, len(raw))
	for _, r := range raw {
		id, err := ParseIdentity(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
