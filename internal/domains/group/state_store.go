package group

import (
	"errors"
	"io/fs"
	"sort"

	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/pkg/models"
)

const snapshotVersion = 1

var ErrInvalidSnapshot = errors.New("group snapshot payload is invalid")

type persistedGroups struct {
	Version int             `json:"version"`
	Owner   models.Identity `json:"owner"`
	Groups  []models.Group  `json:"groups"`
}

// SnapshotStore keeps the last known group list of the operator in an
// encrypted file so List has an answer before the first sync.
type SnapshotStore struct {
	file *securestore.File
}

func NewSnapshotStore(file *securestore.File) *SnapshotStore {
	return &SnapshotStore{file: file}
}

// Load returns the groups persisted for owner. A snapshot written for another
// identity is ignored.
func (s *SnapshotStore) Load(owner models.Identity) (map[string]models.Group, error) {
	out := make(map[string]models.Group)
	if s == nil || !s.file.Enabled() {
		return out, nil
	}
	var state persistedGroups
	if err := s.file.ReadJSON(&state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	if state.Version != snapshotVersion {
		return nil, ErrInvalidSnapshot
	}
	if state.Owner != owner {
		return out, nil
	}
	for _, g := range state.Groups {
		if g.ID == "" {
			return nil, ErrInvalidSnapshot
		}
		out[g.ID] = g
	}
	return out, nil
}

func (s *SnapshotStore) Persist(owner models.Identity, groups map[string]models.Group) error {
	if s == nil || !s.file.Enabled() {
		return nil
	}
	list := make([]models.Group, 0, len(groups))
	for _, g := range groups {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return s.file.WriteJSON(persistedGroups{Version: snapshotVersion, Owner: owner, Groups: list})
}

func (s *SnapshotStore) Wipe() error {
	if s == nil {
		return nil
	}
	return s.file.Remove()
}
