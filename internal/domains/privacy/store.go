package privacy

import (
	"errors"
	"io/fs"
	"time"

	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/pkg/models"
)

const snapshotVersion = 1

var ErrInvalidSnapshot = errors.New("block snapshot payload is invalid")

// Snapshot is the persisted copy of the local user's own block list.
type Snapshot struct {
	LocalUser models.Identity
	Blocked   []models.Identity
	SavedAt   time.Time
}

type persistedSnapshot struct {
	Version   int               `json:"version"`
	LocalUser models.Identity   `json:"local_user"`
	Blocked   []models.Identity `json:"blocked"`
	SavedAt   time.Time         `json:"saved_at"`
}

// SnapshotStore keeps the block list in an encrypted file. A store without a
// configured file loads nothing and persists nothing.
type SnapshotStore struct {
	file *securestore.File
}

func NewSnapshotStore(file *securestore.File) *SnapshotStore {
	return &SnapshotStore{file: file}
}

func (s *SnapshotStore) Load() (Snapshot, bool, error) {
	if s == nil || !s.file.Enabled() {
		return Snapshot{}, false, nil
	}
	var state persistedSnapshot
	if err := s.file.ReadJSON(&state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	if state.Version != snapshotVersion || state.LocalUser.IsZero() {
		return Snapshot{}, false, ErrInvalidSnapshot
	}
	return Snapshot{LocalUser: state.LocalUser, Blocked: state.Blocked, SavedAt: state.SavedAt}, true, nil
}

func (s *SnapshotStore) Persist(snap Snapshot) error {
	if s == nil || !s.file.Enabled() {
		return nil
	}
	return s.file.WriteJSON(persistedSnapshot{
		Version:   snapshotVersion,
		LocalUser: snap.LocalUser,
		Blocked:   snap.Blocked,
		SavedAt:   snap.SavedAt,
	})
}
