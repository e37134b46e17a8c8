package session

import (
	"errors"
	"io/fs"
	"time"

	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/pkg/models"
)

// swapRecord is written before a swap starts and removed once the previous
// identity is restored, so a crash while swapped is repaired on next start.
type swapRecord struct {
	Previous  models.Identity `json:"previous"`
	Target    models.Identity `json:"target"`
	StartedAt time.Time       `json:"started_at"`
}

type journal struct {
	file *securestore.File
}

func (j journal) write(rec swapRecord) error {
	if !j.file.Enabled() {
		return nil
	}
	return j.file.WriteJSON(rec)
}

func (j journal) read() (swapRecord, bool, error) {
	var rec swapRecord
	if !j.file.Enabled() {
		return rec, false, nil
	}
	if err := j.file.ReadJSON(&rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, false, nil
		}
		return rec, false, err
	}
	return rec, !rec.Previous.IsZero(), nil
}

func (j journal) clear() error {
	return j.file.Remove()
}
