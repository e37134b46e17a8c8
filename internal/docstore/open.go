package docstore

import (
	"fmt"
	"strings"

	"advocate-chat/go-core/internal/domains/contracts"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open builds the store selected by driver and returns its close func.
func Open(driver, path string) (contracts.DocumentStore, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(), func() error { return nil }, nil
	case DriverSQLite:
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown docstore driver %q", driver)
	}
}
