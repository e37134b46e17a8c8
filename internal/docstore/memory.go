// Package docstore adapts user-profile storage to contracts.DocumentStore.
package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/pkg/models"
)

// Memory keeps profiles in process. It is the default driver and the test
// double for the ledger.
type Memory struct {
	mu        sync.RWMutex
	tiers     map[models.Identity]string
	supported map[models.Identity]map[models.Identity]struct{}
}

var _ contracts.DocumentStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tiers:     make(map[models.Identity]string),
		supported: make(map[models.Identity]map[models.Identity]struct{}),
	}
}

// SetTier plays the billing collaborator.
func (m *Memory) SetTier(user models.Identity, tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[user] = strings.TrimSpace(tier)
}

func (m *Memory) Tier(ctx context.Context, user models.Identity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tier, ok := m.tiers[user]
	if !ok {
		return "", fmt.Errorf("profile %q: %w", user, contracts.ErrNotFound)
	}
	return tier, nil
}

func (m *Memory) Supported(ctx context.Context, supporter models.Identity) ([]models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Identity, 0, len(m.supported[supporter]))
	for id := range m.supported[supporter] {
		out = append(out, id)
	}
	sortIdentities(out)
	return out, nil
}

func (m *Memory) Supporters(ctx context.Context, user models.Identity) ([]models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Identity
	for supporter, set := range m.supported {
		if _, ok := set[user]; ok {
			out = append(out, supporter)
		}
	}
	sortIdentities(out)
	return out, nil
}

func (m *Memory) AddSupported(ctx context.Context, supporter, supported models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.supported[supporter]
	if set == nil {
		set = make(map[models.Identity]struct{})
		m.supported[supporter] = set
	}
	set[supported] = struct{}{}
	return nil
}

func sortIdentities(ids []models.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
