package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/pkg/models"
)

type tierSetter interface {
	contracts.DocumentStore
	setTier(user models.Identity, tier string) error
}

type memoryStore struct{ *Memory }

func (m memoryStore) setTier(user models.Identity, tier string) error {
	m.SetTier(user, tier)
	return nil
}

type sqliteStore struct{ *SQLite }

func (s sqliteStore) setTier(user models.Identity, tier string) error {
	return s.SetTier(context.Background(), user, tier)
}

func stores(t *testing.T) map[string]tierSetter {
	t.Helper()
	out := map[string]tierSetter{"memory": memoryStore{NewMemory()}}
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Logf("sqlite unavailable, skipping sqlite driver: %v", err)
		return out
	}
	t.Cleanup(func() { _ = db.Close() })
	out["sqlite"] = sqliteStore{db}
	return out
}

func TestDocumentStoreContract(t *testing.T) {
	alice := models.MustIdentity("alice")
	bob := models.MustIdentity("bob")
	carl := models.MustIdentity("carl")
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Tier(ctx, alice); !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected ErrNotFound for missing profile, got %v", err)
			}
			if err := store.setTier(alice, "supporter3"); err != nil {
				t.Fatalf("set tier: %v", err)
			}
			tier, err := store.Tier(ctx, alice)
			if err != nil || tier != "supporter3" {
				t.Fatalf("unexpected tier %q err=%v", tier, err)
			}

			for _, id := range []models.Identity{carl, bob, bob} {
				if err := store.AddSupported(ctx, alice, id); err != nil {
					t.Fatalf("add supported: %v", err)
				}
			}
			supported, err := store.Supported(ctx, alice)
			if err != nil {
				t.Fatalf("supported: %v", err)
			}
			if len(supported) != 2 || supported[0] != bob || supported[1] != carl {
				t.Fatalf("expected [bob carl], got %v", supported)
			}
			supporters, err := store.Supporters(ctx, bob)
			if err != nil || len(supporters) != 1 || supporters[0] != alice {
				t.Fatalf("unexpected supporters %v err=%v", supporters, err)
			}
		})
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	store, closeFn, err := Open("", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if _, _, err := Open("mongo", ""); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
