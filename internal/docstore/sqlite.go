package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	tier    TEXT NOT NULL DEFAULT 'free'
);
CREATE TABLE IF NOT EXISTS supporters (
	supporter_id TEXT NOT NULL,
	supported_id TEXT NOT NULL,
	created_at   INTEGER NOT NULL DEFAULT (strftime('%s','now')),
	PRIMARY KEY (supporter_id, supported_id)
);
CREATE INDEX IF NOT EXISTS supporters_by_supported ON supporters (supported_id);
`

// SQLite is the on-device profile store.
type SQLite struct {
	db *sql.DB
}

var _ contracts.DocumentStore = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite docstore path is empty")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate docstore: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// SetTier upserts a profile tier.
func (s *SQLite) SetTier(ctx context.Context, user models.Identity, tier string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, tier) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier`,
		user.String(), strings.TrimSpace(tier))
	return err
}

func (s *SQLite) Tier(ctx context.Context, user models.Identity) (string, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM profiles WHERE user_id = ?`, user.String()).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("profile %q: %w", user, contracts.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return tier, nil
}

func (s *SQLite) Supported(ctx context.Context, supporter models.Identity) ([]models.Identity, error) {
	return s.queryIdentities(ctx,
		`SELECT supported_id FROM supporters WHERE supporter_id = ? ORDER BY supported_id`, supporter)
}

func (s *SQLite) Supporters(ctx context.Context, user models.Identity) ([]models.Identity, error) {
	return s.queryIdentities(ctx,
		`SELECT supporter_id FROM supporters WHERE supported_id = ? ORDER BY supporter_id`, user)
}

func (s *SQLite) AddSupported(ctx context.Context, supporter, supported models.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO supporters (supporter_id, supported_id) VALUES (?, ?)`,
		supporter.String(), supported.String())
	return err
}

func (s *SQLite) queryIdentities(ctx context.Context, query string, arg models.Identity) ([]models.Identity, error) {
	rows, err := s.db.QueryContext(ctx, query, arg.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := models.ParseIdentity(raw)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
