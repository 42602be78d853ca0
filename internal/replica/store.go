package replica

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/thekeeper/internal/keys"
	"github.com/roach88/thekeeper/internal/projection"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - keys and replica tables
// 2 - Added replica.last_redeemed_code
const currentSchemaVersion = 2

// Store persists the replica and its keypair in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode so a crash mid-write leaves the previous replica intact
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the persisted replica. ok is false on a fresh install.
func (s *Store) Load(ctx context.Context) (Replica, bool, error) {
	var (
		r       Replica
		projRaw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor, projection, handle, last_redeemed_code
		FROM replica WHERE id = 1
	`).Scan(&r.Cursor, &projRaw, &r.Handle, &r.LastRedeemedCode)
	if errors.Is(err, sql.ErrNoRows) {
		return New(), false, nil
	}
	if err != nil {
		return Replica{}, false, fmt.Errorf("load replica: %w", err)
	}

	p := projection.New()
	if err := json.Unmarshal([]byte(projRaw), &p); err != nil {
		return Replica{}, false, fmt.Errorf("load replica: decode projection: %w", err)
	}
	if p.Players == nil {
		p.Players = make(map[string]projection.Player)
	}
	if p.Characters == nil {
		p.Characters = make(map[string]projection.Character)
	}
	r.Projection = p
	return r, true, nil
}

// Save writes the whole replica in a single statement, so cursor and
// projection are never persisted apart.
func (s *Store) Save(ctx context.Context, r Replica) error {
	projRaw, err := json.Marshal(r.Projection)
	if err != nil {
		return fmt.Errorf("save replica: encode projection: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replica (id, cursor, projection, handle, last_redeemed_code)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cursor = excluded.cursor,
			projection = excluded.projection,
			handle = excluded.handle,
			last_redeemed_code = excluded.last_redeemed_code
	`, r.Cursor, string(projRaw), r.Handle, r.LastRedeemedCode)
	if err != nil {
		return fmt.Errorf("save replica: %w", err)
	}
	return nil
}

// Reset forgets the replica. The keypair is kept.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replica`); err != nil {
		return fmt.Errorf("reset replica: %w", err)
	}
	return nil
}

// LoadKey implements keys.Store.
func (s *Store) LoadKey(ctx context.Context) (keys.Exported, bool, error) {
	var pub, priv string
	err := s.db.QueryRowContext(ctx, `
		SELECT public_jwk, private_jwk FROM keys WHERE id = 1
	`).Scan(&pub, &priv)
	if errors.Is(err, sql.ErrNoRows) {
		return keys.Exported{}, false, nil
	}
	if err != nil {
		return keys.Exported{}, false, fmt.Errorf("load key: %w", err)
	}
	return keys.Exported{Public: json.RawMessage(pub), Private: json.RawMessage(priv)}, true, nil
}

// SaveKey implements keys.Store. Uses ON CONFLICT DO NOTHING so the first
// stored identity is never replaced.
func (s *Store) SaveKey(ctx context.Context, exp keys.Exported) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keys (id, public_jwk, private_jwk) VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(exp.Public), string(exp.Private))
	if err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds replica.last_redeemed_code to databases created before
// redeem was tracked. New databases already have it from schema.sql.
func migrateToV2(db *sql.DB) error {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('replica') WHERE name = 'last_redeemed_code'
	`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`
		ALTER TABLE replica ADD COLUMN last_redeemed_code TEXT NOT NULL DEFAULT ''
	`); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}
