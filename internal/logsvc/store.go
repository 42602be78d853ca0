package logsvc

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/thekeeper/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - actors, keys, events and auth_codes tables
const currentSchemaVersion = 1

// ErrCodeUnknown means a share code does not exist or was already used.
var ErrCodeUnknown = errors.New("unknown or used code")

// Record is a stored event together with the actor that sent it.
type Record struct {
	TS      int64
	ActorID int64
	Event   event.Event
}

// Store provides durable storage for the log service.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// OpenStore creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// This function is idempotent - safe to call multiple times.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
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

// Actors returns every actor, root included, ordered by id.
func (s *Store) Actors(ctx context.Context) ([]Actor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space, COALESCE(handle, '') FROM actors ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query actors: %w", err)
	}
	defer rows.Close()

	var actors []Actor
	for rows.Next() {
		var a Actor
		if err := rows.Scan(&a.ID, &a.Space, &a.Handle); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actors: %w", err)
	}
	return actors, nil
}

// ActorByKey returns the actor a key fingerprint is linked to.
func (s *Store) ActorByKey(ctx context.Context, fingerprint []byte) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id FROM keys WHERE public_key = ?
	`, fingerprint).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query key: %w", err)
	}
	return id, true, nil
}

// CreateActor inserts a new actor in space. When fingerprint is non-nil
// the key is linked to it in the same transaction.
func (s *Store) CreateActor(ctx context.Context, space ActorSpace, fingerprint []byte) (Actor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Actor{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	a := Actor{Space: space}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO actors (space) VALUES (?) RETURNING id
	`, string(space)).Scan(&a.ID); err != nil {
		return Actor{}, fmt.Errorf("insert actor: %w", err)
	}

	if fingerprint != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO keys (public_key, actor_id) VALUES (?, ?)
		`, fingerprint, a.ID); err != nil {
			return Actor{}, fmt.Errorf("insert key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Actor{}, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

// Insert appends accepted records and updates the actors they affect, in
// one transaction.
func (s *Store) Insert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		payload, err := event.PayloadJSON(rec.Event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (ts, actor_id, kind, payload) VALUES (?, ?, ?, ?)
		`, rec.TS, rec.ActorID, string(rec.Event.Kind()), string(payload)); err != nil {
			return fmt.Errorf("insert event ts=%d: %w", rec.TS, err)
		}

		switch p := rec.Event.Payload.(type) {
		case event.SeedActor:
			if _, err := tx.ExecContext(ctx, `
				UPDATE actors SET handle = ? WHERE id = ?
			`, p.Handle, rec.ActorID); err != nil {
				return fmt.Errorf("set handle: %w", err)
			}
		case event.Permission:
			if _, err := tx.ExecContext(ctx, `
				UPDATE actors SET space = ? WHERE id = ?
			`, p.Permission, p.ActorID); err != nil {
				return fmt.Errorf("set space: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Events returns the records with ts > from in ts order.
func (s *Store) Events(ctx context.Context, from int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, actor_id, kind, payload FROM events WHERE ts > ? ORDER BY ts ASC
	`, from)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			kind    string
			payload string
		)
		if err := rows.Scan(&rec.TS, &rec.ActorID, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Event, err = event.Parse(event.Kind(kind), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode event ts=%d: %w", rec.TS, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// LastTS returns the highest stored ts, or 0 for an empty log.
func (s *Store) LastTS(ctx context.Context) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(ts), 0) FROM events
	`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("query last ts: %w", err)
	}
	return ts, nil
}

// InsertCode stores a single-use share code for actorID.
func (s *Store) InsertCode(ctx context.Context, code string, actorID int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (code, actor_id) VALUES (?, ?)
	`, code, actorID); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return nil
}

// Redeem marks code used and links fingerprint to the actor it was issued
// for, replacing any previous link of that key. Returns ErrCodeUnknown
// when the code is missing or spent.
func (s *Store) Redeem(ctx context.Context, code string, fingerprint []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var actorID int64
	err = tx.QueryRowContext(ctx, `
		UPDATE auth_codes SET used = 1 WHERE code = ? AND used = 0 RETURNING actor_id
	`, code).Scan(&actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCodeUnknown
	}
	if err != nil {
		return 0, fmt.Errorf("use code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO keys (public_key, actor_id) VALUES (?, ?)
		ON CONFLICT(public_key) DO UPDATE SET actor_id = excluded.actor_id
	`, fingerprint, actorID); err != nil {
		return 0, fmt.Errorf("link key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return actorID, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}
