// Package seedstore persists slice seeds between reconstruction runs.
//
// A seed is the tail of a target's unsmoothed filter updates. The next
// slice keeps the updates inside its overlap window and resumes the filter
// from the last one, so consecutive invocations join without replaying raw
// measurements.
package seedstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/trackrecon/internal/estimator"
	"github.com/banshee-data/trackrecon/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed seed store.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Open opens or creates the seed database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open seed db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, clock: timeutil.RealClock{}}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: closing it would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var v uint
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// CreateRun registers a run. Registering an existing run is a no-op.
func (s *Store) CreateRun(ctx context.Context, runID, description string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seed_runs (run_id, created_at_ns, description)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, runID, s.clock.Now().UnixNano(), nullString(description))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveSeed stores the seed updates of one target, replacing any earlier
// seed of the same run and target. The run is created when missing.
func (s *Store) SaveSeed(ctx context.Context, runID, targetID string, updates []estimator.Update) error {
	if len(updates) == 0 {
		return fmt.Errorf("save seed for target %s: no updates", targetID)
	}
	payload, err := encodeUpdates(updates)
	if err != nil {
		return fmt.Errorf("encode seed for target %s: %w", targetID, err)
	}
	if err := s.CreateRun(ctx, runID, ""); err != nil {
		return err
	}

	last := updates[len(updates)-1].Time
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO seeds (run_id, target_id, last_time_ns, update_count, payload, saved_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, target_id) DO UPDATE SET
			last_time_ns = excluded.last_time_ns,
			update_count = excluded.update_count,
			payload = excluded.payload,
			saved_at_ns = excluded.saved_at_ns
	`, runID, targetID, last.UnixNano(), len(updates), payload, s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert seed: %w", err)
	}
	return nil
}

// LoadSeed returns the seed updates of one target. The bool is false when
// the run has no seed for the target.
func (s *Store) LoadSeed(ctx context.Context, runID, targetID string) ([]estimator.Update, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM seeds WHERE run_id = ? AND target_id = ?`,
		runID, targetID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get seed: %w", err)
	}

	updates, err := decodeUpdates(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode seed for target %s: %w", targetID, err)
	}
	return updates, true, nil
}

// SeedInfo describes a stored seed without decoding it.
type SeedInfo struct {
	TargetID    string
	LastTime    time.Time
	UpdateCount int
}

// ListTargets returns the seeds of a run ordered by target id.
func (s *Store) ListTargets(ctx context.Context, runID string) ([]SeedInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, last_time_ns, update_count
		FROM seeds
		WHERE run_id = ?
		ORDER BY target_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	defer rows.Close()

	var out []SeedInfo
	for rows.Next() {
		var info SeedInfo
		var lastNs int64
		if err := rows.Scan(&info.TargetID, &lastNs, &info.UpdateCount); err != nil {
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		info.LastTime = time.Unix(0, lastNs).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and all of its seeds.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seeds WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete seeds: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seed_runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
