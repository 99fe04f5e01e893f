package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/monitoring"
)

var logf = monitoring.Component("store")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists experiments in a SQLite database. The experiment
// definition, trial arms, trial data and rollout snapshots are JSON columns.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for admin tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// MigrateUp runs all pending migrations.
func (s *SQLiteStore) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *SQLiteStore) MigrateDown() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag. A database with
// no migrations applied reports 0, false.
func (s *SQLiteStore) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *SQLiteStore) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger routes golang-migrate output to the package logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	logf("migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// Save replaces the stored copy of e in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, e *experiment.Experiment) error {
	snap := e.Snapshot()
	trials, history := snap.Trials, snap.History
	armNames := snap.ArmNames
	snap.Trials, snap.History, snap.ArmNames = nil, nil, nil

	definition, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding experiment %s: %w", snap.ID, err)
	}
	names, err := json.Marshal(armNames)
	if err != nil {
		return fmt.Errorf("encoding arm names for %s: %w", snap.ID, err)
	}

	err = retryOnBusy(func() error {
		return s.saveTx(ctx, snap, definition, names, trials, history)
	})
	if err != nil {
		return fmt.Errorf("saving experiment %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SQLiteStore) saveTx(ctx context.Context, snap experiment.Snapshot, definition, names []byte, trials []experiment.TrialSnapshot, history []experiment.RolloutEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiments (experiment_id, name, objective_metric, definition, arm_names, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (experiment_id) DO UPDATE SET
			name = excluded.name,
			objective_metric = excluded.objective_metric,
			definition = excluded.definition,
			arm_names = excluded.arm_names,
			updated_at = excluded.updated_at
	`, snap.ID, snap.Name, snap.Objective.Metric, string(definition), string(names),
		formatTime(snap.CreatedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting experiment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trials WHERE experiment_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clearing trials: %w", err)
	}
	for _, t := range trials {
		arms, err := json.Marshal(t.Arms)
		if err != nil {
			return fmt.Errorf("encoding trial %d arms: %w", t.Index, err)
		}
		var data *string
		if t.Data != nil {
			raw, err := json.Marshal(t.Data)
			if err != nil {
				return fmt.Errorf("encoding trial %d data: %w", t.Index, err)
			}
			str := string(raw)
			data = &str
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trials (experiment_id, trial_index, generator_key, status, arms, data,
			                    failure, abandon_reason, created_at, run_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, t.Index, t.GeneratorKey, string(t.Status), string(arms), data,
			nullStr(t.Failure), nullStr(t.AbandonReason),
			formatTime(t.CreatedAt), nullTime(t.RunAt), nullTime(t.EndedAt))
		if err != nil {
			return fmt.Errorf("inserting trial %d: %w", t.Index, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rollout_history WHERE experiment_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	for seq, h := range history {
		arms, err := json.Marshal(h.Arms)
		if err != nil {
			return fmt.Errorf("encoding history entry %d: %w", seq, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rollout_history (experiment_id, seq, trial_index, generator_key, status, recorded_at, arms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snap.ID, seq, h.TrialIndex, h.GeneratorKey, string(h.Status), formatTime(h.RecordedAt), string(arms))
		if err != nil {
			return fmt.Errorf("inserting history entry %d: %w", seq, err)
		}
	}
	return tx.Commit()
}

// Load restores an experiment, or returns ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*experiment.Experiment, error) {
	var definition, names string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, arm_names FROM experiments WHERE experiment_id = ?`, id,
	).Scan(&definition, &names)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying experiment %s: %w", id, err)
	}

	var snap experiment.Snapshot
	if err := json.Unmarshal([]byte(definition), &snap); err != nil {
		return nil, fmt.Errorf("decoding experiment %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(names), &snap.ArmNames); err != nil {
		return nil, fmt.Errorf("decoding arm names for %s: %w", id, err)
	}
	if snap.Trials, err = s.loadTrials(ctx, id); err != nil {
		return nil, err
	}
	if snap.History, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	return experiment.Restore(snap, nil)
}

func (s *SQLiteStore) loadTrials(ctx context.Context, id string) ([]experiment.TrialSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_index, generator_key, status, arms, data, failure, abandon_reason,
		       created_at, run_at, ended_at
		FROM trials
		WHERE experiment_id = ?
		ORDER BY trial_index
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying trials for %s: %w", id, err)
	}
	defer rows.Close()

	var out []experiment.TrialSnapshot
	for rows.Next() {
		var (
			t                       experiment.TrialSnapshot
			status, arms, createdAt string
			data, failure, abandon  sql.NullString
			runAt, endedAt          sql.NullString
		)
		if err := rows.Scan(&t.Index, &t.GeneratorKey, &status, &arms, &data, &failure, &abandon,
			&createdAt, &runAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning trial for %s: %w", id, err)
		}
		t.Status = experiment.TrialStatus(status)
		t.Failure = failure.String
		t.AbandonReason = abandon.String
		if err := json.Unmarshal([]byte(arms), &t.Arms); err != nil {
			return nil, fmt.Errorf("decoding trial %d arms: %w", t.Index, err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &t.Data); err != nil {
				return nil, fmt.Errorf("decoding trial %d data: %w", t.Index, err)
			}
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.RunAt, err = parseNullTime(runAt); err != nil {
			return nil, err
		}
		if t.EndedAt, err = parseNullTime(endedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadHistory(ctx context.Context, id string) ([]experiment.RolloutEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_index, generator_key, status, recorded_at, arms
		FROM rollout_history
		WHERE experiment_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", id, err)
	}
	defer rows.Close()

	var out []experiment.RolloutEntry
	for rows.Next() {
		var (
			e                        experiment.RolloutEntry
			status, recordedAt, arms string
		)
		if err := rows.Scan(&e.TrialIndex, &e.GeneratorKey, &status, &recordedAt, &arms); err != nil {
			return nil, fmt.Errorf("scanning history for %s: %w", id, err)
		}
		e.Status = experiment.TrialStatus(status)
		if e.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(arms), &e.Arms); err != nil {
			return nil, fmt.Errorf("decoding history arms: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns every stored experiment, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.experiment_id, e.name, e.objective_metric, e.created_at, e.updated_at,
		       (SELECT COUNT(*) FROM trials t WHERE t.experiment_id = e.experiment_id)
		FROM experiments e
	`)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                  Summary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.ObjectiveMetric, &createdAt, &updatedAt, &sum.NumTrials); err != nil {
			return nil, fmt.Errorf("scanning experiment: %w", err)
		}
		if sum.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if sum.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatTime(t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// nullStr returns nil for empty strings, pointer to string otherwise.
func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isSQLiteBusy reports whether err is SQLite's lock contention error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy retries fn up to 5 times with exponential backoff starting at
// 10ms while SQLite reports it is busy. Other errors return immediately.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 5
	delay := 10 * time.Millisecond
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
