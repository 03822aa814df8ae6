// Package store is ruleflow's persistence layer: it owns the sqlite-backed
// relational store holding wom_execution, wom_rule, wom_file_iio,
// wom_table_iio, wom_type_input_or_output, wom_option and
// wom_modification_table, per spec §4.7 and §6.
//
// Per the design note in §9 ("Session commit/rollback trick"), binding-time
// writes and worker-time DML are deliberately kept on two session types
// (SchemaSession, WorkerSession in session.go) instead of one shared
// session, so no query/mutate ordering bug can arise from mixing them. All
// DDL runs once, in migrate, when the store is opened.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"ruleflow/internal/errs"
	"ruleflow/internal/logging"
)

// Store owns the underlying *sql.DB and the write lock shared by every
// session it issues (spec §5: "DB session lock").
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and, if needed, creates and migrates) the sqlite database at
// dsn. An empty dsn opens an in-memory database, useful for tests.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, "opening store", err)
	}
	// Scheduler workers each hold their own session/connection for the
	// lifetime of a rule's callback (spec §5: "workers do not share a
	// session handle"); capping at 1 connection would serialize workers on
	// Begin() alone. The store's own write lock (mu), not the pool size,
	// is what prevents SQLITE_BUSY on concurrent commits.
	db.SetMaxOpenConns(32)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.For(logging.CategoryStore).Debugw("failed to set WAL mode", "err", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.For(logging.CategoryStore).Debugw("failed to enable foreign keys", "err", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS wom_schema_version (version INTEGER NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS wom_type_input_or_output (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		is_input BOOLEAN NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS wom_execution (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		status TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS wom_rule (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id INTEGER NOT NULL REFERENCES wom_execution(id),
		rule_name TEXT NOT NULL,
		tool_identifier TEXT NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		duration_ms INTEGER,
		status TEXT NOT NULL,
		UNIQUE(execution_id, rule_name)
	)`,

	`CREATE TABLE IF NOT EXISTS wom_modification_table (
		physical_tablename TEXT PRIMARY KEY,
		modified_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS wom_file_iio (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL REFERENCES wom_rule(id),
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		type_id INTEGER NOT NULL REFERENCES wom_type_input_or_output(id),
		mtime_epoch_millis INTEGER,
		size INTEGER,
		used_at INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS wom_table_iio (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL REFERENCES wom_rule(id),
		logical_name TEXT NOT NULL,
		physical_tablename TEXT NOT NULL REFERENCES wom_modification_table(physical_tablename),
		model_identifier TEXT NOT NULL,
		type_id INTEGER NOT NULL REFERENCES wom_type_input_or_output(id),
		used_at INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS wom_option (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id INTEGER NOT NULL REFERENCES wom_rule(id),
		name TEXT NOT NULL,
		value TEXT
	)`,
}

// migrate creates the schema if absent and seeds the two-row role table.
// It is idempotent: running it against an already-migrated database is a
// no-op, matching the teacher's CREATE TABLE IF NOT EXISTS migration style.
func (s *Store) migrate() error {
	log := logging.For(logging.CategoryStore)
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.PersistenceFailure, "beginning migration", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return errs.Wrap(errs.PersistenceFailure, fmt.Sprintf("running migration: %s", stmt), err)
		}
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM wom_type_input_or_output`).Scan(&count); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "counting role rows", err)
	}
	if count == 0 {
		if _, err := tx.Exec(`INSERT INTO wom_type_input_or_output (is_input) VALUES (?), (?)`, true, false); err != nil {
			return errs.Wrap(errs.PersistenceFailure, "seeding role rows", err)
		}
		log.Debug("seeded wom_type_input_or_output")
	}

	if _, err := tx.Exec(`DELETE FROM wom_schema_version`); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "resetting schema version", err)
	}
	if _, err := tx.Exec(`INSERT INTO wom_schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "recording schema version", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.PersistenceFailure, "committing migration", err)
	}
	log.Debugw("store migrated", "schema_version", schemaVersion)
	return nil
}

func roleTypeID(tx *sql.Tx, isInput bool) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM wom_type_input_or_output WHERE is_input = ?`, isInput).Scan(&id)
	if err != nil {
		return 0, errs.Wrap(errs.PersistenceFailure, "resolving role type id", err)
	}
	return id, nil
}
