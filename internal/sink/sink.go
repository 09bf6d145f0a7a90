// Package sink implements the write-only observability Sink (SPEC_FULL.md
// §4.13): a SQLite table the engine appends to for every command executed
// and every session lifecycle transition, entirely separate from the
// artifact tree. Nothing ever reads this table back inside the engine;
// it exists for external dashboards/alerting to query, so every write
// failure here is warn-and-continue (sessionerr.ErrArtifactWriteFailed-
// adjacent, never fatal to a command), per spec.md §7.
//
// Schema migrations run through golang-migrate against the embedded
// migrations/ directory.
package sink

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind distinguishes the two record shapes the sink stores.
type Kind string

const (
	KindCommand  Kind = "command"
	KindLifecycle Kind = "lifecycle"
)

// Record is one write-only observability row.
type Record struct {
	ClientID     string
	TestID       string
	SessionID    string
	Kind         Kind
	CommandIndex int
	Payload      map[string]any
}

// Sink owns the SQLite handle and migration state.
type Sink struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the sink database at path and applies
// any pending migrations.
func Open(path string, log *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: ping db: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: driver: %w", err)
	}
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		db.Close()
		return nil, fmt.Errorf("sink: migrate up: %w", err)
	}

	return &Sink{db: db, log: log}, nil
}

func (s *Sink) Close() error {
	return s.db.Close()
}

// Write appends one record. Failures are logged and swallowed: the sink is
// observability-only and must never interrupt command execution.
func (s *Sink) Write(ctx context.Context, rec Record) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		s.log.Warn("sink: marshal payload failed", "error", err)
		return
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sink_records (id, client_id, test_id, session_id, kind, command_index, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.ClientID, rec.TestID, rec.SessionID, string(rec.Kind), rec.CommandIndex, string(payload), time.Now().UTC(),
	)
	if err != nil {
		s.log.Warn("sink: write failed", "error", err, "kind", rec.Kind)
	}
}
