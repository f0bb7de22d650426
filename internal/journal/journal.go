// Package journal records station events in an SQLite database so recent
// mode changes and pump commands survive a restart for inspection.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/pump-station/internal/logic"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    TEXT    NOT NULL,
	station_id   INTEGER NOT NULL,
	type         TEXT    NOT NULL,
	from_mode    TEXT    NOT NULL DEFAULT '',
	to_mode      TEXT    NOT NULL DEFAULT '',
	run          BOOLEAN NOT NULL DEFAULT FALSE,
	trigger_kind TEXT    NOT NULL DEFAULT '',
	reason       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_timestamp ON events (timestamp);`

// Journal is an append-only event log.
type Journal struct {
	db        *sql.DB
	retention int
	logger    zerolog.Logger
}

// Open opens (creating if needed) the journal at path. ":memory:" is allowed.
// At most retention rows are kept; zero keeps everything.
func Open(path string, retention int) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{
		db:        db,
		retention: retention,
		logger:    log.With().Str("component", "journal").Logger(),
	}, nil
}

// Record appends one event and trims old rows beyond retention.
func (j *Journal) Record(e logic.Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO events (timestamp, station_id, type, from_mode, to_mode, run, trigger_kind, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.StationID, string(e.Type),
		string(e.From), string(e.To), e.Run, string(e.Trigger), e.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if j.retention > 0 {
		_, err = tx.Exec(`DELETE FROM events WHERE id <= (SELECT MAX(id) FROM events) - ?`, j.retention)
		if err != nil {
			return fmt.Errorf("failed to trim journal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// Observe records e, logging failures. It makes the journal a station observer.
func (j *Journal) Observe(e logic.Event) {
	if err := j.Record(e); err != nil {
		j.logger.Error().Err(err).Str("event", string(e.Type)).Msg("journal write failed")
	}
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]logic.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`SELECT timestamp, station_id, type, from_mode, to_mode, run, trigger_kind, reason FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []logic.Event
	for rows.Next() {
		var (
			ts, typ, from, to, trigger, reason string
			e                                  logic.Event
		)
		if err := rows.Scan(&ts, &e.StationID, &typ, &from, &to, &e.Run, &trigger, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp %q: %w", ts, err)
		}
		e.Type = logic.EventType(typ)
		e.From = logic.Mode(from)
		e.To = logic.Mode(to)
		e.Trigger = logic.TriggerKind(trigger)
		e.Reason = reason
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
