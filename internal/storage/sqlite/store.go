// Package sqlite persists pipeline events to a SQLite database.
//
// The schema is managed with golang-migrate from migrations embedded in the
// binary. EventStore is an events sink: Consume drains a bus subscription
// into the database until the context ends or the subscription closes.
package sqlite

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
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/signsync/internal/events"
	"github.com/banshee-data/signsync/internal/fanout"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var log = monitoring.Component("storage")

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// StoredEvent is one persisted event row.
type StoredEvent struct {
	ID         string
	SessionID  string
	Kind       events.Kind
	Mode       string
	Time       time.Time
	Label      string
	Confidence float64
	Category   string
	Key        string
	Payload    json.RawMessage
}

// EventStore writes events to SQLite.
type EventStore struct {
	db      *sql.DB
	clock   timeutil.Clock
	session string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, clock timeutil.Clock) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &EventStore{db: db, clock: timeutil.OrReal(clock)}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	// m is not closed: closing it would close db as well.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *EventStore) SchemaVersion() (uint, error) {
	var v uint
	err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	return v, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { log.Diagf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// Close closes the database.
func (s *EventStore) Close() error { return s.db.Close() }

// StartSession opens a session row; events recorded afterwards carry its
// ID. cfg is stored as JSON.
func (s *EventStore) StartSession(ctx context.Context, cfg interface{}) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode session config: %w", err)
	}
	id := uuid.NewString()
	err = s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pipeline_sessions (session_id, started_at, config_json) VALUES (?, ?, ?)`,
			id, s.clock.Now().UnixNano(), string(raw))
		return err
	})
	if err != nil {
		return "", err
	}
	s.session = id
	log.Ops().Str("session", id).Msg("session started")
	return id, nil
}

// EndSession stamps the end time on the current session.
func (s *EventStore) EndSession(ctx context.Context) error {
	if s.session == "" {
		return nil
	}
	id := s.session
	s.session = ""
	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_sessions SET ended_at = ? WHERE session_id = ?`,
			s.clock.Now().UnixNano(), id)
		return err
	})
}

// Record persists one event.
func (s *EventStore) Record(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var (
		label, category, key interface{}
		confidence           interface{}
	)
	switch {
	case ev.Spatial != nil:
		label, confidence = ev.Spatial.Label, float64(ev.Spatial.Confidence)
	case ev.Sequence != nil:
		label, confidence = ev.Sequence.Label, float64(ev.Sequence.Confidence)
	case ev.Error != nil:
		category, key = string(ev.Error.Category), ev.Error.Key
	case ev.Snapshot != nil:
		if ev.Snapshot.MostConsistent != "" {
			label = ev.Snapshot.MostConsistent
		}
	}
	var session interface{}
	if s.session != "" {
		session = s.session
	}
	at := ev.Time
	if at.IsZero() {
		at = s.clock.Now()
	}

	return s.withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pipeline_events (
				event_id, session_id, kind, mode, occurred_at,
				label, confidence, category, error_key, payload
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID.String(), session, string(ev.Kind), ev.Mode, at.UnixNano(),
			label, confidence, category, key, string(payload),
		)
		return err
	})
}

// Consume records every event from sub until ctx is done or sub is
// closed. Write failures are logged and skipped.
func (s *EventStore) Consume(ctx context.Context, sub *fanout.Subscription[events.Event]) error {
	var written, failed uint64
	defer func() {
		log.Ops().Uint64("written", written).Uint64("failed", failed).Uint64("dropped", sub.Dropped()).Msg("event sink stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := s.Record(ctx, ev); err != nil {
				failed++
				log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to persist event")
				continue
			}
			written++
		}
	}
}

// Recent returns up to limit events, newest first. With kinds set only
// those kinds are returned.
func (s *EventStore) Recent(ctx context.Context, limit int, kinds ...events.Kind) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT event_id, COALESCE(session_id, ''), kind, mode, occurred_at,
		COALESCE(label, ''), COALESCE(confidence, 0), COALESCE(category, ''),
		COALESCE(error_key, ''), payload
		FROM pipeline_events`
	args := make([]interface{}, 0, len(kinds)+1)
	if len(kinds) > 0 {
		marks := make([]string, len(kinds))
		for i, k := range kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` WHERE kind IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			e       StoredEvent
			kind    string
			at      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Mode, &at,
			&e.Label, &e.Confidence, &e.Category, &e.Key, &payload); err != nil {
			return nil, err
		}
		e.Kind = events.Kind(kind)
		e.Time = time.Unix(0, at).UTC()
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeBefore deletes events older than t and returns how many went.
func (s *EventStore) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := s.withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_events WHERE occurred_at < ?`, t.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err == nil && n > 0 {
		log.Diag().Int64("rows", n).Time("before", t).Msg("purged events")
	}
	return n, err
}

// withBusyRetry retries fn while SQLite reports the database as locked.
func (s *EventStore) withBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(5, retry.NewExponential(10*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
