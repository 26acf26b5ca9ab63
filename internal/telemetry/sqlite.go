package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS availability (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT   NOT NULL,
    test_name   TEXT    NOT NULL,
    location    TEXT    NOT NULL,
    success     INTEGER NOT NULL CHECK(success IN (0, 1)),
    message     TEXT    NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL,
    properties  TEXT    NOT NULL DEFAULT '{}',
    recorded_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_availability_test ON availability(test_name, recorded_at DESC);

CREATE TABLE IF NOT EXISTS exceptions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id TEXT    NOT NULL,
    test_name    TEXT    NOT NULL,
    location     TEXT    NOT NULL,
    message      TEXT    NOT NULL,
    stack        TEXT    NOT NULL DEFAULT '',
    recorded_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exceptions_recorded_at ON exceptions(recorded_at DESC);
`

// StoredAvailability is an availability record read back from SQLite.
type StoredAvailability struct {
	Seq int64
	AvailabilityRecord
}

// SQLiteSink stores records in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Send writes the batch in a single transaction.
func (s *SQLiteSink) Send(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range b.Availability {
		props, err := json.Marshal(a.Properties)
		if err != nil {
			return fmt.Errorf("encoding properties for %q: %w", a.ID, err)
		}
		if a.Properties == nil {
			props = []byte("{}")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO availability (operation_id, test_name, location, success, message, duration_ms, properties, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, a.RunLocation, boolToInt(a.Success), a.Message,
			a.Duration.Milliseconds(), string(props),
			a.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting availability %q: %w", a.ID, err)
		}
	}

	for _, e := range b.Exceptions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO exceptions (operation_id, test_name, location, message, stack, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.OperationID, e.TestName, e.Location, e.Message, e.Stack,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting exception %q: %w", e.OperationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing telemetry: %w", err)
	}
	return nil
}

// LatestAvailability returns the most recent record for the given test, or nil if none.
func (s *SQLiteSink) LatestAvailability(ctx context.Context, testName string) (*StoredAvailability, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, operation_id, test_name, location, success, message, duration_ms, properties, recorded_at
		 FROM availability WHERE test_name = ? ORDER BY id DESC LIMIT 1`,
		testName,
	)
	a, err := scanAvailability(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest availability for %q: %w", testName, err)
	}
	return a, nil
}

// AllLatest returns the most recent record for each test name.
func (s *SQLiteSink) AllLatest(ctx context.Context) ([]StoredAvailability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, test_name, location, success, message, duration_ms, properties, recorded_at
		FROM availability
		WHERE id IN (
			SELECT MAX(id) FROM availability GROUP BY test_name
		)
		ORDER BY test_name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying all latest: %w", err)
	}
	defer rows.Close()

	var out []StoredAvailability
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning availability row: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating availability rows: %w", err)
	}
	return out, nil
}

// ExceptionFor returns the exception recorded for a run, or nil if the run had none.
func (s *SQLiteSink) ExceptionFor(ctx context.Context, operationID string) (*ExceptionRecord, error) {
	var e ExceptionRecord
	var recordedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT operation_id, test_name, location, message, stack, recorded_at
		 FROM exceptions WHERE operation_id = ? ORDER BY id DESC LIMIT 1`,
		operationID,
	).Scan(&e.OperationID, &e.TestName, &e.Location, &e.Message, &e.Stack, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying exception for %q: %w", operationID, err)
	}
	if e.Timestamp, err = parseTime(recordedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAvailability(row scanner) (*StoredAvailability, error) {
	var (
		a          StoredAvailability
		success    int
		durationMs int64
		props      string
		recordedAt string
	)
	err := row.Scan(&a.Seq, &a.ID, &a.Name, &a.RunLocation, &success, &a.Message, &durationMs, &props, &recordedAt)
	if err != nil {
		return nil, err
	}
	a.Success = success == 1
	a.Duration = time.Duration(durationMs) * time.Millisecond
	if props != "" && props != "{}" {
		if err := json.Unmarshal([]byte(props), &a.Properties); err != nil {
			return nil, fmt.Errorf("decoding properties: %w", err)
		}
	}
	if a.Timestamp, err = parseTime(recordedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Fallback to RFC3339 without sub-second precision.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing recorded_at %q: %w", s, err)
		}
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
