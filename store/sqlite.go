package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// timeFormat has fixed-width fractions so stored times sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists sessions in a single SQLite table. Operations and
// outcomes are stored as JSON columns since they are always read whole.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path, creating parent
// directories as needed.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; avoids SQLITE_BUSY under concurrent submits.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With(zap.String("component", "store"))}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("sqlite store initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			subject    TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time   TEXT,
			operations TEXT NOT NULL,
			outcomes   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
	`)
	return err
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	ops, err := json.Marshal(nonNil(sess.Operations))
	if err != nil {
		return fmt.Errorf("encoding operations: %w", err)
	}
	outcomes, err := json.Marshal(nonNil(sess.Outcomes))
	if err != nil {
		return fmt.Errorf("encoding outcomes: %w", err)
	}

	var endTime sql.NullString
	if sess.EndTime != nil {
		endTime = sql.NullString{String: sess.EndTime.UTC().Format(timeFormat), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject, start_time, end_time, operations, outcomes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			end_time = excluded.end_time,
			operations = excluded.operations,
			outcomes = excluded.outcomes
	`, sess.ID, sess.Subject, sess.StartTime.UTC().Format(timeFormat), endTime, string(ops), string(outcomes))
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, start_time, end_time, operations, outcomes
		FROM sessions
		WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, start_time, end_time, operations, outcomes
		FROM sessions
		ORDER BY start_time, id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess             Session
		startStr         string
		endStr           sql.NullString
		opsJSON, outJSON string
	)
	if err := sc.Scan(&sess.ID, &sess.Subject, &startStr, &endStr, &opsJSON, &outJSON); err != nil {
		return nil, err
	}

	var err error
	if sess.StartTime, err = time.Parse(time.RFC3339Nano, startStr); err != nil {
		return nil, fmt.Errorf("parsing start_time: %w", err)
	}
	if endStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, endStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing end_time: %w", err)
		}
		sess.EndTime = &t
	}
	if err := json.Unmarshal([]byte(opsJSON), &sess.Operations); err != nil {
		return nil, fmt.Errorf("decoding operations: %w", err)
	}
	if err := json.Unmarshal([]byte(outJSON), &sess.Outcomes); err != nil {
		return nil, fmt.Errorf("decoding outcomes: %w", err)
	}
	return &sess, nil
}

// nonNil keeps empty lists as [] rather than null in the JSON columns.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
