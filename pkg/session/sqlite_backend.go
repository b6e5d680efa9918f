package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements HistoryStore on a SQLite database file.
// Each append runs in one transaction. Several processes on the same host
// may share the file; WAL mode and a busy timeout serialize writers.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteBackend opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	logger := slog.Default().With("component", "session.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps in-process writers from racing on the
	// read-then-write upgrade inside AppendAtomic.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite history store initialized", "path", path)
	return b, nil
}

func (b *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			exchange_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_turns_exchange
			ON turns(session_id, exchange_id);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Get returns the session turns ordered by sequence number.
func (b *SQLiteBackend) Get(ctx context.Context, sessionID string) (Transcript, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT role, content, exchange_id, created_at
		FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	transcript := Transcript{}
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&role, &t.Content, &t.ExchangeID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = Role(role)
		transcript = append(transcript, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return transcript, nil
}

// AppendAtomic inserts every turn inside one transaction.
func (b *SQLiteBackend) AppendAtomic(ctx context.Context, sessionID string, turns []Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if id := exchangeID(turns); id != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM turns WHERE session_id = ? AND exchange_id = ? LIMIT 1`,
			sessionID, id).Scan(&exists)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking exchange: %w", err)
		}
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`,
		sessionID).Scan(&next); err != nil {
		return fmt.Errorf("reading sequence: %w", err)
	}

	for i, t := range turns {
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, seq, role, content, exchange_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, next+int64(i), string(t.Role), t.Content, t.ExchangeID, createdAt); err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Clear deletes every turn of the session.
func (b *SQLiteBackend) Clear(ctx context.Context, sessionID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	if _, err := b.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing turns: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
