package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/ganymede/pkg/control"
)

// Log is the durable order log. SQLite supports a single writer, so
// the connection pool is pinned to one connection and writes are
// serialized behind a mutex.
type Log struct {
	db        *sql.DB
	path      string
	mu        sync.Mutex
	closeOnce sync.Once

	appendStmt *sql.Stmt
	replayStmt *sql.Stmt
	clearStmt  *sql.Stmt
}

// Entry is one applied order as stored in the log.
type Entry struct {
	Seq       int64            `json:"seq"`
	AppliedAt time.Time        `json:"applied_at"`
	Message   *control.Message `json:"message"`
}

// Persistent reports whether an order type mutates configuration and
// therefore belongs in the log.
func Persistent(t control.OrderType) bool {
	switch t {
	case control.OrderAddListener, control.OrderRemoveListener,
		control.OrderAddCluster, control.OrderRemoveCluster,
		control.OrderAddBackend, control.OrderRemoveBackend,
		control.OrderUpdateCertificate:
		return true
	}
	return false
}

// Open opens (creating if necessary) the order log at path.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("state log path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		path, int((5 * time.Second).Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state log: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Log{db: db, path: path}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	if err := l.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare state statements: %w", err)
	}

	return l, nil
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		order_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_type ON orders(order_type);
	`

	_, err := l.db.Exec(schema)
	return err
}

func (l *Log) prepareStatements() error {
	var err error

	l.appendStmt, err = l.db.Prepare(`
		INSERT INTO orders (order_id, order_type, payload, applied_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append statement: %w", err)
	}

	l.replayStmt, err = l.db.Prepare(`
		SELECT seq, payload, applied_at
		FROM orders
		ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare replay statement: %w", err)
	}

	l.clearStmt, err = l.db.Prepare(`DELETE FROM orders`)
	if err != nil {
		return fmt.Errorf("failed to prepare clear statement: %w", err)
	}

	return nil
}

// Append records one applied order. Non-persistent order types are a
// no-op so callers can log every acknowledged order unconditionally.
func (l *Log) Append(ctx context.Context, m *control.Message) error {
	if m == nil {
		return fmt.Errorf("order cannot be nil")
	}
	if !Persistent(m.Type) {
		return nil
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.appendStmt.ExecContext(ctx, m.ID, string(m.Type), string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append order: %w", err)
	}

	return nil
}

// Replay returns every logged order in application sequence.
func (l *Log) Replay(ctx context.Context) ([]*control.Message, error) {
	entries, err := l.Dump(ctx)
	if err != nil {
		return nil, err
	}
	orders := make([]*control.Message, len(entries))
	for i, e := range entries {
		orders[i] = e.Message
	}
	return orders, nil
}

// Dump returns the full log with sequence numbers and timestamps, as
// served to `ganymede ctl state dump`.
func (l *Log) Dump(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.replayStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			seq       int64
			payload   string
			appliedAt int64
		)
		if err := rows.Scan(&seq, &payload, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}

		var m control.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order %d: %w", seq, err)
		}

		entries = append(entries, Entry{
			Seq:       seq,
			AppliedAt: time.Unix(appliedAt, 0),
			Message:   &m,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}

	return entries, nil
}

// Clear empties the log. Used when loading a replacement state file.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.clearStmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to clear state log: %w", err)
	}
	return nil
}

// Close releases the database. Close is idempotent.
func (l *Log) Close() error {
	var closeErr error

	l.closeOnce.Do(func() {
		if l.appendStmt != nil {
			l.appendStmt.Close()
		}
		if l.replayStmt != nil {
			l.replayStmt.Close()
		}
		if l.clearStmt != nil {
			l.clearStmt.Close()
		}
		if l.db != nil {
			_, _ = l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = l.db.Close()
		}
	})

	return closeErr
}
