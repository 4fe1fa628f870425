// Package sqlite provides the durable session store backing
// KindPersistentData sessions, on a single sqlite database file.
//
// Writes go through a single writer goroutine: Put and Delete enqueue and
// return without touching disk, so request workers never block on storage
// and the engine's "persistent half is asynchronous" contract holds.
// Reads query the database directly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hearthd/hearth/internal/domain/session"
)

// writeQueueDepth bounds pending writes before enqueueing blocks.
const writeQueueDepth = 256

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	table_name TEXT NOT NULL,
	token      TEXT NOT NULL,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_name, token)
);
`

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type writeOp struct {
	kind  opKind
	table string
	token string
	row   session.PersistentRow
}

// Store implements session.PersistentStore on sqlite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	queue chan writeOp
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (creating if needed) the database file and starts the
// writer goroutine. Call Close to flush and stop it.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	// The writer goroutine is the only writer; readers share.
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing session store schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
		queue:  make(chan writeOp, writeQueueDepth),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// writer drains the queue in FIFO order, preserving per-table write
// ordering.
func (s *Store) writer() {
	defer s.wg.Done()
	for op := range s.queue {
		var err error
		switch op.kind {
		case opPut:
			_, err = s.db.Exec(
				`INSERT INTO sessions (table_name, token, value, expires_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT (table_name, token) DO UPDATE
				 SET value = excluded.value, expires_at = excluded.expires_at`,
				op.table, op.token, op.row.Value, encodeExpiration(op.row.Expiration),
			)
		case opDelete:
			_, err = s.db.Exec(
				`DELETE FROM sessions WHERE table_name = ? AND token = ?`,
				op.table, op.token,
			)
		}
		if err != nil {
			s.logger.Error("session store write failed",
				"table", op.table, "error", err)
		}
	}
}

// Put enqueues an upsert. The durable write completes asynchronously.
func (s *Store) Put(ctx context.Context, table, token string, row session.PersistentRow) error {
	select {
	case s.queue <- writeOp{kind: opPut, table: table, token: token, row: row}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete enqueues a removal. Deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, table, token string) error {
	select {
	case s.queue <- writeOp{kind: opDelete, table: table, token: token}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get reads one row directly from the database. Rows whose expiration
// has passed are reported as absent.
func (s *Store) Get(ctx context.Context, table, token string) (session.PersistentRow, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM sessions WHERE table_name = ? AND token = ?`,
		table, token,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.PersistentRow{}, false, nil
	}
	if err != nil {
		return session.PersistentRow{}, false, fmt.Errorf("reading session row: %w", err)
	}
	row := session.PersistentRow{Value: value, Expiration: decodeExpiration(expiresAt)}
	if !row.Expiration.IsZero() && !time.Now().Before(row.Expiration) {
		return session.PersistentRow{}, false, nil
	}
	return row, true, nil
}

// Fold iterates the live rows of one table until fn returns false.
func (s *Store) Fold(ctx context.Context, table string, fn func(token string, row session.PersistentRow) bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, value, expires_at FROM sessions WHERE table_name = ? ORDER BY token`,
		table,
	)
	if err != nil {
		return fmt.Errorf("iterating session rows: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var token string
		var value []byte
		var expiresAt int64
		if err := rows.Scan(&token, &value, &expiresAt); err != nil {
			return fmt.Errorf("scanning session row: %w", err)
		}
		row := session.PersistentRow{Value: value, Expiration: decodeExpiration(expiresAt)}
		if !row.Expiration.IsZero() && !now.Before(row.Expiration) {
			continue
		}
		if !fn(token, row) {
			return nil
		}
	}
	return rows.Err()
}

// Sweep deletes expired rows. Intended for idle-time administrative use.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`,
		time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close flushes pending writes, stops the writer and closes the
// database. Safe to call multiple times.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
	return s.db.Close()
}

func encodeExpiration(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeExpiration(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Compile-time interface verification.
var _ session.PersistentStore = (*Store)(nil)
