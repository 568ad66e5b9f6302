// Package store is the durable journal of update transactions and the
// key/value transaction log, kept in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Transaction is the journaled record of one update transaction.
type Transaction struct {
	ID             uint64    `json:"id"`
	Type           string    `json:"type"`
	Path           string    `json:"path"`
	CheckpointPath string    `json:"checkpoint_path"`
	LogPath        string    `json:"log_path"`
	Size           int64     `json:"size"`
	ExpectedHash   uint32    `json:"expected_hash"`
	Status         string    `json:"status"`
	ErrorCount     int       `json:"error_count"`
	RequiresReboot bool      `json:"requires_reboot"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Event is one status transition of a transaction.
type Event struct {
	TxnID  uint64    `json:"txn_id"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// LogEntry is one write or delete recorded in the key/value transaction log.
type LogEntry struct {
	Seq    int64     `json:"seq"`
	BootID string    `json:"boot_id"`
	Op     string    `json:"op"`
	Key    string    `json:"key"`
	Value  string    `json:"value,omitempty"`
	At     time.Time `json:"at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS transactions (
	id              INTEGER PRIMARY KEY,
	type            TEXT NOT NULL,
	path            TEXT NOT NULL,
	checkpoint_path TEXT NOT NULL,
	log_path        TEXT NOT NULL DEFAULT '',
	size            INTEGER NOT NULL DEFAULT 0,
	expected_hash   INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	error_count     INTEGER NOT NULL DEFAULT 0,
	requires_reboot INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_updated_at ON transactions(updated_at);

CREATE TABLE IF NOT EXISTS transaction_events (
	txn_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transaction_events_txn ON transaction_events(txn_id);

CREATE TABLE IF NOT EXISTS kv_log (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	boot_id TEXT NOT NULL,
	op      TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL DEFAULT '',
	at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_log_boot ON kv_log(boot_id);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 5s wait on lock (engine + recovery overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=FULL: a journaled status must survive power loss
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size
// (0 = default 4). An in-memory database is pinned to one connection, since
// each connection would otherwise see its own empty database.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateTransaction(tx *Transaction) error {
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO transactions (id, type, path, checkpoint_path, log_path, size, expected_hash, status,
			 error_count, requires_reboot, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.Type, tx.Path, tx.CheckpointPath, tx.LogPath, tx.Size, tx.ExpectedHash, tx.Status,
			tx.ErrorCount, tx.RequiresReboot, tx.LastError, tx.CreatedAt.UTC(), tx.UpdatedAt,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

const selectTransactionSQL = `SELECT id, type, path, checkpoint_path, log_path, size, expected_hash, status,
	error_count, requires_reboot, last_error, created_at, updated_at FROM transactions`

func (s *Store) GetTransaction(id uint64) (*Transaction, error) {
	row := s.db.QueryRow(selectTransactionSQL+` WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	return tx, err
}

// ListTransactions returns the newest transactions first. limit <= 0 means all.
func (s *Store) ListTransactions(limit int) ([]*Transaction, error) {
	q := selectTransactionSQL + ` ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListUnfinished returns transactions whose status is not one of terminal,
// oldest first.
func (s *Store) ListUnfinished(terminal ...string) ([]*Transaction, error) {
	q := selectTransactionSQL
	args := make([]any, 0, len(terminal))
	if len(terminal) > 0 {
		q += ` WHERE status NOT IN (` + placeholders(len(terminal)) + `)`
		for _, st := range terminal {
			args = append(args, st)
		}
	}
	rows, err := s.db.Query(q+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// UpdateTransactionStatus records a status transition and appends it to the
// transaction's event history in one database transaction.
func (s *Store) UpdateTransactionStatus(id uint64, status string, errorCount int, lastError string) error {
	now := time.Now().UTC()
	err := retryOnBusy(func() error {
		dbtx, e := s.db.Begin()
		if e != nil {
			return e
		}
		defer dbtx.Rollback()

		result, e := dbtx.Exec(
			`UPDATE transactions SET status = ?, error_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			status, errorCount, lastError, now, id,
		)
		if e != nil {
			return e
		}
		if e := checkRowAffected(result, id); e != nil {
			return e
		}
		if _, e := dbtx.Exec(
			`INSERT INTO transaction_events (txn_id, status, detail, at) VALUES (?, ?, ?, ?)`,
			id, status, lastError, now,
		); e != nil {
			return e
		}
		return dbtx.Commit()
	})
	if err != nil {
		return fmt.Errorf("updating transaction status: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(id uint64) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT txn_id, status, detail, at FROM transaction_events WHERE txn_id = ? ORDER BY rowid ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.TxnID, &ev.Status, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// MaxTransactionID returns the largest journaled id, or 0 when empty.
func (s *Store) MaxTransactionID() (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM transactions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading max transaction id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

// PruneTransactions deletes transactions in one of the terminal statuses last
// updated before cutoff, with their events. It returns how many were removed.
func (s *Store) PruneTransactions(cutoff time.Time, terminal ...string) (int64, error) {
	if len(terminal) == 0 {
		return 0, nil
	}
	args := []any{cutoff.UTC()}
	for _, st := range terminal {
		args = append(args, st)
	}
	where := `updated_at < ? AND status IN (` + placeholders(len(terminal)) + `)`

	var n int64
	err := retryOnBusy(func() error {
		dbtx, e := s.db.Begin()
		if e != nil {
			return e
		}
		defer dbtx.Rollback()

		if _, e := dbtx.Exec(
			`DELETE FROM transaction_events WHERE txn_id IN (SELECT id FROM transactions WHERE `+where+`)`, args...,
		); e != nil {
			return e
		}
		result, e := dbtx.Exec(`DELETE FROM transactions WHERE `+where, args...)
		if e != nil {
			return e
		}
		if n, e = result.RowsAffected(); e != nil {
			return e
		}
		return dbtx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("pruning transactions: %w", err)
	}
	return n, nil
}

func (s *Store) AppendLogEntry(e *LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		result, err := s.db.Exec(
			`INSERT INTO kv_log (boot_id, op, key, value, at) VALUES (?, ?, ?, ?, ?)`,
			e.BootID, e.Op, e.Key, e.Value, e.At.UTC(),
		)
		if err != nil {
			return err
		}
		e.Seq, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	return nil
}

func (s *Store) ListLogEntries(bootID string) ([]LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT seq, boot_id, op, key, value, at FROM kv_log WHERE boot_id = ? ORDER BY seq ASC`, bootID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Seq, &e.BootID, &e.Op, &e.Key, &e.Value, &e.At); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTransaction(row scannable) (*Transaction, error) {
	var tx Transaction
	var hash int64
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.Path, &tx.CheckpointPath, &tx.LogPath, &tx.Size, &hash, &tx.Status,
		&tx.ErrorCount, &tx.RequiresReboot, &tx.LastError, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	tx.ExpectedHash = uint32(hash)
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return txs, nil
}

func checkRowAffected(result sql.Result, id uint64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d: %w", id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
