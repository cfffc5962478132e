// Package store persists identities, sessions, sender keys, pre-keys,
// recipients and account credentials in SQLite.
//
// Writes that must be atomic run inside InTransaction. Transactions are
// reentrant: a nested InTransaction joins the outer one, and every query
// made with a context returned by InTransaction runs on that transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/gwillem/signal-keystore/internal/reentrant"
)

// Store wraps a SQLite database.
type Store struct {
	db     *sql.DB
	txLock *reentrant.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS identity (
	address TEXT PRIMARY KEY,
	recipient_id INTEGER NOT NULL DEFAULT 0,
	identity_key BLOB NOT NULL,
	verified INTEGER NOT NULL DEFAULT 0,
	first_use INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL DEFAULT 0,
	nonblocking_approval INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS session (
	account_id TEXT NOT NULL,
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (account_id, address, device_id)
);
CREATE TABLE IF NOT EXISTS sender_key (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	distribution_id BLOB NOT NULL,
	record BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (address, device_id, distribution_id)
);
CREATE TABLE IF NOT EXISTS sender_key_shared (
	distribution_id BLOB NOT NULL,
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (distribution_id, address, device_id)
);
CREATE INDEX IF NOT EXISTS sender_key_shared_address ON sender_key_shared (address, device_id);
CREATE TABLE IF NOT EXISTS pre_key (
	account_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (account_id, id)
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	account_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (account_id, id)
);
CREATE TABLE IF NOT EXISTS recipient (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	aci TEXT UNIQUE,
	pni TEXT UNIQUE,
	e164 TEXT UNIQUE
);
`

// DefaultDataDir returns the default data directory for keystore databases.
// Uses $XDG_DATA_HOME/signal-keystore, falling back to
// ~/.local/share/signal-keystore.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "signal-keystore")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/signal-keystore/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	// Writers start with BEGIN IMMEDIATE and wait for each other instead of
	// failing with SQLITE_BUSY.
	dsn := dbPath + "?_txlock=immediate&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode so readers never wait on the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, txLock: reentrant.New()}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type txKey struct{ s *Store }

// txState is the transaction carried by a context.
type txState struct {
	tx         *sql.Tx
	onRollback []func()
	onCommit   []func()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) txFrom(ctx context.Context) *txState {
	if st, ok := ctx.Value(txKey{s}).(*txState); ok && s.txLock.Held(ctx) {
		return st
	}
	return nil
}

// q returns the transaction carried by ctx, or the database.
func (s *Store) q(ctx context.Context) querier {
	if st := s.txFrom(ctx); st != nil {
		return st.tx
	}
	return s.db
}

// InTransaction runs fn inside a database transaction, committing if fn
// returns nil. The transaction lock is taken before the transaction begins,
// and callers that also need an in-memory lock must take it inside fn.
// Calls made with a ctx that is already inside a transaction join it.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	state := &txState{}
	if err := s.runTx(ctx, state, fn); err != nil {
		return err
	}
	for _, f := range state.onCommit {
		f()
	}
	return nil
}

func (s *Store) runTx(ctx context.Context, state *txState, fn func(ctx context.Context) error) error {
	ctx, release := s.txLock.Acquire(ctx)
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	state.tx = tx
	committed := false
	defer func() {
		if committed {
			return
		}
		tx.Rollback()
		for _, f := range state.onRollback {
			f()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{s}, state)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	committed = true
	return nil
}

// OnRollback registers f to run if the transaction carried by ctx rolls
// back. f runs with the transaction lock still held. Without a transaction
// in ctx it does nothing.
func (s *Store) OnRollback(ctx context.Context, f func()) {
	if st := s.txFrom(ctx); st != nil {
		st.onRollback = append(st.onRollback, f)
	}
}

// OnCommit registers f to run once the transaction carried by ctx has
// committed and its lock is released. Without a transaction in ctx, f runs
// immediately.
func (s *Store) OnCommit(ctx context.Context, f func()) {
	if st := s.txFrom(ctx); st != nil {
		st.onCommit = append(st.onCommit, f)
		return
	}
	f()
}
