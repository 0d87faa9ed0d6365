// Package db offers Query/Transaction primitives over PostgreSQL, with
// positional binds, SELECT ... FOR UPDATE, batch COPY, and uid = ANY($n)
// array binds. It is deliberately thin: the core (store, imapserver) owns
// all schema knowledge and SQL text; this package only owns how a query
// or transaction is submitted and drained.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/orbitmail/imapd/mlog"
)

// DB is a pooled connection to the mailbox database.
type DB struct {
	sql *sql.DB
	log mlog.Log
}

// Open opens a PostgreSQL connection pool using the lib/pq driver. dsn is a
// standard "postgres://" URL or libpq keyword/value string.
func Open(dsn string, log mlog.Log) (*DB, error) {
	sdb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &DB{sql: sdb, log: log}, nil
}

func (db *DB) Close() error { return db.sql.Close() }

// Begin starts a new top-level Transaction.
func (db *DB) Begin(ctx context.Context) (*Transaction, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Transaction{tx: tx, ctx: ctx, log: db.log}, nil
}

// Write runs fn inside a Transaction, committing if fn returns nil and
// rolling back, returning the error, otherwise.
func (db *DB) Write(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Read runs fn inside a read-only Transaction (still a real transaction, so
// SELECT ... FOR UPDATE can be used by callers that need it for a single
// read-modify-read sequence), rolling back unconditionally afterward.
func (db *DB) Read(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Transaction wraps *sql.Tx: Exec/Query, sub-transactions via
// Savepoint, commit, rollback, and sticky error tracking.
type Transaction struct {
	tx     *sql.Tx
	ctx    context.Context
	log    mlog.Log
	err    error
	done   bool
	nextSP int
}

// Failed reports whether any operation on this transaction (or a
// savepoint taken from it) has already failed; once true, the transaction
// will be rolled back and must not be reused for further work.
func (t *Transaction) Failed() bool { return t.err != nil }

// Error returns the first error recorded against this transaction, if any.
func (t *Transaction) Error() error { return t.err }

// Done reports whether Commit or Rollback has already run.
func (t *Transaction) Done() bool { return t.done }

func (t *Transaction) record(err error) error {
	if err != nil && t.err == nil {
		t.err = err
	}
	return err
}

// Exec runs a statement with positional $n binds.
func (t *Transaction) Exec(query string, args ...any) (sql.Result, error) {
	if t.err != nil {
		return nil, t.err
	}
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	return res, t.record(err)
}

// Query runs a query with positional $n binds and returns the open *Rows;
// the caller must exhaust and close it.
func (t *Transaction) Query(query string, args ...any) (*sql.Rows, error) {
	if t.err != nil {
		return nil, t.err
	}
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	return rows, t.record(err)
}

// QueryRow runs a query expected to return at most one row.
func (t *Transaction) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// LockMailboxForUpdate runs "SELECT nextmodseq FROM mailboxes WHERE
// id=$1 FOR UPDATE" and returns the current nextmodseq, serialising
// concurrent writers to this mailbox via Postgres row locking, the only
// cross-process lock in the system.
func (t *Transaction) LockMailboxForUpdate(mailboxID int64) (int64, error) {
	if t.err != nil {
		return 0, t.err
	}
	var nextModSeq int64
	err := t.QueryRow(`select nextmodseq from mailboxes where id=$1 for update`, mailboxID).Scan(&nextModSeq)
	if t.record(err) != nil {
		return 0, t.err
	}
	return nextModSeq, nil
}

// UIDArray wraps uids for a "uid = any($n)" bind.
func UIDArray(uids []uint32) any {
	return pq.Array(uids)
}

// Int64Array wraps ids for an "= any($n)" bind.
func Int64Array(ids []int64) any {
	return pq.Array(ids)
}

// CopyIn bulk-inserts rows into table(columns...) using PostgreSQL's COPY
// protocol, far cheaper than one INSERT per row.
func (t *Transaction) CopyIn(table string, columns []string, rows [][]any) error {
	if t.err != nil {
		return t.err
	}
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(t.ctx, pq.CopyIn(table, columns...))
	if t.record(err) != nil {
		return t.err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(t.ctx, row...); t.record(err) != nil {
			return t.err
		}
	}
	if _, err := stmt.ExecContext(t.ctx); t.record(err) != nil {
		return t.err
	}
	return t.record(stmt.Close())
}

// Savepoint starts a named sub-transaction that cannot outlive its parent:
// releasing or rolling it back never commits or rolls back the parent, but
// a parent Rollback/Commit implicitly ends any open savepoint.
func (t *Transaction) Savepoint() (*Savepoint, error) {
	if t.err != nil {
		return nil, t.err
	}
	t.nextSP++
	name := fmt.Sprintf("sp_%d", t.nextSP)
	if _, err := t.Exec("savepoint " + name); err != nil {
		return nil, err
	}
	return &Savepoint{parent: t, name: name}, nil
}

// Savepoint is a sub-transaction of a Transaction.
type Savepoint struct {
	parent *Transaction
	name   string
	done   bool
}

func (s *Savepoint) Exec(query string, args ...any) (sql.Result, error) { return s.parent.Exec(query, args...) }
func (s *Savepoint) Query(query string, args ...any) (*sql.Rows, error) { return s.parent.Query(query, args...) }

// Release commits the savepoint's changes into the parent transaction
// (which is still uncommitted).
func (s *Savepoint) Release() error {
	if s.done {
		return nil
	}
	s.done = true
	_, err := s.parent.Exec("release savepoint " + s.name)
	return err
}

// Rollback undoes only this savepoint's changes, leaving the parent
// transaction otherwise usable.
func (s *Savepoint) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	_, err := s.parent.Exec("rollback to savepoint " + s.name)
	return err
}

// Commit commits the transaction. If the transaction already failed, this
// rolls back instead and returns the recorded error.
func (t *Transaction) Commit() error {
	if t.done {
		return t.err
	}
	t.done = true
	if t.err != nil {
		_ = t.tx.Rollback()
		return t.err
	}
	if err := t.tx.Commit(); err != nil {
		t.err = err
		return err
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit or a prior
// Rollback.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
