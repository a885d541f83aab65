package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UnitOfWork is one transaction carried through every store an intent turn
// touches: event append, entity mutation and projection updates commit or
// roll back together. Queries are written with ? placeholders and rebound
// for the active driver on the way through.
type UnitOfWork struct {
	tx      *sqlx.Tx
	dialect Dialect
	done    bool
}

// Begin opens a unit of work. Postgres runs Read Committed; SQLite uses its
// native (serializable) default because the driver rejects other levels.
func (d *DB) Begin(ctx context.Context) (*UnitOfWork, error) {
	var opts *sql.TxOptions
	if d.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := d.BeginTxx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &UnitOfWork{tx: tx, dialect: d.dialect}, nil
}

// ExecContext rebinds and executes.
func (u *UnitOfWork) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return u.tx.ExecContext(ctx, u.tx.Rebind(query), args...)
}

// QueryContext rebinds and queries.
func (u *UnitOfWork) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return u.tx.QueryContext(ctx, u.tx.Rebind(query), args...)
}

// QueryRowContext rebinds and queries one row.
func (u *UnitOfWork) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return u.tx.QueryRowContext(ctx, u.tx.Rebind(query), args...)
}

// QueryxContext rebinds and queries with sqlx row scanning (MapScan for
// generic projection reads).
func (u *UnitOfWork) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return u.tx.QueryxContext(ctx, u.tx.Rebind(query), args...)
}

// Dialect returns the transaction's SQL flavor.
func (u *UnitOfWork) Dialect() Dialect {
	return u.dialect
}

// JSONField mirrors DB.JSONField for query building inside a transaction.
func (u *UnitOfWork) JSONField(column, key string) string {
	if u.dialect == DialectSQLite {
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
	}
	return fmt.Sprintf("%s ->> '%s'", column, key)
}

// Savepoint opens a named savepoint. The rebuild path wraps each event apply
// in one so a poison event rolls back alone while the batch survives.
func (u *UnitOfWork) Savepoint(ctx context.Context, name string) error {
	_, err := u.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// RollbackTo undoes work since the savepoint. The savepoint stays defined;
// pair with Release.
func (u *UnitOfWork) RollbackTo(ctx context.Context, name string) error {
	_, err := u.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// Release discards the savepoint.
func (u *UnitOfWork) Release(ctx context.Context, name string) error {
	_, err := u.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// Commit finishes the unit of work.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Commit()
}

// Rollback abandons the unit of work. Safe to call after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

// InTx runs fn inside one unit of work: commit on nil error, rollback on
// error or panic.
func InTx(ctx context.Context, db *DB, fn func(*UnitOfWork) error) error {
	uow, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = uow.Rollback()
			panic(r)
		}
	}()

	if err := fn(uow); err != nil {
		_ = uow.Rollback()
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
