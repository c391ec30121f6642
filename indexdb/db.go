// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

const (
	// DriverPostgres is the database/sql driver name of PostgreSQL.
	DriverPostgres = "pgx"

	// DriverSQLite is the database/sql driver name of SQLite.
	DriverSQLite = "sqlite"
)

// Store is the SQL backed index. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open connects to the database identified by driver and dsn and creates the
// schema if needed. SQLite handles are limited to a single connection, which
// serializes writers the same way row locks do on PostgreSQL.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, dbError("open database", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxIdleTime(30 * time.Second)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dbError("ping database", err)
	}

	s := New(db)
	if err := s.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened %s index database", driver)

	return s, nil
}

// New wraps an already opened database handle. The schema is not created.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSchema creates the tables and indexes that do not exist yet.
func (s *Store) CreateSchema(ctx context.Context) error {
	return s.Update(ctx, func(tx *Tx) error {
		for _, stmt := range schema {
			if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
				return dbError("create schema", err)
			}
		}

		return nil
	})
}

// Update runs f inside a read-write database transaction.
func (s *Store) Update(ctx context.Context, f func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}

	if err := f(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Errorf("Unable to roll back transaction: %v", rbErr)
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return dbError("commit transaction", err)
	}

	return nil
}

// View runs f inside a database transaction that is always rolled back.
func (s *Store) View(ctx context.Context, f func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}

	defer func() {
		_ = sqlTx.Rollback()
	}()

	return f(&Tx{tx: sqlTx})
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a database transaction exposing every index operation. A Tx must not
// be used after the Update or View call that created it returns.
//
// Result sets are always drained before the next statement is issued, since
// a pgx connection cannot interleave queries.
type Tx struct {
	tx *sql.Tx
}

// execAffected executes a statement and returns the number of affected rows.
func (t *Tx) execAffected(ctx context.Context, desc, query string,
	args ...any) (int64, error) {

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dbError(desc, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(desc, err)
	}

	return n, nil
}

// exec executes a statement ignoring its result.
func (t *Tx) exec(ctx context.Context, desc, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return dbError(desc, err)
	}

	return nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// isNoRows reports whether err means a single row query found nothing.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullInt64(o fn.Option[int64]) sql.NullInt64 {
	return fn.MapOptionZ(o, func(v int64) sql.NullInt64 {
		return sql.NullInt64{Int64: v, Valid: true}
	})
}

func nullUint64(o fn.Option[uint64]) sql.NullInt64 {
	return fn.MapOptionZ(o, func(v uint64) sql.NullInt64 {
		return sql.NullInt64{Int64: int64(v), Valid: true}
	})
}

func nullString(o fn.Option[string]) sql.NullString {
	return fn.MapOptionZ(o, func(v string) sql.NullString {
		return sql.NullString{String: v, Valid: true}
	})
}

func optInt64(n sql.NullInt64) fn.Option[int64] {
	if !n.Valid {
		return fn.None[int64]()
	}

	return fn.Some(n.Int64)
}

func optUint64(n sql.NullInt64) fn.Option[uint64] {
	if !n.Valid {
		return fn.None[uint64]()
	}

	return fn.Some(uint64(n.Int64))
}

func optUint32(n sql.NullInt64) fn.Option[uint32] {
	if !n.Valid {
		return fn.None[uint32]()
	}

	return fn.Some(uint32(n.Int64))
}

func optString(n sql.NullString) fn.Option[string] {
	if !n.Valid {
		return fn.None[string]()
	}

	return fn.Some(n.String)
}
