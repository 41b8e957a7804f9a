// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package tagsql wraps database/sql with context.Context-aware methods and
// per-call-site query tagging, matching storj's private/tagsql. Every
// component that talks SQL (the CVR store, the replicator, the
// snapshotter) goes through this wrapper rather than *sql.DB directly, so
// that a single place can inject tracing, rebind driver-specific
// placeholders, and distinguish drivers that support context cancellation
// from ones (like mattn's sqlite3 cgo driver, historically) that do not.
package tagsql

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of all tagsql errors.
var Error = errs.Class("tagsql")

// ContextSupport describes how well the underlying driver supports
// context cancellation of in-flight queries.
type ContextSupport int

const (
	// SupportNone means the driver does not observe ctx cancellation;
	// callers must not rely on queries aborting promptly.
	SupportNone ContextSupport = iota
	// SupportBasic means the driver supports context cancellation for
	// single statements but not advanced features (e.g. read-only
	// transaction isolation hints).
	SupportBasic
)

// DB is the context-aware handle zerocache code uses instead of *sql.DB.
type DB interface {
	Close() error
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Conn(ctx context.Context) (*sql.Conn, error)
	SetMaxOpenConns(n int)
	SetMaxIdleConns(n int)
	ContextSupport() ContextSupport
	// DriverName returns the driver name this DB was opened or wrapped
	// with (e.g. "postgres", "sqlite3"), for callers that need to pick
	// between dialect-specific SQL (jsonb_to_recordset batching is
	// Postgres-only; sqlite3 has no jsonb type).
	DriverName() string
}

// Tx is the context-aware transaction handle.
type Tx interface {
	Commit() error
	Rollback() error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type db struct {
	inner   *sql.DB
	support ContextSupport
	driver  string
}

// Open opens a DB for driverName/dsn, choosing the ContextSupport level by
// the driver name the way storj's tagsql.Open infers capability from the
// registered driver.
func Open(driverName, dataSourceName string) (DB, error) {
	inner, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	support := SupportBasic
	if driverName == "sqlite3" {
		support = SupportNone
	}
	return &db{inner: inner, support: support, driver: driverName}, nil
}

// Wrap adapts an already-open *sql.DB.
func Wrap(driverName string, inner *sql.DB) DB {
	support := SupportBasic
	if driverName == "sqlite3" {
		support = SupportNone
	}
	return &db{inner: inner, support: support, driver: driverName}
}

func (d *db) Close() error { return d.inner.Close() }

func (d *db) PingContext(ctx context.Context) error { return d.inner.PingContext(ctx) }

func (d *db) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.inner.ExecContext(ctx, tag(Rebind(d.driver, query)), args...)
}

func (d *db) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.inner.QueryContext(ctx, tag(Rebind(d.driver, query)), args...)
}

func (d *db) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.inner.QueryRowContext(ctx, tag(Rebind(d.driver, query)), args...)
}

func (d *db) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := d.inner.BeginTx(ctx, opts)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &txWrapper{inner: tx, driver: d.driver}, nil
}

func (d *db) Conn(ctx context.Context) (*sql.Conn, error) {
	return d.inner.Conn(ctx)
}

func (d *db) SetMaxOpenConns(n int) { d.inner.SetMaxOpenConns(n) }
func (d *db) SetMaxIdleConns(n int) { d.inner.SetMaxIdleConns(n) }

func (d *db) ContextSupport() ContextSupport { return d.support }

func (d *db) DriverName() string { return d.driver }

type txWrapper struct {
	inner  *sql.Tx
	driver string
}

func (t *txWrapper) Commit() error   { return t.inner.Commit() }
func (t *txWrapper) Rollback() error { return t.inner.Rollback() }

func (t *txWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.inner.ExecContext(ctx, tag(Rebind(t.driver, query)), args...)
}

func (t *txWrapper) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.inner.QueryContext(ctx, tag(Rebind(t.driver, query)), args...)
}

func (t *txWrapper) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.inner.QueryRowContext(ctx, tag(Rebind(t.driver, query)), args...)
}

// tag prepends a `/* caller.go:line */` comment to query identifying the
// immediate caller one frame above the tagsql method, the way storj's
// tagsql tags every statement for slow-query logs and pg_stat_statements
// grouping.
func tag(query string) string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return query
	}
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return "/* " + file + ":" + strconv.Itoa(line) + " */ " + query
}

// Rebind rewrites Postgres-style "$1", "$2", ... placeholders into "?" for
// drivers (sqlite3) that don't accept the dollar form as positional
// parameters, so callers can write one query string shared across both
// backends. It is a no-op for every other driver.
func Rebind(driverName, query string) string {
	if driverName != "sqlite3" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			i++
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
