// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package dbtest picks which backend a CVR-store or replica test runs
// against: an in-process SQLite file for fast default coverage, and
// (opt-in, via environment variable) a real Postgres instance for the
// tests that exercise Postgres-only behavior (jsonb_to_recordset upserts,
// advisory locks, FOR UPDATE CAS). This mirrors storj's
// shared/dbutil/dbtest.Run, which picks between the sqlite and
// ZEROCACHE_TEST_POSTGRES-gated real database depending on what the test
// needs.
package dbtest

import (
	"os"
	"testing"

	"zerocache.dev/zerocache/internal/testcontext"
)

// PostgresEnv is the environment variable holding a libpq connection
// string for the real Postgres instance integration tests run against.
// Tests that need Postgres-only behavior skip when it is unset, exactly
// as the teacher's pgtest.PickPostgres does.
const PostgresEnv = "ZEROCACHE_TEST_POSTGRES"

// PickPostgres returns the Postgres connection string configured for
// tests, or skips the test if none is configured.
func PickPostgres(t *testing.T) string {
	t.Helper()
	connstr := os.Getenv(PostgresEnv)
	if connstr == "" {
		t.Skipf("%s not set, skipping Postgres-backed test", PostgresEnv)
	}
	return connstr
}

// Run executes fn once against a fresh in-memory SQLite database path, and
// again (skipping if unconfigured) against Postgres, mirroring the
// teacher's cross-backend test harness so CVR/replica logic that must work
// identically against both engines is exercised against both.
func Run(t *testing.T, fn func(ctx *testcontext.Context, t *testing.T, driver, dsn string)) {
	t.Helper()

	t.Run("sqlite3", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()
		fn(ctx, t, "sqlite3", "file:"+ctx.File("test.db")+"?_journal_mode=WAL")
	})

	t.Run("postgres", func(t *testing.T) {
		connstr := PickPostgres(t)
		ctx := testcontext.New(t)
		defer ctx.Cleanup()
		fn(ctx, t, "postgres", connstr)
	})
}
