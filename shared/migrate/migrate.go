// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package migrate implements the generic, version-tracked SQL migration
// driver used both by the replicator for the embedded replica's own
// bookkeeping tables (replication state, change-log, runtime events,
// column metadata — §4.H) and by the CVR store for its Postgres schema.
//
// Adapted from storj's private/migrate: a Migration is an ordered list of
// Steps, each tagged with the integer version it brings the schema to. Run
// applies every Step whose Version is greater than the version recorded in
// the tracking table, each inside its own transaction.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"zerocache.dev/zerocache/shared/tagsql"
)

// Error is the class of all migrate errors.
var Error = errs.Class("migrate")

// ErrDowngrade is returned by Run when the tracking table records a
// version newer than the highest version this Migration knows how to
// apply: the schema was migrated by newer code than is currently running.
// Callers (the replicator) surface this as AutoResetSignal.
var ErrDowngrade = Error.New("schema version is newer than this binary's migrations")

// Action is one migration step's effect.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error
}

// SQL is an Action that runs a fixed sequence of statements in order.
type SQL []string

// Run implements Action.
func (stmts SQL) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func is an Action implemented by an arbitrary function, for migrations
// that need to inspect or transform existing data rather than just run
// DDL.
type Func func(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error

// Run implements Action.
func (f Func) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	return f(ctx, log, db, tx)
}

// Step is one versioned migration.
type Step struct {
	DB          *tagsql.DB
	Description string
	Version     int
	Action      Action

	// SeparateTx forces this step to commit its own transaction
	// immediately rather than batching with adjacent steps; needed for
	// statements Postgres refuses to run inside a transaction block
	// (e.g. CREATE INDEX CONCURRENTLY).
	SeparateTx bool
}

// Migration is an ordered set of Steps tracked in Table.
type Migration struct {
	Table string
	Steps []*Step
}

// ensureTable creates the version-tracking table if it does not exist.
func (m *Migration) ensureTable(ctx context.Context, db tagsql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s_versions (version INTEGER NOT NULL)`, m.Table))
	return Error.Wrap(err)
}

// currentVersion returns the highest version recorded, or 0 if none.
func (m *Migration) currentVersion(ctx context.Context, db tagsql.DB) (int, error) {
	var version int
	row := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(version), 0) FROM %s_versions`, m.Table))
	if err := row.Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, Error.Wrap(err)
	}
	return version, nil
}

// TargetVersion returns the highest Version among this Migration's Steps.
func (m *Migration) TargetVersion() int {
	target := 0
	for _, s := range m.Steps {
		if s.Version > target {
			target = s.Version
		}
	}
	return target
}

// Run applies every Step whose Version is greater than the currently
// recorded version, in ascending Version order, recording each applied
// version as it commits. Returns ErrDowngrade if the recorded version
// already exceeds TargetVersion.
func (m *Migration) Run(ctx context.Context, log *zap.Logger) error {
	if len(m.Steps) == 0 {
		return nil
	}
	db := *m.Steps[0].DB
	if err := m.ensureTable(ctx, db); err != nil {
		return err
	}

	current, err := m.currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > m.TargetVersion() {
		return ErrDowngrade
	}

	for _, step := range m.Steps {
		if step.Version <= current {
			continue
		}
		stepDB := *step.DB
		tx, err := stepDB.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := step.Action.Run(ctx, log, stepDB, tx); err != nil {
			_ = tx.Rollback()
			return Error.New("step %d (%s): %w", step.Version, step.Description, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s_versions (version) VALUES ($1)`, m.Table), step.Version); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
		log.Info("migration step applied",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))
	}
	return nil
}
