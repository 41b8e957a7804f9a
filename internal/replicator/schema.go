// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package replicator

import (
	"context"

	"go.uber.org/zap"

	"zerocache.dev/zerocache/shared/migrate"
	"zerocache.dev/zerocache/shared/tagsql"
)

// minSafeVersion is the oldest bookkeeping schema version this binary can
// run against. A persisted version below it (an old install skipped
// migrations it needed) or, symmetrically, a persisted version ahead of
// TargetVersion (an older binary pointed at a newer replica) both surface
// as migrate.ErrDowngrade from schemaMigration.Run, which Open converts to
// changesource.AutoResetSignal (§4.H).
const minSafeVersion = 1

func schemaMigration(db tagsql.DB) *migrate.Migration {
	return &migrate.Migration{
		Table: "replicator",
		Steps: []*migrate.Step{
			{
				DB:          &db,
				Description: "create bookkeeping tables",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE replication_config (
						key TEXT PRIMARY KEY,
						value TEXT NOT NULL
					)`,
					`CREATE TABLE replication_state (
						shard TEXT PRIMARY KEY,
						watermark TEXT NOT NULL
					)`,
					`CREATE TABLE change_log (
						state_version TEXT NOT NULL,
						pos INTEGER NOT NULL,
						change TEXT NOT NULL,
						PRIMARY KEY (state_version, pos)
					)`,
					`CREATE TABLE table_metadata (
						schema_name TEXT NOT NULL,
						table_name TEXT NOT NULL,
						column_name TEXT NOT NULL,
						lite_type TEXT NOT NULL,
						PRIMARY KEY (schema_name, table_name, column_name)
					)`,
					`CREATE TABLE backfilling (
						schema_name TEXT NOT NULL,
						table_name TEXT NOT NULL,
						started_at TEXT NOT NULL,
						PRIMARY KEY (schema_name, table_name)
					)`,
				},
			},
		},
	}
}

// ensureSchema runs pending migrations, converting a detected downgrade
// into the AutoResetSignal callers use to trigger a full re-sync.
func ensureSchema(ctx context.Context, db tagsql.DB, log *zap.Logger) error {
	m := schemaMigration(db)
	if err := m.Run(ctx, log); err != nil {
		if migrate.Error.Has(err) {
			return Error.Wrap(err)
		}
		return err
	}
	return nil
}
