// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

import (
	"context"

	"go.uber.org/zap"

	"zerocache.dev/zerocache/shared/migrate"
	"zerocache.dev/zerocache/shared/tagsql"
)

func schemaMigration(db tagsql.DB) *migrate.Migration {
	return &migrate.Migration{
		Table: "cvr",
		Steps: []*migrate.Step{
			{
				DB:          &db,
				Description: "create CVR tables",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE IF NOT EXISTS cvr_instances (
						client_group_id TEXT PRIMARY KEY,
						state_version TEXT NOT NULL,
						minor_version INTEGER NOT NULL DEFAULT 0,
						replica_version TEXT NOT NULL DEFAULT '00',
						ttl_clock BIGINT NOT NULL DEFAULT 0,
						last_active BIGINT NOT NULL DEFAULT 0,
						owner TEXT NOT NULL DEFAULT '',
						granted_at BIGINT NOT NULL DEFAULT 0,
						client_schema TEXT NOT NULL DEFAULT '',
						profile_id TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE TABLE IF NOT EXISTS cvr_rows_version (
						client_group_id TEXT PRIMARY KEY,
						state_version TEXT NOT NULL,
						minor_version INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE TABLE IF NOT EXISTS cvr_clients (
						client_group_id TEXT NOT NULL,
						client_id TEXT NOT NULL,
						last_mutation_id BIGINT NOT NULL DEFAULT 0,
						patch_state_version TEXT NOT NULL DEFAULT '00',
						patch_minor_version INTEGER NOT NULL DEFAULT 0,
						deleted BOOLEAN NOT NULL DEFAULT FALSE,
						PRIMARY KEY (client_group_id, client_id)
					)`,
					`CREATE TABLE IF NOT EXISTS cvr_queries (
						client_group_id TEXT NOT NULL,
						query_hash TEXT NOT NULL,
						client_ast TEXT NOT NULL DEFAULT '',
						query_name TEXT NOT NULL DEFAULT '',
						query_args TEXT NOT NULL DEFAULT '',
						patch_state_version TEXT NOT NULL DEFAULT '00',
						patch_minor_version INTEGER NOT NULL DEFAULT 0,
						transformation_hash TEXT NOT NULL DEFAULT '',
						transformation_version TEXT NOT NULL DEFAULT '',
						internal BOOLEAN NOT NULL DEFAULT FALSE,
						deleted BOOLEAN NOT NULL DEFAULT FALSE,
						error_message TEXT NOT NULL DEFAULT '',
						error_state_version TEXT NOT NULL DEFAULT '00',
						error_minor_version INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (client_group_id, query_hash)
					)`,
					`CREATE TABLE IF NOT EXISTS cvr_desires (
						client_group_id TEXT NOT NULL,
						client_id TEXT NOT NULL,
						query_hash TEXT NOT NULL,
						patch_state_version TEXT NOT NULL DEFAULT '00',
						patch_minor_version INTEGER NOT NULL DEFAULT 0,
						deleted BOOLEAN NOT NULL DEFAULT FALSE,
						ttl_ms BIGINT NOT NULL DEFAULT 0,
						inactivated_at_ms BIGINT NOT NULL DEFAULT 0,
						retry_error_state_version TEXT NOT NULL DEFAULT '00',
						retry_error_minor_version INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (client_group_id, client_id, query_hash)
					)`,
					`CREATE TABLE IF NOT EXISTS cvr_rows (
						client_group_id TEXT NOT NULL,
						schema_name TEXT NOT NULL,
						table_name TEXT NOT NULL,
						row_key TEXT NOT NULL,
						row_version TEXT NOT NULL DEFAULT '',
						patch_state_version TEXT NOT NULL DEFAULT '00',
						patch_minor_version INTEGER NOT NULL DEFAULT 0,
						ref_counts TEXT,
						PRIMARY KEY (client_group_id, schema_name, table_name, row_key)
					)`,
				},
			},
		},
	}
}

// ensureSchema runs pending CVR migrations.
func ensureSchema(ctx context.Context, db tagsql.DB, log *zap.Logger) error {
	return Error.Wrap(schemaMigration(db).Run(ctx, log))
}
