// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

import (
	"context"
	"database/sql"
	"encoding/json"

	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/shared/tagsql"
)

// Flush persists c's in-memory state back to the store in one
// transaction, per §4.K:
//
//  1. SELECT version,owner,grantedAt FOR UPDATE gate (version CAS;
//     concurrent modifications surface as ConcurrentModificationException).
//  2. Instance row upsert at the new version.
//  3. Upserts for queries, clients, desires, and row records: one
//     INSERT ... ON CONFLICT DO UPDATE statement per changed row, issued
//     in a loop per entity kind (see the known-gaps note on batching in
//     DESIGN.md — a Postgres jsonb_to_recordset(...) path that upserts a
//     whole kind in one round trip is the natural next step here, but
//     isn't implemented yet).
func (s *Store) Flush(ctx context.Context, c *CVR, expected lexiver.CVRVersion) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var curStateVersion, curOwner string
	var curMinorVersion int
	var curGranted int64
	row := tx.QueryRowContext(ctx, s.maybeForUpdate(`
		SELECT state_version, minor_version, owner, granted_at
		FROM cvr_instances WHERE client_group_id = $1`), c.Instance.ClientGroupID)
	switch scanErr := row.Scan(&curStateVersion, &curMinorVersion, &curOwner, &curGranted); {
	case scanErr == sql.ErrNoRows:
		// brand new instance: nothing to gate against.
	case scanErr != nil:
		return Error.Wrap(scanErr)
	default:
		current := lexiver.CVRVersion{StateVersion: lexiver.StateVersion(curStateVersion), MinorVersion: curMinorVersion}
		if !current.Equal(expected) {
			return ConcurrentModificationException.New("client group %s: expected version %s, found %s", c.Instance.ClientGroupID, expected.String(), current.String())
		}
	}

	if err = upsertInstance(ctx, tx, c.Instance); err != nil {
		return Error.Wrap(err)
	}
	if err = upsertRowsVersion(ctx, tx, c.RowsVersion); err != nil {
		return Error.Wrap(err)
	}
	if err = s.upsertQueries(ctx, tx, c); err != nil {
		return Error.Wrap(err)
	}
	if err = s.upsertClients(ctx, tx, c); err != nil {
		return Error.Wrap(err)
	}
	if err = s.upsertDesires(ctx, tx, c); err != nil {
		return Error.Wrap(err)
	}
	if err = s.upsertRowRecords(ctx, tx, c); err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(tx.Commit())
}

func (s *Store) maybeForUpdate(query string) string {
	if s.db.DriverName() == "postgres" {
		return query + " FOR UPDATE"
	}
	return query
}

func upsertInstance(ctx context.Context, tx tagsql.Tx, i Instance) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cvr_instances (client_group_id, state_version, minor_version, replica_version,
			ttl_clock, last_active, owner, granted_at, client_schema, profile_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (client_group_id) DO UPDATE SET
			state_version = excluded.state_version,
			minor_version = excluded.minor_version,
			replica_version = excluded.replica_version,
			ttl_clock = excluded.ttl_clock,
			last_active = excluded.last_active,
			owner = excluded.owner,
			granted_at = excluded.granted_at,
			client_schema = excluded.client_schema,
			profile_id = excluded.profile_id`,
		i.ClientGroupID, string(i.Version.StateVersion), i.Version.MinorVersion, string(i.ReplicaVersion),
		i.TTLClock, i.LastActive, i.Owner, i.GrantedAt, i.ClientSchema, i.ProfileID)
	return err
}

func upsertRowsVersion(ctx context.Context, tx tagsql.Tx, rv RowsVersion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cvr_rows_version (client_group_id, state_version, minor_version)
		VALUES ($1,$2,$3)
		ON CONFLICT (client_group_id) DO UPDATE SET
			state_version = excluded.state_version, minor_version = excluded.minor_version`,
		rv.ClientGroupID, string(rv.Version.StateVersion), rv.Version.MinorVersion)
	return err
}

func (s *Store) upsertQueries(ctx context.Context, tx tagsql.Tx, c *CVR) error {
	for _, q := range c.Queries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cvr_queries (client_group_id, query_hash, client_ast, query_name, query_args,
				patch_state_version, patch_minor_version, transformation_hash, transformation_version,
				internal, deleted, error_message, error_state_version, error_minor_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (client_group_id, query_hash) DO UPDATE SET
				client_ast = excluded.client_ast, query_name = excluded.query_name,
				query_args = excluded.query_args,
				patch_state_version = excluded.patch_state_version,
				patch_minor_version = excluded.patch_minor_version,
				transformation_hash = excluded.transformation_hash,
				transformation_version = excluded.transformation_version,
				internal = excluded.internal, deleted = excluded.deleted,
				error_message = excluded.error_message,
				error_state_version = excluded.error_state_version,
				error_minor_version = excluded.error_minor_version`,
			c.Instance.ClientGroupID, q.QueryHash, q.ClientAST, q.QueryName, q.QueryArgs,
			string(q.PatchVersion.StateVersion), q.PatchVersion.MinorVersion,
			q.TransformationHash, q.TransformationVer, q.Internal, q.Deleted,
			q.ErrorMessage, string(q.ErrorVersion.StateVersion), q.ErrorVersion.MinorVersion)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertClients(ctx context.Context, tx tagsql.Tx, c *CVR) error {
	for _, cl := range c.Clients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cvr_clients (client_group_id, client_id, last_mutation_id,
				patch_state_version, patch_minor_version, deleted)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (client_group_id, client_id) DO UPDATE SET
				last_mutation_id = excluded.last_mutation_id,
				patch_state_version = excluded.patch_state_version,
				patch_minor_version = excluded.patch_minor_version,
				deleted = excluded.deleted`,
			c.Instance.ClientGroupID, cl.ClientID, cl.LastMutationID,
			string(cl.PatchVersion.StateVersion), cl.PatchVersion.MinorVersion, cl.Deleted)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertDesires(ctx context.Context, tx tagsql.Tx, c *CVR) error {
	for _, byQuery := range c.Desires {
		for _, d := range byQuery {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO cvr_desires (client_group_id, client_id, query_hash,
					patch_state_version, patch_minor_version, deleted, ttl_ms,
					inactivated_at_ms, retry_error_state_version, retry_error_minor_version)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
				ON CONFLICT (client_group_id, client_id, query_hash) DO UPDATE SET
					patch_state_version = excluded.patch_state_version,
					patch_minor_version = excluded.patch_minor_version,
					deleted = excluded.deleted, ttl_ms = excluded.ttl_ms,
					inactivated_at_ms = excluded.inactivated_at_ms,
					retry_error_state_version = excluded.retry_error_state_version,
					retry_error_minor_version = excluded.retry_error_minor_version`,
				c.Instance.ClientGroupID, d.ClientID, d.QueryHash,
				string(d.PatchVersion.StateVersion), d.PatchVersion.MinorVersion, d.Deleted,
				d.TTLMs, d.InactivatedAtMs,
				string(d.RetryErrorVersion.StateVersion), d.RetryErrorVersion.MinorVersion)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) upsertRowRecords(ctx context.Context, tx tagsql.Tx, c *CVR) error {
	for _, rr := range c.RowRecords {
		var refCounts sql.NullString
		if rr.RefCounts != nil {
			b, err := json.Marshal(rr.RefCounts)
			if err != nil {
				return err
			}
			refCounts = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cvr_rows (client_group_id, schema_name, table_name, row_key, row_version,
				patch_state_version, patch_minor_version, ref_counts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (client_group_id, schema_name, table_name, row_key) DO UPDATE SET
				row_version = excluded.row_version,
				patch_state_version = excluded.patch_state_version,
				patch_minor_version = excluded.patch_minor_version,
				ref_counts = excluded.ref_counts`,
			c.Instance.ClientGroupID, rr.Schema, rr.Table, rr.RowKey, rr.RowVersion,
			string(rr.PatchVersion.StateVersion), rr.PatchVersion.MinorVersion, refCounts)
		if err != nil {
			return err
		}
	}
	return nil
}
