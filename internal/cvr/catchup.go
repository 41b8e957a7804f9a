// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

import (
	"context"
	"database/sql"
	"encoding/json"

	"zerocache.dev/zerocache/internal/lexiver"
)

func decodeRefCounts(raw string, rr *RowRecord) error {
	var m map[string]int
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	rr.RefCounts = m
	return nil
}

// ConfigPatch is one query or desire put/del discovered by
// CatchupConfigPatches.
type ConfigPatch struct {
	Kind   string // "query-put", "query-del", "desire-put", "desire-del"
	Query  *Query
	Desire *Desire
}

// CatchupConfigPatches returns query and desire patches whose patchVersion
// falls in (after, upTo]. It first re-checks that current still matches
// the persisted instance.version: if it doesn't, the in-memory CVR the
// caller is computing patches against is already stale, and the caller
// should reload rather than trust a partial patch set.
func (s *Store) CatchupConfigPatches(ctx context.Context, clientGroupID string, after, upTo, current lexiver.CVRVersion) ([]ConfigPatch, error) {
	if stale, err := s.instanceVersionDiffers(ctx, clientGroupID, current); err != nil {
		return nil, Error.Wrap(err)
	} else if stale {
		return nil, ConcurrentModificationException.New("client group %s: instance advanced past %s while computing catch-up", clientGroupID, current.String())
	}

	var patches []ConfigPatch

	qrows, err := s.db.QueryContext(ctx, `
		SELECT query_hash, client_ast, query_name, query_args, patch_state_version,
		       patch_minor_version, transformation_hash, transformation_version,
		       internal, deleted, error_message, error_state_version, error_minor_version
		FROM cvr_queries
		WHERE client_group_id = $1
		  AND (patch_state_version > $2 OR (patch_state_version = $2 AND patch_minor_version > $3))
		  AND (patch_state_version < $4 OR (patch_state_version = $4 AND patch_minor_version <= $5))`,
		clientGroupID, string(after.StateVersion), after.MinorVersion,
		string(upTo.StateVersion), upTo.MinorVersion)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = qrows.Close() }()
	for qrows.Next() {
		var q Query
		var pv, ev string
		var pm, em int
		if err := qrows.Scan(&q.QueryHash, &q.ClientAST, &q.QueryName, &q.QueryArgs, &pv, &pm,
			&q.TransformationHash, &q.TransformationVer, &q.Internal, &q.Deleted,
			&q.ErrorMessage, &ev, &em); err != nil {
			return nil, Error.Wrap(err)
		}
		q.ClientGroupID = clientGroupID
		q.PatchVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(pv), MinorVersion: pm}
		q.ErrorVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(ev), MinorVersion: em}
		kind := "query-put"
		if q.Deleted {
			kind = "query-del"
		}
		qq := q
		patches = append(patches, ConfigPatch{Kind: kind, Query: &qq})
	}
	if err := qrows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	drows, err := s.db.QueryContext(ctx, `
		SELECT client_id, query_hash, patch_state_version, patch_minor_version, deleted,
		       ttl_ms, inactivated_at_ms, retry_error_state_version, retry_error_minor_version
		FROM cvr_desires
		WHERE client_group_id = $1
		  AND (patch_state_version > $2 OR (patch_state_version = $2 AND patch_minor_version > $3))
		  AND (patch_state_version < $4 OR (patch_state_version = $4 AND patch_minor_version <= $5))`,
		clientGroupID, string(after.StateVersion), after.MinorVersion,
		string(upTo.StateVersion), upTo.MinorVersion)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = drows.Close() }()
	for drows.Next() {
		var d Desire
		var pv, rv string
		var pm, rm int
		if err := drows.Scan(&d.ClientID, &d.QueryHash, &pv, &pm, &d.Deleted,
			&d.TTLMs, &d.InactivatedAtMs, &rv, &rm); err != nil {
			return nil, Error.Wrap(err)
		}
		d.ClientGroupID = clientGroupID
		d.PatchVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(pv), MinorVersion: pm}
		d.RetryErrorVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(rv), MinorVersion: rm}
		kind := "desire-put"
		if d.Deleted {
			kind = "desire-del"
		}
		dd := d
		patches = append(patches, ConfigPatch{Kind: kind, Desire: &dd})
	}
	return patches, Error.Wrap(drows.Err())
}

// RowPatch is one row-record put/del discovered by CatchupRowPatches.
type RowPatch struct {
	Kind   string // "row-put", "row-del"
	Record RowRecord
}

// CatchupRowPatches mirrors CatchupConfigPatches for row records,
// optionally excluding the query hashes in excludeQueryHashes (rows whose
// only referencing query is one the caller is about to resend in full
// don't need an incremental patch).
func (s *Store) CatchupRowPatches(ctx context.Context, clientGroupID string, after, upTo lexiver.CVRVersion, excludeQueryHashes []string) ([]RowPatch, error) {
	exclude := make(map[string]bool, len(excludeQueryHashes))
	for _, h := range excludeQueryHashes {
		exclude[h] = true
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT schema_name, table_name, row_key, row_version, patch_state_version,
		       patch_minor_version, ref_counts
		FROM cvr_rows
		WHERE client_group_id = $1
		  AND (patch_state_version > $2 OR (patch_state_version = $2 AND patch_minor_version > $3))
		  AND (patch_state_version < $4 OR (patch_state_version = $4 AND patch_minor_version <= $5))`,
		clientGroupID, string(after.StateVersion), after.MinorVersion,
		string(upTo.StateVersion), upTo.MinorVersion)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var patches []RowPatch
	for rows.Next() {
		var rr RowRecord
		var pv string
		var pm int
		var refCounts sql.NullString
		if err := rows.Scan(&rr.Schema, &rr.Table, &rr.RowKey, &rr.RowVersion, &pv, &pm, &refCounts); err != nil {
			return nil, Error.Wrap(err)
		}
		rr.ClientGroupID = clientGroupID
		rr.PatchVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(pv), MinorVersion: pm}
		if refCounts.Valid {
			if err := decodeRefCounts(refCounts.String, &rr); err != nil {
				return nil, Error.Wrap(err)
			}
			if onlyExcluded(rr.RefCounts, exclude) {
				continue
			}
		}
		kind := "row-put"
		if rr.RefCounts == nil {
			kind = "row-del"
		}
		patches = append(patches, RowPatch{Kind: kind, Record: rr})
	}
	return patches, Error.Wrap(rows.Err())
}

func onlyExcluded(refCounts map[string]int, exclude map[string]bool) bool {
	if len(refCounts) == 0 {
		return false
	}
	for h := range refCounts {
		if !exclude[h] {
			return false
		}
	}
	return true
}

func (s *Store) instanceVersionDiffers(ctx context.Context, clientGroupID string, current lexiver.CVRVersion) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_version, minor_version FROM cvr_instances WHERE client_group_id = $1`, clientGroupID)
	var sv string
	var mv int
	switch err := row.Scan(&sv, &mv); {
	case err == sql.ErrNoRows:
		// A group that has never been flushed has nothing to diverge
		// from: only treat this as a concurrent modification if the
		// caller's in-memory CVR believed a version already existed.
		return current != (lexiver.CVRVersion{}), nil
	case err != nil:
		return false, err
	}
	return sv != string(current.StateVersion) || mv != current.MinorVersion, nil
}
