// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/shared/tagsql"
)

// MaxLoadAttempts and LoadAttemptInterval bound the rowsVersion-behind
// retry loop in Load (§5: MAX_LOAD_ATTEMPTS = 10, LOAD_ATTEMPT_INTERVAL_MS
// = 500 ms).
const (
	MaxLoadAttempts     = 10
	LoadAttemptInterval = 500 * time.Millisecond
)

// Store is the durable CVR backing store: one Postgres database per
// zerocache deployment, schema-qualified per (appID, shardNum) at the
// caller's discretion (the store itself is schema-agnostic; callers pass
// a clientGroupID that is already unique within whichever schema db
// points at).
type Store struct {
	db tagsql.DB
}

// NewStore wraps db. Call EnsureSchema once before first use.
func NewStore(db tagsql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema runs the CVR table migrations.
func (s *Store) EnsureSchema(ctx context.Context, log *zap.Logger) error {
	return ensureSchema(ctx, s.db, log)
}

// Load reconstructs a client group's CVR, retrying while rowsVersion lags
// the instance version per §4.K. Returns ClientNotFoundError once
// MaxLoadAttempts is exhausted without the versions converging, or if the
// instance row does not exist at all (a brand new group: callers should
// treat that case by starting from cvr.New instead of calling Load).
func (s *Store) Load(ctx context.Context, clientGroupID string) (*CVR, error) {
	for attempt := 0; attempt < MaxLoadAttempts; attempt++ {
		c, behind, err := s.loadOnce(ctx, clientGroupID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if !behind {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, Error.Wrap(ctx.Err())
		case <-time.After(LoadAttemptInterval):
		}
	}
	return nil, ClientNotFoundError.New("rowsVersion did not converge for client group %s after %d attempts", clientGroupID, MaxLoadAttempts)
}

// loadOnce runs the single round trip: one tx.Begin with four selects
// (instance+rowsVersion join, clients, non-deleted queries, all desires)
// issued back to back, per §4.K "Single SQL round trip". The four selects
// share one *sql.Tx, and a single driver connection cannot safely serve
// concurrent queries from multiple goroutines, so they run sequentially
// rather than fanned out: one round trip either way, since each query is
// sent and its rows drained before the next is issued.
func (s *Store) loadOnce(ctx context.Context, clientGroupID string) (_ *CVR, rowsVersionBehind bool, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	c := New(clientGroupID)

	instanceFound, err := loadInstanceAndRowsVersion(ctx, tx, clientGroupID, c)
	if err != nil {
		return nil, false, err
	}
	if err := loadClients(ctx, tx, clientGroupID, c); err != nil {
		return nil, false, err
	}
	if err := loadQueries(ctx, tx, clientGroupID, c); err != nil {
		return nil, false, err
	}
	if err := loadDesires(ctx, tx, clientGroupID, c); err != nil {
		return nil, false, err
	}
	if !instanceFound {
		return nil, false, ClientNotFoundError.New("no instance row for client group %s", clientGroupID)
	}

	if c.Instance.Version.StateVersion != c.RowsVersion.Version.StateVersion ||
		c.Instance.Version.MinorVersion != c.RowsVersion.Version.MinorVersion {
		return nil, true, nil
	}
	return c, false, nil
}

func loadInstanceAndRowsVersion(ctx context.Context, tx tagsql.Tx, clientGroupID string, c *CVR) (bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT i.state_version, i.minor_version, i.replica_version, i.ttl_clock,
		       i.last_active, i.owner, i.granted_at, i.client_schema, i.profile_id,
		       r.state_version, r.minor_version
		FROM cvr_instances i
		JOIN cvr_rows_version r ON r.client_group_id = i.client_group_id
		WHERE i.client_group_id = $1`, clientGroupID)

	var instStateVer, instReplicaVer, rowsStateVer string
	var instMinor, rowsMinor int
	var ttlClock, lastActive, grantedAt int64
	var owner, clientSchema, profileID string
	err := row.Scan(&instStateVer, &instMinor, &instReplicaVer, &ttlClock,
		&lastActive, &owner, &grantedAt, &clientSchema, &profileID,
		&rowsStateVer, &rowsMinor)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.Instance = Instance{
		ClientGroupID:  clientGroupID,
		Version:        lexiver.CVRVersion{StateVersion: lexiver.StateVersion(instStateVer), MinorVersion: instMinor},
		ReplicaVersion: lexiver.StateVersion(instReplicaVer),
		TTLClock:       ttlClock,
		LastActive:     lastActive,
		Owner:          owner,
		GrantedAt:      grantedAt,
		ClientSchema:   clientSchema,
		ProfileID:      profileID,
	}
	c.RowsVersion = RowsVersion{
		ClientGroupID: clientGroupID,
		Version:       lexiver.CVRVersion{StateVersion: lexiver.StateVersion(rowsStateVer), MinorVersion: rowsMinor},
	}
	return true, nil
}

func loadClients(ctx context.Context, tx tagsql.Tx, clientGroupID string, c *CVR) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT client_id, last_mutation_id, patch_state_version, patch_minor_version
		FROM cvr_clients WHERE client_group_id = $1 AND deleted = FALSE`, clientGroupID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Client)
	for rows.Next() {
		var cl Client
		var sv string
		var mv int
		if err := rows.Scan(&cl.ClientID, &cl.LastMutationID, &sv, &mv); err != nil {
			return err
		}
		cl.ClientGroupID = clientGroupID
		cl.PatchVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(sv), MinorVersion: mv}
		out[cl.ClientID] = cl
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.Clients = out
	return nil
}

func loadQueries(ctx context.Context, tx tagsql.Tx, clientGroupID string, c *CVR) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT query_hash, client_ast, query_name, query_args,
		       patch_state_version, patch_minor_version,
		       transformation_hash, transformation_version, internal,
		       error_message, error_state_version, error_minor_version
		FROM cvr_queries WHERE client_group_id = $1 AND deleted = FALSE`, clientGroupID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Query)
	for rows.Next() {
		var q Query
		var pv, ev string
		var pm, em int
		if err := rows.Scan(&q.QueryHash, &q.ClientAST, &q.QueryName, &q.QueryArgs,
			&pv, &pm, &q.TransformationHash, &q.TransformationVer, &q.Internal,
			&q.ErrorMessage, &ev, &em); err != nil {
			return err
		}
		q.ClientGroupID = clientGroupID
		q.PatchVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(pv), MinorVersion: pm}
		q.ErrorVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(ev), MinorVersion: em}
		out[q.QueryHash] = q
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.Queries = out
	return nil
}

func loadDesires(ctx context.Context, tx tagsql.Tx, clientGroupID string, c *CVR) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT client_id, query_hash, patch_state_version, patch_minor_version,
		       ttl_ms, inactivated_at_ms, retry_error_state_version, retry_error_minor_version
		FROM cvr_desires WHERE client_group_id = $1 AND deleted = FALSE`, clientGroupID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]map[string]Desire)
	for rows.Next() {
		var d Desire
		var pv, rv string
		var pm, rm int
		if err := rows.Scan(&d.ClientID, &d.QueryHash, &pv, &pm, &d.TTLMs, &d.InactivatedAtMs, &rv, &rm); err != nil {
			return err
		}
		d.ClientGroupID = clientGroupID
		d.PatchVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(pv), MinorVersion: pm}
		d.RetryErrorVersion = lexiver.CVRVersion{StateVersion: lexiver.StateVersion(rv), MinorVersion: rm}
		m, ok := out[d.ClientID]
		if !ok {
			m = make(map[string]Desire)
			out[d.ClientID] = m
		}
		m[d.QueryHash] = d
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.Desires = out
	return nil
}
