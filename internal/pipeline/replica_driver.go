// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"zerocache.dev/zerocache/internal/rowkey"
	"zerocache.dev/zerocache/internal/snapshot"
	"zerocache.dev/zerocache/internal/txpool"
	"zerocache.dev/zerocache/shared/tagsql"
)

// ReplicaDriver is a straightforward Driver (§4 Component J) that
// evaluates single-table, no-join queries directly against the embedded
// replica, using the change-log entries a snapshot.Advance already
// carries rather than re-scanning the whole table on every tick.
type ReplicaDriver struct {
	pool *txpool.Pool

	mu      sync.Mutex
	queries map[string]Query
}

// NewReplicaDriver creates a ReplicaDriver reading through pool.
func NewReplicaDriver(pool *txpool.Pool) *ReplicaDriver {
	return &ReplicaDriver{pool: pool, queries: make(map[string]Query)}
}

// txQuerier is the minimal handle this driver needs from a pooled
// read-only transaction.
type txQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// AddQuery installs q and returns the hydration changes: every row in
// Table currently matching Predicate, as OpAdd.
func (d *ReplicaDriver) AddQuery(ctx context.Context, q Query) ([]Change, error) {
	d.mu.Lock()
	d.queries[q.Hash] = q
	d.mu.Unlock()

	rows, err := d.scanTable(ctx, q)
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, Change{
			QueryHash: q.Hash, Table: q.Table,
			RowKey: rowkey.New(q.Schema, q.Table, keyOf(q.KeyColumns, row)),
			Row:    row, Op: OpAdd,
		})
	}
	return changes, nil
}

// RemoveQuery uninstalls queryHash. Row-level removal effects are the
// view-syncer's responsibility (it walks its own row-record refcounts per
// §4.M), not the driver's.
func (d *ReplicaDriver) RemoveQuery(ctx context.Context, queryHash string) error {
	d.mu.Lock()
	delete(d.queries, queryHash)
	d.mu.Unlock()
	return nil
}

// dataOp maps a change-log DML tag to the Op a matching query observes.
func dataOp(tag string) (Op, bool) {
	switch tag {
	case "insert":
		return OpAdd, true
	case "update":
		return OpEdit, true
	case "delete":
		return OpRemove, true
	default:
		return "", false
	}
}

// Advance evaluates every change-log entry in snap.Changes against every
// installed query's table+predicate, yielding add/edit/remove per match.
func (d *ReplicaDriver) Advance(ctx context.Context, snap snapshot.Advance) ([]Change, error) {
	d.mu.Lock()
	queries := make([]Query, 0, len(d.queries))
	for _, q := range d.queries {
		queries = append(queries, q)
	}
	d.mu.Unlock()

	var changes []Change
	for _, entry := range snap.Changes {
		op, ok := dataOp(string(entry.Tag))
		if !ok {
			continue
		}
		row := entry.New
		if row == nil {
			row = entry.Old
		}
		for _, q := range queries {
			if q.Schema != entry.Schema || q.Table != entry.Table {
				continue
			}
			if q.Predicate != nil && !q.Predicate(row) {
				continue
			}
			// An update that changes a query's key columns isn't an
			// in-place edit from the row-record cache's point of view: the
			// record at the old key must be released (and its refcount
			// dropped to zero, if this query was its only referrer) while
			// a record at the new key is created fresh, or the old key's
			// row record would never be cleaned up.
			if op == OpEdit && entry.Old != nil && entry.New != nil {
				oldID := rowkey.New(q.Schema, q.Table, keyOf(q.KeyColumns, entry.Old))
				newID := rowkey.New(q.Schema, q.Table, keyOf(q.KeyColumns, entry.New))
				if !oldID.Equal(newID) {
					changes = append(changes,
						Change{QueryHash: q.Hash, Table: q.Table, RowKey: oldID, Op: OpRemove},
						Change{QueryHash: q.Hash, Table: q.Table, RowKey: newID, Row: entry.New, Op: OpAdd},
					)
					continue
				}
			}
			changes = append(changes, Change{
				QueryHash: q.Hash, Table: q.Table,
				RowKey: rowkey.New(q.Schema, q.Table, keyOf(q.KeyColumns, row)),
				Row:    row, Op: op,
			})
		}
	}
	return changes, nil
}

// GetRow fetches a single row's current value directly from the replica
// table by its key columns.
func (d *ReplicaDriver) GetRow(ctx context.Context, schema, table string, key rowkey.Key) (map[string]any, bool, error) {
	name := replicaTableName(schema, table)
	cols := make([]string, 0, len(key))
	for c := range key {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		conds[i] = fmt.Sprintf("%q = $%d", c, i+1)
		args[i] = key[c].Interface()
	}

	var row map[string]any
	var found bool
	err := d.pool.ProcessReadTask(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		r, ok, err := scanOne(ctx, tx, name, conds, args)
		row, found = r, ok
		return err
	})
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	return row, found, nil
}

func (d *ReplicaDriver) scanTable(ctx context.Context, q Query) ([]map[string]any, error) {
	name := replicaTableName(q.Schema, q.Table)
	var out []map[string]any
	err := d.pool.ProcessReadTask(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		all, err := scanAll(ctx, tx, name)
		if err != nil {
			return err
		}
		for _, row := range all {
			if q.Predicate == nil || q.Predicate(row) {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, Error.Wrap(err)
}

func replicaTableName(schema, table string) string {
	return fmt.Sprintf("%s__%s", schema, table)
}

func scanAll(ctx context.Context, tx txQuerier, table string) ([]map[string]any, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %q`, table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

func scanOne(ctx context.Context, tx txQuerier, table string, conds []string, args []any) (map[string]any, bool, error) {
	query := fmt.Sprintf(`SELECT * FROM %q`, table)
	if len(conds) > 0 {
		query += ` WHERE `
		for i, c := range conds {
			if i > 0 {
				query += ` AND `
			}
			query += c
		}
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()
	all, err := scanRows(rows)
	if err != nil {
		return nil, false, err
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return all[0], true, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = dest[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func keyOf(keyColumns []string, row map[string]any) rowkey.Key {
	k := make(rowkey.Key, len(keyColumns))
	for _, c := range keyColumns {
		k[c] = valueOf(row[c])
	}
	return k
}

// valueOf converts an arbitrary value pulled from a change-log entry or a
// raw driver scan into a rowkey.Value.
func valueOf(v any) rowkey.Value {
	switch x := v.(type) {
	case nil:
		return rowkey.Null
	case string:
		return rowkey.String(x)
	case []byte:
		return rowkey.Bytes(x)
	case int64:
		return rowkey.Int(x)
	case int:
		return rowkey.Int(int64(x))
	case float64:
		return rowkey.Float(x)
	case bool:
		return rowkey.Bool(x)
	default:
		return rowkey.String(fmt.Sprintf("%v", x))
	}
}
