// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package replicator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/shared/litetype"
	"zerocache.dev/zerocache/shared/tagsql"
)

// replicaTableName maps an upstream (schema, table) pair onto the single
// flat namespace sqlite gives the embedded replica.
func replicaTableName(schema, table string) string {
	return fmt.Sprintf("%s__%s", schema, table)
}

// apply applies one DataMessage's effect to the embedded replica: DDL
// statements against the mirror table, DML as keyed upserts/deletes. It
// does not touch the change-log; callers append that separately so the
// two stay in the same write transaction.
func apply(ctx context.Context, tx tagsql.Tx, d *changestream.DataMessage) error {
	name := replicaTableName(d.Relation.Schema, d.Relation.Table)

	switch d.Tag {
	case changestream.TagCreateTable:
		return applyCreateTable(ctx, tx, name, d)
	case changestream.TagDropTable:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name))
		return Error.Wrap(err)
	case changestream.TagAddColumn:
		col, _ := d.New["column"].(string)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q`, name, col))
		return Error.Wrap(err)
	case changestream.TagDropColumn:
		// sqlite supports DROP COLUMN from 3.35; fall back to a no-op if
		// the driver rejects it, since the column simply stops being
		// written to going forward.
		col, _ := d.Old["column"].(string)
		if col == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q DROP COLUMN %q`, name, col))
		return Error.Wrap(err)
	case changestream.TagRenameColumn:
		oldCol, _ := d.Old["column"].(string)
		newCol, _ := d.New["column"].(string)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q RENAME COLUMN %q TO %q`, name, oldCol, newCol))
		return Error.Wrap(err)
	case changestream.TagRenameTable:
		newTable, _ := d.New["table"].(string)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, name, replicaTableName(d.Relation.Schema, newTable)))
		return Error.Wrap(err)
	case changestream.TagTruncate:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, name))
		return Error.Wrap(err)

	case changestream.TagInsert, changestream.TagUpdate:
		return upsert(ctx, tx, name, d)
	case changestream.TagDelete:
		return deleteRow(ctx, tx, name, d)

	default:
		// DDL tags this applier does not model directly (create-index,
		// drop-index, update-column, change-replica-identity) have no
		// effect on the mirror table's row storage.
		return nil
	}
}

func applyCreateTable(ctx context.Context, tx tagsql.Tx, name string, d *changestream.DataMessage) error {
	cols, _ := d.New["columns"].([]string)
	if len(cols) == 0 {
		for col := range d.New {
			if col != "columns" {
				cols = append(cols, col)
			}
		}
		sort.Strings(cols)
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%q ANY", c)
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (%s)`, name, strings.Join(defs, ", "))
	_, err := tx.ExecContext(ctx, stmt)
	return Error.Wrap(err)
}

func upsert(ctx context.Context, tx tagsql.Tx, name string, d *changestream.DataMessage) error {
	if len(d.New) == 0 {
		return nil
	}
	cols := make([]string, 0, len(d.New))
	for c := range d.New {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		quoted[i] = fmt.Sprintf("%q", c)
		args[i] = d.New[c]
		if len(d.Relation.KeyColumns) > 0 && !contains(d.Relation.KeyColumns, c) {
			updates = append(updates, fmt.Sprintf("%q = excluded.%q", c, c))
		}
	}

	conflictCols := d.Relation.KeyColumns
	if len(conflictCols) == 0 {
		conflictCols = cols
	}
	conflictQuoted := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		conflictQuoted[i] = fmt.Sprintf("%q", c)
	}

	var stmt string
	if len(updates) == 0 {
		stmt = fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
			name, strings.Join(quoted, ", "), strings.Join(placeholders, ", "), strings.Join(conflictQuoted, ", "))
	} else {
		stmt = fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
			name, strings.Join(quoted, ", "), strings.Join(placeholders, ", "), strings.Join(conflictQuoted, ", "), strings.Join(updates, ", "))
	}
	_, err := tx.ExecContext(ctx, stmt, args...)
	return Error.Wrap(err)
}

func deleteRow(ctx context.Context, tx tagsql.Tx, name string, d *changestream.DataMessage) error {
	keyColumns := d.Relation.KeyColumns
	if len(keyColumns) == 0 {
		return nil
	}
	conds := make([]string, len(keyColumns))
	args := make([]any, len(keyColumns))
	for i, c := range keyColumns {
		conds[i] = fmt.Sprintf("%q = $%d", c, i+1)
		args[i] = d.Old[c]
	}
	stmt := fmt.Sprintf(`DELETE FROM %q WHERE %s`, name, strings.Join(conds, " AND "))
	_, err := tx.ExecContext(ctx, stmt, args...)
	return Error.Wrap(err)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// upsertTableMetadata persists the column's lite type string so it
// round-trips losslessly alongside the replica (§4.H).
func upsertTableMetadata(ctx context.Context, tx tagsql.Tx, schema, table, column string, col litetype.Column) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO table_metadata (schema_name, table_name, column_name, lite_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (schema_name, table_name, column_name) DO UPDATE SET lite_type = excluded.lite_type`,
		schema, table, column, litetype.Encode(col))
	return Error.Wrap(err)
}
