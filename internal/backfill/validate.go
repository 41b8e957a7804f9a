// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package backfill

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// catalogShape is what validate reads back from pg_class/pg_attribute at
// the snapshot.
type catalogShape struct {
	relationOID uint32
	schemaOID   uint32
	keyColumns  []string
	attNums     map[string]int16
}

// loadCatalogShape reads the live relation shape within tx, which must
// already be running under the backfill's snapshot.
func loadCatalogShape(ctx context.Context, tx pgx.Tx, schema, table string) (catalogShape, error) {
	var shape catalogShape
	shape.attNums = make(map[string]int16)

	err := tx.QueryRow(ctx, `
		SELECT c.oid, c.relnamespace
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`,
		schema, table,
	).Scan(&shape.relationOID, &shape.schemaOID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return shape, SchemaIncompatibilityError.New("Cannot backfill %s.%s: relation no longer exists", schema, table)
		}
		return shape, Error.Wrap(err)
	}

	rows, err := tx.Query(ctx, `
		SELECT a.attname, a.attnum
		FROM pg_attribute a
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped`,
		shape.relationOID,
	)
	if err != nil {
		return shape, Error.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var num int16
		if err := rows.Scan(&name, &num); err != nil {
			return shape, Error.Wrap(err)
		}
		shape.attNums[name] = num
	}
	if err := rows.Err(); err != nil {
		return shape, Error.Wrap(err)
	}

	keyRows, err := tx.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1 AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`,
		shape.relationOID,
	)
	if err != nil {
		return shape, Error.Wrap(err)
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var name string
		if err := keyRows.Scan(&name); err != nil {
			return shape, Error.Wrap(err)
		}
		shape.keyColumns = append(shape.keyColumns, name)
	}
	if err := keyRows.Err(); err != nil {
		return shape, Error.Wrap(err)
	}

	return shape, nil
}

// validate compares the live catalog shape against req.Metadata and
// returns a SchemaIncompatibilityError with the exact cause described in
// §4.G step 3 / §8 scenario S3 on any mismatch.
func validate(req *Request, live catalogShape) error {
	label := fmt.Sprintf("%s.%s[%s]", req.Schema, req.Table, joinColumns(req.Columns))

	if live.relationOID != req.Metadata.RelationOID {
		return SchemaIncompatibilityError.New("Cannot backfill %s: relation has been renamed or dropped and recreated", label)
	}
	if live.schemaOID != req.Metadata.SchemaOID {
		return SchemaIncompatibilityError.New("Cannot backfill %s: schema has changed", label)
	}
	if !sameColumns(live.keyColumns, req.Metadata.KeyColumns) {
		return SchemaIncompatibilityError.New("Cannot backfill %s: Row key (e.g. PRIMARY KEY or INDEX) has changed", label)
	}
	for _, col := range req.Columns {
		wantAttNum, ok := req.Metadata.ColumnAttNums[col]
		if !ok {
			continue
		}
		liveAttNum, ok := live.attNums[col]
		if !ok {
			return SchemaIncompatibilityError.New("Cannot backfill %s: column %q no longer exists", label, col)
		}
		if liveAttNum != wantAttNum {
			return SchemaIncompatibilityError.New("Cannot backfill %s: column %q no longer corresponds to the original column (columns may have been dropped, renamed, or swapped)", label, col)
		}
	}
	return nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
