// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package rowkey builds the deterministic canonical identity used
// throughout the CVR and caches for a single upstream row: the triple
// (schema, table, key columns).
package rowkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is one column value participating in a row key. Only the handful
// of scalar kinds that can appear in a Postgres primary key or unique index
// are supported; composite/array key columns are not.
type Value struct {
	// Null is true when the column value is SQL NULL.
	Null bool
	// kind discriminates which of the typed fields is populated.
	kind  valueKind
	i     int64
	f     float64
	s     string
	b     bool
	bytes []byte
}

type valueKind uint8

const (
	kindNull valueKind = iota
	kindInt
	kindFloat
	kindString
	kindBool
	kindBytes
)

// Int returns a row-key Value holding an integer.
func Int(v int64) Value { return Value{kind: kindInt, i: v} }

// Float returns a row-key Value holding a float.
func Float(v float64) Value { return Value{kind: kindFloat, f: v} }

// String returns a row-key Value holding a string.
func String(v string) Value { return Value{kind: kindString, s: v} }

// Bool returns a row-key Value holding a boolean.
func Bool(v bool) Value { return Value{kind: kindBool, b: v} }

// Bytes returns a row-key Value holding raw bytes (e.g. uuid, bytea key).
func Bytes(v []byte) Value { return Value{kind: kindBytes, bytes: v} }

// Null is the row-key Value for SQL NULL. Null key columns should not
// normally occur (primary keys are NOT NULL) but replica-identity-by-index
// columns are not guaranteed to be, so it is represented rather than
// rejected.
var Null = Value{Null: true, kind: kindNull}

// Interface returns v's underlying Go value (nil, int64, float64, bool, or
// []byte/string), for callers (e.g. the pipeline driver) that need to bind
// a row key back into a SQL query argument rather than just compare
// identities.
func (v Value) Interface() any {
	switch v.kind {
	case kindInt:
		return v.i
	case kindFloat:
		return v.f
	case kindBool:
		return v.b
	case kindBytes:
		return v.bytes
	case kindString:
		return v.s
	default:
		return nil
	}
}

// canonical renders v into the fingerprint's wire form: a type tag
// character followed by an unambiguous encoding of the value. The tag
// prevents "1" (string) from colliding with 1 (int).
func (v Value) canonical() string {
	switch v.kind {
	case kindNull:
		return "n"
	case kindInt:
		return "i" + strconv.FormatInt(v.i, 10)
	case kindFloat:
		return "f" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case kindBool:
		if v.b {
			return "b1"
		}
		return "b0"
	case kindBytes:
		return "x" + hex.EncodeToString(v.bytes)
	case kindString:
		// Escape the separators used by Canonical so that values
		// containing them cannot be confused with column boundaries.
		s := strings.ReplaceAll(v.s, `\`, `\\`)
		s = strings.ReplaceAll(s, `,`, `\,`)
		s = strings.ReplaceAll(s, `=`, `\=`)
		return "s" + s
	default:
		return "n"
	}
}

// Key is the set of key-column values identifying one row, keyed by column
// name. Column order is not significant: Canonical sorts columns before
// building the fingerprint so that two Keys built with columns supplied in
// a different order still produce the same identity.
type Key map[string]Value

// ID is the fully-qualified, deterministic identity of a row: its schema,
// table, and a canonical rendering of its key columns. It is the value
// stored as RowRecord's rowID in the CVR.
type ID struct {
	Schema string
	Table  string
	// Canonical is columnName=typeTagValue pairs, comma-separated, with
	// columns sorted lexicographically by name.
	Canonical string
}

// New builds the canonical ID for a row in schema.table with the given key
// columns.
func New(schema, table string, key Key) ID {
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(key[name].canonical())
	}
	return ID{Schema: schema, Table: table, Canonical: b.String()}
}

// String renders the ID as "schema.table/col=val,col=val" for use as a SQL
// TEXT primary-key component and for log messages.
func (id ID) String() string {
	return fmt.Sprintf("%s.%s/%s", id.Schema, id.Table, id.Canonical)
}

// Fingerprint returns a fixed-width (32 hex char) content hash of the ID,
// for callers that want a compact, comparison-stable key (e.g. map keys in
// the row record cache, §4.L) without carrying the full canonical string
// around. Two IDs with the same String() always produce the same
// Fingerprint, and collisions are cryptographically implausible within one
// shard's row count.
func (id ID) Fingerprint() string {
	sum := sha256.Sum256([]byte(id.String()))
	return hex.EncodeToString(sum[:16])
}

// Equal reports whether two IDs identify the same row.
func (id ID) Equal(o ID) bool {
	return id.Schema == o.Schema && id.Table == o.Table && id.Canonical == o.Canonical
}
