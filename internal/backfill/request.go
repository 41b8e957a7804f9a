// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package backfill implements §4 Component G: the snapshot-anchored bulk
// transfer of rows for a newly-desired table or column set, anchored to
// the exact LSN at which it was requested so it can be spliced into the
// live change stream without a gap or an overlap (§4.F, §4.G).
package backfill

import "zerocache.dev/zerocache/internal/changestream"

// ExpectedMetadata is the catalog shape the caller last observed for the
// relation being backfilled. The streamer revalidates it against the live
// catalog at the snapshot before issuing the COPY (§4.G step 3).
type ExpectedMetadata struct {
	RelationOID     uint32
	SchemaOID       uint32
	KeyColumns      []string
	ColumnAttNums   map[string]int16
}

// Request describes one backfill: a table, the row-key columns, and the
// additional columns desired, plus the metadata to validate against.
type Request struct {
	Schema   string
	Table    string
	Columns  []string
	Metadata ExpectedMetadata
}

// outputColumns computes the column list as specified by §4.G: the union
// of row-key columns and requested columns, deduped, ordered row-key
// first, preserving the caller's given ordering within each group.
func outputColumns(keyColumns, requested []string) []string {
	seen := make(map[string]bool, len(keyColumns)+len(requested))
	out := make([]string, 0, len(keyColumns)+len(requested))
	for _, c := range keyColumns {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range requested {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// nonKeyColumns returns requested minus the row-key columns, preserving
// order, for use as Relation.Columns (the key is carried separately in
// Relation.KeyColumns per Scenario S2).
func nonKeyColumns(keyColumns, requested []string) []string {
	key := make(map[string]bool, len(keyColumns))
	for _, c := range keyColumns {
		key[c] = true
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, c := range requested {
		if key[c] || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func (r *Request) relation() changestream.Relation {
	return changestream.Relation{
		Schema:     r.Schema,
		Table:      r.Table,
		KeyColumns: r.Metadata.KeyColumns,
		Columns:    nonKeyColumns(r.Metadata.KeyColumns, r.Columns),
	}
}
