// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package changesource

import (
	"github.com/jackc/pglogrepl"

	"zerocache.dev/zerocache/internal/changestream"
)

// relationInfo is the decoded form of one pgoutput RelationMessage,
// cached by relation OID so that subsequent Insert/Update/Delete messages
// (which only carry the OID) can be resolved to column names and types.
type relationInfo struct {
	schema          string
	table           string
	columnNames     []string
	columnOIDs      []uint32
	keyColumns      []string
	replicaIdentity changestream.ReplicaIdentity
}

func newRelationInfo(msg *pglogrepl.RelationMessage) *relationInfo {
	info := &relationInfo{
		schema: msg.Namespace,
		table:  msg.RelationName,
	}
	for _, col := range msg.Columns {
		info.columnNames = append(info.columnNames, col.Name)
		info.columnOIDs = append(info.columnOIDs, col.DataType)
		// Flags bit 0 marks a column as part of the key sent by
		// REPLICA IDENTITY (pgoutput sets this for key columns
		// regardless of the identity policy in effect).
		if col.Flags&1 != 0 {
			info.keyColumns = append(info.keyColumns, col.Name)
		}
	}
	switch msg.ReplicaIdentity {
	case 'f':
		info.replicaIdentity = changestream.ReplicaIdentityFull
	case 'n':
		info.replicaIdentity = changestream.ReplicaIdentityNothing
	case 'i':
		info.replicaIdentity = changestream.ReplicaIdentityIndex
	default:
		info.replicaIdentity = changestream.ReplicaIdentityDefault
	}
	return info
}

func (info *relationInfo) relation() changestream.Relation {
	return changestream.Relation{
		Schema:          info.schema,
		Table:           info.table,
		KeyColumns:      append([]string(nil), info.keyColumns...),
		Columns:         append([]string(nil), info.columnNames...),
		ReplicaIdentity: info.replicaIdentity,
	}
}

// compatible reports whether other describes the same logical shape as
// info: same table identity, same key columns, same column set. Any
// incompatibility here is schema drift that, in the "without triggers"
// DDL-detection mode, must fail the stream (§4.E "DDL detection").
func (info *relationInfo) compatible(other *relationInfo) bool {
	if info.schema != other.schema || info.table != other.table {
		return false
	}
	if len(info.columnNames) != len(other.columnNames) {
		return false
	}
	for i, name := range info.columnNames {
		if other.columnNames[i] != name {
			return false
		}
	}
	return true
}

// decodeTuple converts a pgoutput TupleData into a map keyed by column
// name. A column with DataType 'u' (unchanged TOAST) is omitted from the
// map entirely, distinguishing "omitted" from an explicit SQL NULL
// (DataType 'n', represented as a nil map value) per §4.E.
func decodeTuple(info *relationInfo, tuple *pglogrepl.TupleData) map[string]any {
	if tuple == nil {
		return nil
	}
	out := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(info.columnNames) {
			break
		}
		name := info.columnNames[i]
		switch col.DataType {
		case 'n':
			out[name] = nil
		case 'u':
			// omitted: unchanged TOASTed value, not present in new/old.
			continue
		case 't':
			out[name] = string(col.Data)
		case 'b':
			out[name] = col.Data
		}
	}
	return out
}
