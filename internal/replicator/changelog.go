// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package replicator

import (
	"context"
	"database/sql"
	"encoding/json"

	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/shared/tagsql"
)

// Queryer is the minimal handle ChangesSince needs: either a tagsql.DB or
// a single pooled tagsql.Tx (the snapshotter reads through the latter via
// internal/txpool so readers never block the replicator's writer).
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// logEntry is the JSON shape persisted in change_log.change: a structural
// copy of changestream.DataMessage, kept separate so the wire type can
// evolve without touching the storage format.
type logEntry struct {
	Tag    changestream.DataTag `json:"tag"`
	Schema string               `json:"schema"`
	Table  string               `json:"table"`
	Old    map[string]any       `json:"old,omitempty"`
	New    map[string]any       `json:"new,omitempty"`
}

func appendChangeLog(ctx context.Context, tx tagsql.Tx, stateVersion lexiver.StateVersion, pos int64, d *changestream.DataMessage) error {
	entry := logEntry{Tag: d.Tag, Schema: d.Relation.Schema, Table: d.Relation.Table, Old: d.Old, New: d.New}
	blob, err := json.Marshal(entry)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_log (state_version, pos, change) VALUES ($1, $2, $3)`,
		string(stateVersion), pos, string(blob))
	return Error.Wrap(err)
}

// ChangeLogEntry is one change-log row as read back by the snapshotter
// (§4.I).
type ChangeLogEntry struct {
	StateVersion lexiver.StateVersion
	Pos          int64
	Tag          changestream.DataTag
	Schema       string
	Table        string
	Old          map[string]any
	New          map[string]any
}

// ChangesSince returns every change-log entry with a state version greater
// than after, ordered by (state_version, pos) — the ordering LexiVersion's
// string encoding guarantees matches numeric LSN order.
func ChangesSince(ctx context.Context, db Queryer, after lexiver.StateVersion) ([]ChangeLogEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT state_version, pos, change FROM change_log WHERE state_version > $1 ORDER BY state_version, pos`,
		string(after))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChangeLogEntry
	for rows.Next() {
		var sv, blob string
		var pos int64
		if err := rows.Scan(&sv, &pos, &blob); err != nil {
			return nil, Error.Wrap(err)
		}
		var entry logEntry
		if err := json.Unmarshal([]byte(blob), &entry); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, ChangeLogEntry{
			StateVersion: lexiver.StateVersion(sv), Pos: pos,
			Tag: entry.Tag, Schema: entry.Schema, Table: entry.Table,
			Old: entry.Old, New: entry.New,
		})
	}
	return out, Error.Wrap(rows.Err())
}
