// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package viewsyncer

import (
	"context"

	"zerocache.dev/zerocache/internal/cvr"
	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/internal/pipeline"
)

func (s *Syncer) handleConnect(ctx context.Context, e connectEvent) error {
	s.clients[e.id] = &client{id: e.id, conn: e.conn, baseCookie: e.baseCookie}

	current := s.cvrData.Instance.Version
	if e.baseCookie == current.String() {
		return nil // already caught up, nothing to send.
	}
	base, err := lexiver.ParseCVRVersion(e.baseCookie)
	if err != nil {
		base = lexiver.CVRVersion{} // new client: catch up from the beginning.
	}

	configPatches, err := s.store.CatchupConfigPatches(ctx, s.clientGroupID, base, current, current)
	if err != nil {
		return err
	}
	rowPatches, err := s.store.CatchupRowPatches(ctx, s.clientGroupID, base, current, nil)
	if err != nil {
		return err
	}

	part := Part{
		DesiredQueriesPatches: toDesirePatches(configPatches),
		GotQueriesPatch:       toQueryPatches(configPatches),
		RowsPatch:             toRowPatches(rowPatches),
	}
	if part.IsEmpty() {
		return nil
	}
	return e.conn.Send(ctx, Poke{BaseCookie: e.baseCookie, Cookie: current.String(), Parts: []Part{part}})
}

func toDesirePatches(patches []cvr.ConfigPatch) []ConfigPatch {
	var out []ConfigPatch
	for _, p := range patches {
		if p.Desire == nil {
			continue
		}
		op := "put"
		if p.Kind == "desire-del" {
			op = "del"
		}
		out = append(out, ConfigPatch{Op: op, QueryHash: p.Desire.QueryHash, ClientID: p.Desire.ClientID})
	}
	return out
}

func toQueryPatches(patches []cvr.ConfigPatch) []ConfigPatch {
	var out []ConfigPatch
	for _, p := range patches {
		if p.Query == nil {
			continue
		}
		op := "put"
		if p.Kind == "query-del" {
			op = "del"
		}
		out = append(out, ConfigPatch{Op: op, QueryHash: p.Query.QueryHash})
	}
	return out
}

func toRowPatches(patches []cvr.RowPatch) []RowPatch {
	out := make([]RowPatch, 0, len(patches))
	for _, p := range patches {
		op := "put"
		if p.Kind == "row-del" {
			op = "del"
		}
		out = append(out, RowPatch{Op: op, Schema: p.Record.Schema, Table: p.Record.Table, RowKey: p.Record.RowKey})
	}
	return out
}

// handleDesire implements the config-driven updater: installing or
// removing a client's desired query bumps only minorVersion (§4.M
// "Config-driven updater ... bumps minorVersion only").
func (s *Syncer) handleDesire(ctx context.Context, e desireEvent) error {
	before := s.cvrData.Instance.Version
	var rowPatches []RowPatch
	removing := !e.want

	if e.want {
		if _, ok := s.cvrData.Queries[e.queryHash]; !ok {
			changes, err := s.driver.AddQuery(ctx, pipeline.Query{Hash: e.queryHash, Schema: e.schema, Table: e.table})
			if err != nil {
				return err
			}
			for _, ch := range changes {
				s.rows.AdjustRefCount(e.schema, e.table, ch.RowKey.Canonical, e.queryHash, 1)
				rowPatches = append(rowPatches, RowPatch{Op: "put", Schema: e.schema, Table: e.table, RowKey: ch.RowKey.Canonical, Row: ch.Row})
			}
			s.cvrData.Queries[e.queryHash] = cvr.Query{
				ClientGroupID: s.clientGroupID, QueryHash: e.queryHash,
				PatchVersion: before.NextMinor(),
			}
			s.queryTable[e.queryHash] = tableRef{schema: e.schema, table: e.table}
		}
		s.cvrData.PutDesire(cvr.Desire{
			ClientGroupID: s.clientGroupID, ClientID: e.clientID, QueryHash: e.queryHash,
			PatchVersion: before.NextMinor(),
		})
	} else {
		if d, ok := s.cvrData.DesireFor(e.clientID, e.queryHash); ok {
			d.Deleted = true
			d.PatchVersion = before.NextMinor()
			s.cvrData.PutDesire(d)
		}
		if !anyClientDesires(s.cvrData, e.queryHash, e.clientID) {
			if err := s.driver.RemoveQuery(ctx, e.queryHash); err != nil {
				return err
			}
			rowPatches = s.releaseQuery(e.schema, e.table, e.queryHash)
			if q, ok := s.cvrData.Queries[e.queryHash]; ok {
				q.Deleted = true
				q.PatchVersion = before.NextMinor()
				s.cvrData.Queries[e.queryHash] = q
			}
			delete(s.queryTable, e.queryHash)
		}
	}

	s.cvrData.Instance.Version = before.NextMinor()
	if err := s.flush(ctx, before); err != nil {
		return err
	}

	if len(rowPatches) == 0 {
		return nil
	}
	if removing {
		return s.sendTo(ctx, e.clientID, Part{RowsPatch: rowPatches})
	}
	return s.broadcast(ctx, e.queryHash, Part{RowsPatch: rowPatches})
}

// releaseQuery decrements the ref count of every row record this query
// contributed to, emitting a "del" RowPatch for any record whose ref
// count reaches zero and tombstoning it (§4.M "Hydration", removed case).
func (s *Syncer) releaseQuery(schema, table, queryHash string) []RowPatch {
	var out []RowPatch
	for _, rr := range s.rows.ForTable(schema, table) {
		if _, ok := rr.RefCounts[queryHash]; !ok {
			continue
		}
		remaining := s.rows.AdjustRefCount(schema, table, rr.RowKey, queryHash, -1)
		if remaining == 0 {
			s.rows.Delete(schema, table, rr.RowKey)
			out = append(out, RowPatch{Op: "del", Schema: schema, Table: table, RowKey: rr.RowKey})
		}
	}
	return out
}

func anyClientDesires(c *cvr.CVR, queryHash, excludeClient string) bool {
	for clientID, byQuery := range c.Desires {
		if clientID == excludeClient {
			continue
		}
		if d, ok := byQuery[queryHash]; ok && !d.Deleted {
			return true
		}
	}
	return false
}
