// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package viewsyncer

import (
	"context"

	"go.uber.org/zap"

	"zerocache.dev/zerocache/internal/cvr"
	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/internal/pipeline"
)

// flush persists s.cvrData, gated on the version it had before the
// caller's mutation (before). On ConcurrentModificationException it
// reloads the CVR and row cache from the store and surfaces the error so
// the caller can decide whether to retry the mutation against fresh
// state (§4.M "Concurrent modification during flush").
func (s *Syncer) flush(ctx context.Context, before lexiver.CVRVersion) error {
	after := s.cvrData.Instance.Version
	for _, rr := range s.rows.Dirty() {
		rr.ClientGroupID = s.clientGroupID
		if rr.PatchVersion == (lexiver.CVRVersion{}) {
			rr.PatchVersion = after
		}
		s.cvrData.PutRowRecord(rr)
	}

	err := s.store.Flush(ctx, s.cvrData, before)
	if err == nil {
		s.rows.Flushed()
		return nil
	}
	switch {
	case cvr.OwnershipError.Has(err):
		s.rehomeAll(err)
	case cvr.ConcurrentModificationException.Has(err):
		if reloadErr := s.reload(ctx); reloadErr != nil {
			return reloadErr
		}
	}
	return err
}

// rehomeAll terminates every connection with Rehome, the way an
// ownership loss mid-flush requires (§4.M "Ownership loss during
// flush"): the client's next reconnect will be served by whichever
// view-syncer instance now holds the lease.
func (s *Syncer) rehomeAll(cause error) {
	for id, cl := range s.clients {
		cl.conn.Close(Rehome.Wrap(cause))
		delete(s.clients, id)
	}
}

// reload discards the in-memory CVR and row cache and rebuilds them from
// the store, the way an ownership transfer or a failed flush requires
// (§9 "avoid sharing the row-record cache across owners").
func (s *Syncer) reload(ctx context.Context) error {
	c, err := s.store.Load(ctx, s.clientGroupID)
	if err != nil {
		return err
	}
	s.cvrData = c
	s.rows.Reset(c.RowRecords)
	return nil
}

// broadcast sends a Part to every client whose desires include
// queryHash, bumping each recipient's baseCookie to the CVR's current
// cookie. Suppressed for clients whose part would be empty.
func (s *Syncer) broadcast(ctx context.Context, queryHash string, part Part) error {
	if part.IsEmpty() {
		return nil
	}
	cookie := s.cvrData.Instance.Version.String()
	for _, cl := range s.clients {
		if d, ok := s.cvrData.DesireFor(cl.id, queryHash); !ok || d.Deleted {
			continue
		}
		if err := cl.conn.Send(ctx, Poke{BaseCookie: cl.baseCookie, Cookie: cookie, Parts: []Part{part}}); err != nil {
			cl.conn.Close(err)
			continue
		}
		cl.baseCookie = cookie
	}
	return nil
}

// sendTo delivers part directly to one client (by id), regardless of its
// current desires: used when a client gives up its last interest in a
// query and must still be told the rows it can no longer see are gone
// (§4.M "Config-driven updater", removal case).
func (s *Syncer) sendTo(ctx context.Context, clientID string, part Part) error {
	if part.IsEmpty() {
		return nil
	}
	cl, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	cookie := s.cvrData.Instance.Version.String()
	if err := cl.conn.Send(ctx, Poke{BaseCookie: cl.baseCookie, Cookie: cookie, Parts: []Part{part}}); err != nil {
		cl.conn.Close(err)
		return nil
	}
	cl.baseCookie = cookie
	return nil
}

// handleVersionReady implements the query-driven updater: advance every
// installed query against the latest replica snapshot, fold the results
// into the row record cache, and poke affected clients (§4.M
// "Query-driven updater").
func (s *Syncer) handleVersionReady(ctx context.Context) error {
	adv, err := s.snapshotter.Advance(ctx)
	if err != nil {
		s.log.Warn("snapshot advance failed, will retry next tick", zap.Error(err))
		return nil
	}

	changes, err := s.driver.Advance(ctx, adv)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	before := s.cvrData.Instance.Version
	byQuery := make(map[string][]RowPatch)
	for _, ch := range changes {
		ref := s.queryTable[ch.QueryHash]
		switch ch.Op {
		case pipeline.OpRemove:
			remaining := s.rows.AdjustRefCount(ref.schema, ch.Table, ch.RowKey.Canonical, ch.QueryHash, -1)
			if remaining == 0 {
				s.rows.Delete(ref.schema, ch.Table, ch.RowKey.Canonical)
				byQuery[ch.QueryHash] = append(byQuery[ch.QueryHash], RowPatch{Op: "del", Schema: ref.schema, Table: ch.Table, RowKey: ch.RowKey.Canonical})
			}
		default: // OpAdd, OpEdit
			s.rows.AdjustRefCount(ref.schema, ch.Table, ch.RowKey.Canonical, ch.QueryHash, 1)
			byQuery[ch.QueryHash] = append(byQuery[ch.QueryHash], RowPatch{Op: "put", Schema: ref.schema, Table: ch.Table, RowKey: ch.RowKey.Canonical, Row: ch.Row})
		}
	}

	s.cvrData.Instance.Version = lexiver.WithStateVersion(adv.Version)
	s.cvrData.RowsVersion.Version = s.cvrData.Instance.Version
	if err := s.flush(ctx, before); err != nil {
		return err
	}

	for hash, patches := range byQuery {
		if err := s.broadcast(ctx, hash, Part{RowsPatch: patches}); err != nil {
			return err
		}
	}
	return nil
}

// handleDeleteClients drops disconnected clients from the group and
// releases any query that no longer has a remaining desirer, following
// the same config-driven minorVersion-bump pattern as handleDesire's
// removal branch (§4.M "Config-driven updater").
func (s *Syncer) handleDeleteClients(ctx context.Context, e deleteClientsEvent) error {
	before := s.cvrData.Instance.Version
	byQuery := make(map[string][]RowPatch)

	for _, id := range e.ids {
		delete(s.clients, id)
		desires := s.cvrData.Desires[id]
		delete(s.cvrData.Desires, id)

		for queryHash := range desires {
			if anyClientDesires(s.cvrData, queryHash, "") {
				continue
			}
			ref, ok := s.queryTable[queryHash]
			if !ok {
				continue
			}
			if err := s.driver.RemoveQuery(ctx, queryHash); err != nil {
				return err
			}
			byQuery[queryHash] = append(byQuery[queryHash], s.releaseQuery(ref.schema, ref.table, queryHash)...)
			if q, ok := s.cvrData.Queries[queryHash]; ok {
				q.Deleted = true
				q.PatchVersion = before.NextMinor()
				s.cvrData.Queries[queryHash] = q
			}
			delete(s.queryTable, queryHash)
		}
	}

	if len(byQuery) == 0 {
		return nil
	}

	s.cvrData.Instance.Version = before.NextMinor()
	if err := s.flush(ctx, before); err != nil {
		return err
	}
	for hash, patches := range byQuery {
		if err := s.broadcast(ctx, hash, Part{RowsPatch: patches}); err != nil {
			return err
		}
	}
	return nil
}
