// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package snapshot implements §4 Component I: a thin cursor over the
// replicator's change-log, giving the pipeline driver an incremental way
// to discover which rows changed between two watermarks without
// re-scanning the whole replica.
package snapshot

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/internal/replicator"
	"zerocache.dev/zerocache/internal/txpool"
	"zerocache.dev/zerocache/shared/tagsql"
)

// Error is the class of all snapshot errors.
var Error = errs.Class("snapshot")

// Snapshot identifies a point in the replica's history.
type Snapshot struct {
	Version lexiver.StateVersion
}

// Advance is the result of moving the snapshot forward: the new snapshot,
// its version, and every change-log entry committed in between.
type Advance struct {
	Snapshot Snapshot
	Version  lexiver.StateVersion
	Changes  []replicator.ChangeLogEntry
}

// Snapshotter exposes current/advance over a replica database, backed by
// the transaction pool so readers never block the replicator's single
// writer (§5 "shared resources").
type Snapshotter struct {
	pool *txpool.Pool

	mu  sync.Mutex
	cur Snapshot
}

// New creates a Snapshotter starting at initial.
func New(pool *txpool.Pool, initial lexiver.StateVersion) *Snapshotter {
	return &Snapshotter{pool: pool, cur: Snapshot{Version: initial}}
}

// Current returns the most recently advanced-to snapshot.
func (s *Snapshotter) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Advance moves the snapshot to the replica's latest committed version,
// returning every change-log entry committed since the previous current().
func (s *Snapshotter) Advance(ctx context.Context) (Advance, error) {
	prev := s.Current()

	var changes []replicator.ChangeLogEntry
	latest := prev.Version
	err := s.pool.ProcessReadTask(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		var err error
		changes, err = replicator.ChangesSince(ctx, tx, prev.Version)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if latest.Less(c.StateVersion) {
				latest = c.StateVersion
			}
		}
		return nil
	})
	if err != nil {
		return Advance{}, Error.Wrap(err)
	}

	next := Snapshot{Version: latest}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()

	return Advance{Snapshot: next, Version: latest, Changes: changes}, nil
}
