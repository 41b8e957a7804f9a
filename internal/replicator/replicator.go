// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package replicator

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/internal/subscribe"
	"zerocache.dev/zerocache/shared/tagsql"
)

var mon = monkit.Package()

// Replicator is Component H: it drains the multiplexed change stream,
// applies each committed transaction to the embedded replica inside one
// write transaction, appends a structured change-log entry per data
// message, and broadcasts version-ready to subscribers.
type Replicator struct {
	db  tagsql.DB
	log *zap.Logger

	mu        sync.Mutex
	watermark lexiver.StateVersion
	ready     chan struct{}
}

// New creates a Replicator writing to db. Callers must call Open first to
// run bookkeeping migrations and recover the last-applied watermark.
func New(db tagsql.DB, log *zap.Logger) *Replicator {
	return &Replicator{db: db, log: log, ready: make(chan struct{})}
}

// Open runs pending schema migrations against the replica's own
// bookkeeping tables and loads the last-committed watermark for a
// particular shard, so the change-source can resume streaming from it.
func (r *Replicator) Open(ctx context.Context, shardName string) (lexiver.StateVersion, error) {
	if err := ensureSchema(ctx, r.db, r.log); err != nil {
		return "", err
	}
	var watermark string
	err := r.db.QueryRowContext(ctx, `SELECT watermark FROM replication_state WHERE shard = $1`, shardName).Scan(&watermark)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.watermark = lexiver.MinStateVersion
			return lexiver.MinStateVersion, nil
		}
		return "", Error.Wrap(err)
	}
	r.watermark = lexiver.StateVersion(watermark)
	return r.watermark, nil
}

// Watermark returns the last state version fully applied and logged.
func (r *Replicator) Watermark() lexiver.StateVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// VersionReady returns a channel that closes the next time a transaction
// commits, letting the snapshotter (Component I) wake without polling.
func (r *Replicator) VersionReady() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Replicator) signalVersionReady() {
	r.mu.Lock()
	close(r.ready)
	r.ready = make(chan struct{})
	r.mu.Unlock()
}

// txn accumulates one change-stream transaction's data messages until its
// closing commit or rollback.
type txn struct {
	watermark lexiver.StateVersion
	data      []*changestream.DataMessage
}

// Run consumes sub until ctx is cancelled or sub reports closed, applying
// each committed transaction and completed backfill batch. It acks every
// envelope once fully applied, satisfying the multiplexer's backpressure
// contract.
func (r *Replicator) Run(ctx context.Context, shardName string, sub *subscribe.Subscription[changestream.Message]) (err error) {
	defer mon.Task()(&ctx)(&err)

	var current *txn
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if err == subscribe.ErrClosed || ctx.Err() != nil {
				return nil
			}
			return Error.Wrap(err)
		}

		switch env.Value.Kind {
		case changestream.KindBegin:
			current = &txn{watermark: env.Value.CommitWatermark}
			env.Ack()

		case changestream.KindData:
			if current != nil {
				current.data = append(current.data, env.Value.Data)
			}
			env.Ack()

		case changestream.KindRollback:
			current = nil
			env.Ack()

		case changestream.KindCommit:
			if current != nil {
				if err := r.applyTransaction(ctx, shardName, current); err != nil {
					return err
				}
				r.signalVersionReady()
			}
			current = nil
			env.Ack()

		case changestream.KindBackfill:
			if err := r.applyBackfillBatch(ctx, env.Value.BackfillRelation, env.Value.BackfillRows); err != nil {
				return err
			}
			env.Ack()

		case changestream.KindBackfillCompleted:
			r.signalVersionReady()
			env.Ack()

		case changestream.KindControl, changestream.KindStatus:
			env.Ack()

		default:
			env.Ack()
		}
	}
}

func (r *Replicator) applyTransaction(ctx context.Context, shardName string, t *txn) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for i, d := range t.data {
		if err := apply(ctx, tx, d); err != nil {
			return err
		}
		if err := appendChangeLog(ctx, tx, t.watermark, int64(i), d); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO replication_state (shard, watermark) VALUES ($1, $2)
		ON CONFLICT (shard) DO UPDATE SET watermark = excluded.watermark`,
		shardName, string(t.watermark)); err != nil {
		return Error.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	committed = true

	r.mu.Lock()
	r.watermark = t.watermark
	r.mu.Unlock()
	return nil
}

// applyBackfillBatch upserts one batch of backfilled rows. Unlike streamed
// transactions, a backfill batch is not wrapped in begin/commit — each
// batch commits independently, which is safe because backfill rows are
// idempotent upserts keyed by the row-key columns (§4.G, §4.F).
func (r *Replicator) applyBackfillBatch(ctx context.Context, relation changestream.Relation, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	name := replicaTableName(relation.Schema, relation.Table)
	allColumns := append(append([]string{}, relation.KeyColumns...), relation.Columns...)
	if err := applyCreateTable(ctx, tx, name, &changestream.DataMessage{New: map[string]any{"columns": allColumns}}); err != nil {
		return err
	}

	for _, row := range rows {
		d := &changestream.DataMessage{Tag: changestream.TagInsert, Relation: relation, New: row}
		if err := upsert(ctx, tx, name, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	committed = true
	return nil
}
