// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package backfill

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/internal/lexiver"
)

var mon = monkit.Package()

// Streamer runs one backfill against a single upstream connection string.
type Streamer struct {
	connString string
	log        *zap.Logger
}

// New creates a Streamer that opens its own connections against
// connString for each Run.
func New(connString string, log *zap.Logger) *Streamer {
	return &Streamer{connString: connString, log: log}
}

// Run executes req end to end: opens a temporary replication slot for a
// consistent snapshot + LSN, validates the catalog shape, COPY-streams
// rows in flushThresholdBytes batches as changestream.NewBackfill
// messages, and finishes with changestream.NewBackfillCompleted (§4.G).
// It returns the watermark the snapshot was anchored at, so the caller
// can splice the backfill into the live stream without a gap.
func (s *Streamer) Run(ctx context.Context, req *Request, mux *changestream.Multiplexer) (snapshotWatermark lexiver.StateVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	replConn, err := pgconn.Connect(ctx, s.connString)
	if err != nil {
		return "", Error.New("connect (replication): %w", err)
	}
	defer func() { _ = replConn.Close(ctx) }()

	slotName := fmt.Sprintf("zerocache_backfill_%s_%s", req.Schema, req.Table)
	result, err := pglogrepl.CreateReplicationSlot(ctx, replConn, slotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: true, SnapshotAction: "export"})
	if err != nil {
		return "", Error.New("create temporary replication slot: %w", err)
	}
	consistentPoint, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", Error.New("parse consistent point: %w", err)
	}
	snapshotWatermark = lexiver.FromLSN(uint64(consistentPoint))

	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return "", Error.New("connect: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return "", Error.New("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", result.SnapshotName)); err != nil {
		return "", Error.New("set transaction snapshot: %w", err)
	}

	live, err := loadCatalogShape(ctx, tx, req.Schema, req.Table)
	if err != nil {
		return "", err
	}
	if err := validate(req, live); err != nil {
		return "", err
	}

	columns := outputColumns(req.Metadata.KeyColumns, req.Columns)
	relation := req.relation()
	relation.KeyColumns = req.Metadata.KeyColumns

	if err := s.stream(ctx, tx, req, columns, relation, mux); err != nil {
		return "", err
	}

	if _, err := mux.Push(ctx, changestream.NewBackfillCompleted()); err != nil {
		return "", err
	}

	return snapshotWatermark, nil
}

func (s *Streamer) stream(ctx context.Context, tx pgx.Tx, req *Request, columns []string, relation changestream.Relation, mux *changestream.Multiplexer) error {
	var flushErr error
	batcher := newLineBatcher(columns, func(rows []map[string]any) error {
		_, err := mux.Push(ctx, changestream.NewBackfill(relation, rows))
		return err
	})

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	query := fmt.Sprintf("COPY (SELECT %s FROM %s.%s) TO STDOUT",
		strings.Join(quoted, ", "),
		pgx.Identifier{req.Schema}.Sanitize(), pgx.Identifier{req.Table}.Sanitize())

	if _, err := tx.Conn().PgConn().CopyTo(ctx, batcher, query); err != nil {
		if isUndefinedRelationOrColumn(err) {
			return SchemaIncompatibilityError.New("Cannot backfill %s.%s[%s]: %v", req.Schema, req.Table, joinColumns(req.Columns), err)
		}
		return Error.New("copy: %w", err)
	}
	if err := batcher.Close(); err != nil {
		return err
	}
	return flushErr
}

// isUndefinedRelationOrColumn reports whether err is Postgres' signal that
// a snapshot-visible relation or column vanished out from under a COPY —
// not snapshot-safe DDL (§4.G MVCC caveat).
func isUndefinedRelationOrColumn(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); !ok {
		return false
	}
	switch pgErr.Code {
	case "42P01", "42703": // undefined_table, undefined_column
		return true
	default:
		return false
	}
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok {
			*target = pgErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
