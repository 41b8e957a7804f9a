// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package changesource implements §4 Component E: the Postgres logical-
// replication consumer. It parses pgoutput replication messages, resolves
// TOAST/replica-identity, assembles contiguous begin/data*/commit(or
// rollback) transaction bursts, and pushes them through a
// changestream.Multiplexer so they interleave safely with backfill
// streams (§4.F).
package changesource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/shared/shard"
)

var mon = monkit.Package()

// state is the per-stream state machine described in §4.E.
type state int

const (
	stateOpening state = iota
	stateStreaming
	statePaused
	stateClosing
	stateClosed
)

// standbyInterval is the upstream-required interval between standby
// status updates absent a client ack to forward (§4.E "Acks").
const standbyInterval = 10 * time.Second

// maxAttemptsIfSlotActive bounds retrying CreateReplicationSlot while the
// slot is held by a still-draining previous connection (§5).
const maxAttemptsIfSlotActive = 10

const slotRetryInterval = 100 * time.Millisecond

// Config configures one change-source stream.
type Config struct {
	ConnString   string
	Shard        shard.Config
	OutputPlugin string // defaults to "pgoutput"
	ProtoVersion string // defaults to "2"
}

// Source is a single logical-replication consumer for one shard.
type Source struct {
	cfg Config
	log *zap.Logger

	relations map[uint32]*relationInfo
	state     state
}

// New creates a Source for cfg.
func New(cfg Config, log *zap.Logger) *Source {
	if cfg.OutputPlugin == "" {
		cfg.OutputPlugin = "pgoutput"
	}
	if cfg.ProtoVersion == "" {
		cfg.ProtoVersion = "2"
	}
	return &Source{
		cfg:       cfg,
		log:       log,
		relations: make(map[uint32]*relationInfo),
	}
}

func (s *Source) pluginArguments() []string {
	pubNames := strings.Join(s.cfg.Shard.Publications, ",")
	return []string{
		fmt.Sprintf("proto_version '%s'", s.cfg.ProtoVersion),
		fmt.Sprintf("publication_names '%s'", pubNames),
		"messages 'true'",
		"streaming 'true'",
	}
}

// Run opens the replication connection starting just after startWatermark,
// assembles transaction bursts, and pushes them through mux until ctx is
// cancelled or a fatal error occurs. acks delivers client-acknowledged
// watermarks to the Acker for standby status updates.
func (s *Source) Run(ctx context.Context, mux *changestream.Multiplexer, startWatermark lexiver.StateVersion, acks <-chan lexiver.StateVersion) (err error) {
	defer mon.Task()(&ctx)(&err)

	s.state = stateOpening
	startLSN, err := watermarkToLSN(startWatermark)
	if err != nil {
		return Error.Wrap(err)
	}

	conn, err := pgconn.Connect(ctx, s.cfg.ConnString)
	if err != nil {
		return Error.New("connect: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := s.ensureSlot(ctx, conn); err != nil {
		return err
	}

	if err := pglogrepl.StartReplication(ctx, conn, s.cfg.Shard.ReplicationSlotName(), startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: s.pluginArguments()}); err != nil {
		return Error.New("start replication: %w", err)
	}
	s.log.Info("replication started",
		zap.String("slot", s.cfg.Shard.ReplicationSlotName()),
		zap.String("startLSN", startLSN.String()))

	s.state = stateStreaming

	acker := newAcker(conn, s.log)
	ackerDone := make(chan struct{})
	go func() {
		defer close(ackerDone)
		acker.run(ctx, acks)
	}()
	defer func() { <-ackerDone }()

	err = s.consumeLoop(ctx, conn, mux, acker)
	s.state = stateClosing
	if err != nil {
		s.state = stateClosed
		return err
	}
	s.state = stateClosed
	return nil
}

// ensureSlot creates the persistent replication slot if it does not
// already exist, retrying while it is reported as active (held open by a
// previous, still-draining connection) up to maxAttemptsIfSlotActive.
func (s *Source) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	var lastErr error
	for attempt := 0; attempt < maxAttemptsIfSlotActive; attempt++ {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.Shard.ReplicationSlotName(),
			s.cfg.OutputPlugin, pglogrepl.CreateReplicationSlotOptions{})
		if err == nil {
			return nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "already exists") {
			return Error.New("create replication slot: %w", err)
		}
		// Slot already present from a previous run: that's the
		// expected steady-state case, not an error.
		return nil
	}
	return Error.New("replication slot busy after %d attempts: %w", maxAttemptsIfSlotActive, lastErr)
}

// txnBuffer accumulates one open transaction's data messages before they
// are pushed atomically through the multiplexer.
type txnBuffer struct {
	commitWatermark lexiver.StateVersion
	data            []*changestream.DataMessage
	pos             int64
}

func (s *Source) consumeLoop(ctx context.Context, conn *pgconn.PgConn, mux *changestream.Multiplexer, acker *acker) error {
	var txn *txnBuffer
	nextStandbyDeadline := time.Now().Add(standbyInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextStandbyDeadline) {
			acker.sendKeepalive(ctx)
			nextStandbyDeadline = time.Now().Add(standbyInterval)
		}

		recvCtx, cancel := context.WithTimeout(ctx, standbyInterval)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return AbortError.Wrap(err)
		}

		cd, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return Error.Wrap(err)
			}
			if pka.ReplyRequested {
				acker.sendKeepalive(ctx)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return Error.Wrap(err)
			}
			msg, err := pglogrepl.Parse(xld.WALData)
			if err != nil {
				return Error.Wrap(err)
			}
			var pushErr error
			txn, pushErr = s.handleLogicalMessage(ctx, mux, txn, msg)
			if pushErr != nil {
				return pushErr
			}
			acker.observe(xld.WALStart)
		}
	}
}

// handleLogicalMessage folds one decoded pgoutput message into the
// in-progress transaction buffer, pushing a complete begin/data*/commit
// (or rollback) burst through mux once a Commit/Rollback is observed.
func (s *Source) handleLogicalMessage(ctx context.Context, mux *changestream.Multiplexer, txn *txnBuffer, msg pglogrepl.Message) (*txnBuffer, error) {
	switch m := msg.(type) {
	case *pglogrepl.BeginMessage:
		return &txnBuffer{commitWatermark: lexiver.FromLSN(uint64(m.FinalLSN))}, nil

	case *pglogrepl.RelationMessage:
		info := newRelationInfo(m)
		if prior, ok := s.relations[m.RelationID]; ok && !prior.compatible(info) {
			diff, unsupported := diffRelations(prior, info)
			if unsupported {
				return txn, UnsupportedSchemaChangeError.New("%s.%s", info.schema, info.table)
			}
			if txn != nil {
				txn.data = append(txn.data, diff)
			}
		}
		s.relations[m.RelationID] = info
		return txn, nil

	case *pglogrepl.InsertMessage:
		if txn == nil {
			return txn, nil
		}
		info, ok := s.relations[m.RelationID]
		if !ok || s.cfg.Shard.IsIgnored(info.schema, info.table) {
			return txn, nil
		}
		txn.pos++
		txn.data = append(txn.data, &changestream.DataMessage{
			Tag: changestream.TagInsert, Pos: txn.pos,
			Relation: info.relation(), New: decodeTuple(info, m.Tuple),
		})
		return txn, nil

	case *pglogrepl.UpdateMessage:
		if txn == nil {
			return txn, nil
		}
		info, ok := s.relations[m.RelationID]
		if !ok || s.cfg.Shard.IsIgnored(info.schema, info.table) {
			return txn, nil
		}
		txn.pos++
		var old map[string]any
		if m.OldTuple != nil {
			old = decodeTuple(info, m.OldTuple)
		}
		txn.data = append(txn.data, &changestream.DataMessage{
			Tag: changestream.TagUpdate, Pos: txn.pos,
			Relation: info.relation(), Old: old, New: decodeTuple(info, m.NewTuple),
		})
		return txn, nil

	case *pglogrepl.DeleteMessage:
		if txn == nil {
			return txn, nil
		}
		info, ok := s.relations[m.RelationID]
		if !ok || s.cfg.Shard.IsIgnored(info.schema, info.table) {
			return txn, nil
		}
		txn.pos++
		var old map[string]any
		if m.OldTuple != nil {
			old = decodeTuple(info, m.OldTuple)
		}
		txn.data = append(txn.data, &changestream.DataMessage{
			Tag: changestream.TagDelete, Pos: txn.pos, Relation: info.relation(), Old: old,
		})
		return txn, nil

	case *pglogrepl.TruncateMessage:
		if txn == nil {
			return txn, nil
		}
		for _, relID := range m.RelationIDs {
			info, ok := s.relations[relID]
			if !ok || s.cfg.Shard.IsIgnored(info.schema, info.table) {
				continue
			}
			txn.pos++
			txn.data = append(txn.data, &changestream.DataMessage{
				Tag: changestream.TagTruncate, Pos: txn.pos, Relation: info.relation(),
			})
		}
		return txn, nil

	case *pglogrepl.CommitMessage:
		if txn == nil {
			return nil, nil
		}
		if err := s.flushTransaction(ctx, mux, txn, true); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return txn, nil
	}
}

// flushTransaction reserves the multiplexer, pushes begin/data*/commit (or
// rollback), and releases, making the whole burst atomic with respect to
// any concurrent backfill producer (§4.F).
func (s *Source) flushTransaction(ctx context.Context, mux *changestream.Multiplexer, txn *txnBuffer, committed bool) error {
	if _, err := mux.Reserve(ctx); err != nil {
		return err
	}
	defer mux.Release(txn.commitWatermark)

	if _, err := mux.Push(ctx, changestream.NewBegin(txn.commitWatermark)); err != nil {
		return err
	}
	for _, d := range txn.data {
		if _, err := mux.Push(ctx, changestream.NewData(d)); err != nil {
			return err
		}
	}
	if committed {
		_, err := mux.Push(ctx, changestream.NewCommit(txn.commitWatermark))
		return err
	}
	_, err := mux.Push(ctx, changestream.NewRollback())
	return err
}

// diffRelations attempts to interpret a shape change between two
// successive RelationMessages for the same OID as a single structured DDL
// data message. Anything beyond a single column add/drop/rename is
// reported as unsupported (§4.E "DDL detection", without-triggers mode).
func diffRelations(prior, next *relationInfo) (diff *changestream.DataMessage, unsupported bool) {
	relation := next.relation()
	switch {
	case len(next.columnNames) == len(prior.columnNames)+1:
		added := next.columnNames[len(next.columnNames)-1]
		return &changestream.DataMessage{Tag: changestream.TagAddColumn, Relation: relation,
			New: map[string]any{"column": added}}, false

	case len(next.columnNames) == len(prior.columnNames)-1:
		return &changestream.DataMessage{Tag: changestream.TagDropColumn, Relation: relation}, false

	case len(next.columnNames) == len(prior.columnNames):
		changed := -1
		for i := range next.columnNames {
			if next.columnNames[i] != prior.columnNames[i] {
				if changed != -1 {
					return nil, true // more than one column name changed: ambiguous
				}
				changed = i
			}
		}
		if changed == -1 {
			return nil, true
		}
		return &changestream.DataMessage{Tag: changestream.TagRenameColumn, Relation: relation,
			Old: map[string]any{"column": prior.columnNames[changed]},
			New: map[string]any{"column": next.columnNames[changed]}}, false

	default:
		return nil, true
	}
}

// watermarkToLSN parses a StateVersion back to the pglogrepl.LSN needed to
// call StartReplication. Per §9, this is the one hot-path exception: the
// replication handshake itself needs the numeric value.
func watermarkToLSN(wm lexiver.StateVersion) (pglogrepl.LSN, error) {
	v, err := lexiver.Parse(wm)
	if err != nil {
		return 0, err
	}
	return pglogrepl.LSN(v), nil
}
