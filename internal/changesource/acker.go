// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package changesource

import (
	"context"
	"sync"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"zerocache.dev/zerocache/internal/lexiver"
)

// acker is the bidirectional "Acker" of §4.E: it sends periodic standby
// status updates, converting a client-acknowledged watermark to an LSN
// when one is available, and otherwise a bare keepalive at the
// upstream-required interval.
type acker struct {
	conn *pgconn.PgConn
	log  *zap.Logger

	mu         sync.Mutex
	received   pglogrepl.LSN // highest WALStart observed from upstream
	confirmed  pglogrepl.LSN // highest watermark acked to Postgres so far
}

func newAcker(conn *pgconn.PgConn, log *zap.Logger) *acker {
	return &acker{conn: conn, log: log}
}

// observe records the LSN of the most recently received XLogData message,
// used as the write/flush position reported in standby status updates.
func (a *acker) observe(lsn pglogrepl.LSN) {
	a.mu.Lock()
	if lsn > a.received {
		a.received = lsn
	}
	a.mu.Unlock()
}

// run processes client acks until ctx is done, sending a standby status
// update for each one. Re-acking an already-acked (or older) watermark is
// a no-op: confirmed only moves forward (§8 invariant 6).
func (a *acker) run(ctx context.Context, acks <-chan lexiver.StateVersion) {
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-acks:
			if !ok {
				return
			}
			v, err := lexiver.Parse(wm)
			if err != nil {
				a.log.Error("invalid ack watermark", zap.Error(err))
				continue
			}
			a.ack(ctx, pglogrepl.LSN(v))
		}
	}
}

// advanceConfirmed returns the new confirmed position given a candidate
// ack, and whether it actually advanced. Re-acking an already-acked (or
// older) watermark leaves confirmed unchanged: confirmed_flush_lsn must be
// monotonically non-decreasing (§8 invariant 6).
func advanceConfirmed(current, candidate pglogrepl.LSN) (next pglogrepl.LSN, advanced bool) {
	if candidate <= current {
		return current, false
	}
	return candidate, true
}

func (a *acker) ack(ctx context.Context, lsn pglogrepl.LSN) {
	a.mu.Lock()
	next, advanced := advanceConfirmed(a.confirmed, lsn)
	a.confirmed = next
	a.mu.Unlock()
	if !advanced {
		return
	}

	if err := pglogrepl.SendStandbyStatusUpdate(ctx, a.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	}); err != nil {
		a.log.Error("standby status update failed", zap.Error(err))
	}
}

// sendKeepalive sends a standby status update at the last confirmed
// position (or 0/0 if none has been acked yet), satisfying the upstream
// requirement for a periodic reply even absent a new client ack.
func (a *acker) sendKeepalive(ctx context.Context) {
	a.mu.Lock()
	lsn := a.confirmed
	a.mu.Unlock()

	if err := pglogrepl.SendStandbyStatusUpdate(ctx, a.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	}); err != nil {
		a.log.Error("keepalive standby status update failed", zap.Error(err))
	}
}
