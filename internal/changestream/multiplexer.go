// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package changestream

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/internal/subscribe"
)

// Error is the class of all changestream errors.
var Error = errs.Class("changestream")

// ErrNotReserved is returned by Push when called without a held reservation.
var ErrNotReserved = Error.New("push called without a reservation")

// Multiplexer implements §4.F: it serializes transactions from concurrent
// producers (the live streaming change-source and ad-hoc backfill
// streamers) onto one output Subscription, guaranteeing that row changes
// from distinct producers are never interleaved within the span of one
// upstream transaction.
//
// The reserve/release protocol is the mechanism: a producer must Reserve
// before calling Push, and only one producer holds the reservation at a
// time. The reservation is represented as the stored watermark going to
// "absent" (nil) while held; Release either hands the reservation directly
// to the next FIFO waiter or, if none is waiting, restores a concrete
// watermark value.
type Multiplexer struct {
	out *subscribe.Subscription[Message]

	mu            sync.Mutex
	lastWatermark *lexiver.StateVersion // nil means "currently reserved"
	waiters       []chan lexiver.StateVersion
}

// New creates a Multiplexer with the given initial watermark (the
// watermark the stream should be considered to resume from before any
// producer has reserved/released) and output buffer capacity.
func New(initial lexiver.StateVersion, outCapacity int, onDrain func([]subscribe.Envelope[Message])) *Multiplexer {
	wm := initial
	return &Multiplexer{
		out:           subscribe.New[Message](outCapacity, onDrain),
		lastWatermark: &wm,
	}
}

// Output returns the single downstream Subscription consumers read from.
func (m *Multiplexer) Output() *subscribe.Subscription[Message] {
	return m.out
}

// Reserve acquires exclusive producer access, returning the watermark the
// stream was left at by the previous holder (or the initial watermark, if
// this is the first reservation). If another producer currently holds the
// reservation, Reserve blocks (respecting ctx) until Release hands it off.
func (m *Multiplexer) Reserve(ctx context.Context) (lexiver.StateVersion, error) {
	m.mu.Lock()
	if m.lastWatermark != nil {
		prev := *m.lastWatermark
		m.lastWatermark = nil
		m.mu.Unlock()
		return prev, nil
	}
	ch := make(chan lexiver.StateVersion, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		m.removeWaiter(ch)
		return "", ctx.Err()
	}
}

func (m *Multiplexer) removeWaiter(ch chan lexiver.StateVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// Release gives up the reservation, leaving the stream at newWatermark. If
// another producer is waiting (FIFO), the reservation transfers directly
// to it and newWatermark is the value Reserve returns to that waiter;
// otherwise newWatermark becomes the stored, unreserved watermark.
func (m *Multiplexer) Release(newWatermark lexiver.StateVersion) {
	m.mu.Lock()
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		next <- newWatermark
		return
	}
	wm := newWatermark
	m.lastWatermark = &wm
	m.mu.Unlock()
}

// PushStatus enqueues a status message. Unlike Push, it may be called at
// any time regardless of reservation state, since status messages carry
// no data-change semantics and must never be blocked behind a held
// reservation (the Acker needs to send keepalives promptly).
func (m *Multiplexer) PushStatus(ctx context.Context, msg Message) (*subscribe.Result, error) {
	return m.out.Push(ctx, msg)
}

// Push enqueues a data-bearing message. The caller must currently hold the
// reservation (via Reserve); otherwise Push fails fast with ErrNotReserved.
func (m *Multiplexer) Push(ctx context.Context, msg Message) (*subscribe.Result, error) {
	m.mu.Lock()
	reserved := m.lastWatermark == nil
	m.mu.Unlock()
	if !reserved {
		return nil, ErrNotReserved
	}
	return m.out.Push(ctx, msg)
}
