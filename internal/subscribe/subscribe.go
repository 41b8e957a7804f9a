// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package subscribe implements the backpressured, cancellable,
// multi-producer/single-consumer message stream used as the output of the
// change-stream multiplexer (§4.F) and, more generally, anywhere zerocache
// needs a bounded queue whose unconsumed residual must be handed to a
// drain handler on cancellation rather than silently dropped.
package subscribe

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
)

// Error is the class of all subscribe errors.
var Error = errs.Class("subscribe")

// ErrClosed is returned by Push and Next once the subscription has been
// cancelled.
var ErrClosed = Error.New("subscription closed")

// Result is the per-message handle a producer can use to learn when its
// message has been fully consumed downstream. It is analogous to the
// "result future" the spec attaches to each pushed message (§9): here it is
// a one-shot done channel rather than a shared watermark, since a single
// consumer acknowledges messages strictly in order.
type Result struct {
	done chan struct{}
	once sync.Once
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Ack marks the message as consumed. Idempotent.
func (r *Result) Ack() {
	r.once.Do(func() { close(r.done) })
}

// Wait blocks until Ack is called or ctx is done.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Envelope wraps a pushed value together with the Result the pusher can
// wait on to know the value was consumed.
type Envelope[T any] struct {
	Value  T
	result *Result
}

// Ack acknowledges consumption of the envelope's value.
func (e Envelope[T]) Ack() {
	if e.result != nil {
		e.result.Ack()
	}
}

// Subscription is a bounded, backpressured FIFO of Envelope[T] supporting
// concurrent producers and a single consumer, with explicit, idempotent
// cancellation that hands any unconsumed residual to a drain callback.
type Subscription[T any] struct {
	buf   chan Envelope[T]
	drain func([]Envelope[T])

	mu        sync.Mutex
	closed    bool
	closeErr  error
	closeOnce sync.Once
	closedCh  chan struct{}
}

// New creates a Subscription with the given buffer capacity (0 means
// unbuffered, i.e. every Push blocks until a consumer calls Next). onDrain,
// if non-nil, is invoked exactly once on Cancel with every envelope still
// sitting in the buffer, in FIFO order, so the caller can release
// resources associated with unconsumed messages (e.g. un-reserving a
// change-stream producer slot).
func New[T any](capacity int, onDrain func([]Envelope[T])) *Subscription[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Subscription[T]{
		buf:      make(chan Envelope[T], capacity),
		drain:    onDrain,
		closedCh: make(chan struct{}),
	}
}

// Push enqueues v, blocking for backpressure until there is room, ctx is
// done, or the subscription is cancelled. It returns a Result the caller
// may Wait on to learn when the consumer has processed v.
func (s *Subscription[T]) Push(ctx context.Context, v T) (*Result, error) {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	s.mu.Unlock()

	res := newResult()
	env := Envelope[T]{Value: v, result: res}
	select {
	case s.buf <- env:
		return res, nil
	case <-s.closedCh:
		return nil, s.closeErrOrDefault()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next dequeues the next envelope, blocking until one is available, ctx is
// done, or the subscription is cancelled and drained. Callers must call
// Ack on the returned envelope once it has been fully processed.
//
// Buffered envelopes are always delivered before Next reports the
// subscription closed, so a consumer that keeps calling Next will observe
// every message pushed before Cancel.
func (s *Subscription[T]) Next(ctx context.Context) (Envelope[T], error) {
	select {
	case env := <-s.buf:
		return env, nil
	default:
	}
	select {
	case env := <-s.buf:
		return env, nil
	case <-s.closedCh:
		return Envelope[T]{}, s.closeErrOrDefault()
	case <-ctx.Done():
		return Envelope[T]{}, ctx.Err()
	}
}

func (s *Subscription[T]) closeErrOrDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClosed
}

// Cancel idempotently closes the subscription. Any envelopes still
// buffered are drained, in order, to the onDrain callback supplied to New.
// reason, if non-nil, is the error subsequently returned from Push/Next;
// a nil reason defaults to ErrClosed.
//
// The channel backing the buffer is never closed (only the producer side
// is told to stop via closedCh), so a producer racing a concurrent Push
// with Cancel can never panic on a send to a closed channel; it can at
// worst enqueue one message that arrives after the drain snapshot, which
// callers avoid in practice by calling Cancel only after quiescing
// producers (as the multiplexer does via its reserve/release protocol).
func (s *Subscription[T]) Cancel(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeErr = reason
		close(s.closedCh)
		s.mu.Unlock()

		if s.drain == nil {
			return
		}
		var residual []Envelope[T]
		for {
			select {
			case env := <-s.buf:
				residual = append(residual, env)
				continue
			default:
			}
			break
		}
		s.drain(residual)
	})
}

// Closed reports whether Cancel has been called.
func (s *Subscription[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
