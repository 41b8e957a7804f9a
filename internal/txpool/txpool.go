// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package txpool implements §4 Component D: a bounded set of read-only
// transactions against the replica, used for snapshotted query execution
// by the pipeline driver (Component J) and the snapshotter (Component I).
// A SQL transaction's read view is fixed at its first statement, so every
// logical read task that needs the *current* snapshot must begin its own
// fresh transaction; the pool's only job is bounding how many of those
// are open concurrently, the way the replica's WAL mode expects a small,
// stable number of long-running readers rather than an unbounded one.
package txpool

import (
	"context"
	"database/sql"
	"sync"

	"github.com/zeebo/errs"

	"zerocache.dev/zerocache/shared/tagsql"
)

// Error is the class of all txpool errors.
var Error = errs.Class("txpool")

// Pool bounds concurrent read-only transactions against db to maxSize,
// blocking acquire past that limit until one is released.
type Pool struct {
	db      tagsql.DB
	maxSize int
	sem     chan struct{}

	mu     sync.Mutex
	active int
}

// New creates a Pool over db that allows at most maxSize concurrent
// read-only transactions.
func New(db tagsql.DB, maxSize int) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{db: db, maxSize: maxSize, sem: make(chan struct{}, maxSize)}
}

// ProcessReadTask begins a fresh read-only transaction (blocking until a
// slot under maxSize is free), runs fn with it, and always rolls it back
// afterward: a read-only transaction is never committed, and reuse across
// calls would pin fn's view of the data to whatever was committed the
// first time the transaction was begun. fn must not retain tx beyond its
// own invocation: acquiring is a suspension point per §5 ("every
// TransactionPool.processReadTask").
func (p *Pool) ProcessReadTask(ctx context.Context, fn func(ctx context.Context, tx tagsql.Tx) error) error {
	tx, err := p.acquire(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer p.release(tx)

	return fn(ctx, tx)
}

func (p *Pool) acquire(ctx context.Context) (tagsql.Tx, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		<-p.sem
		return nil, err
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	return tx, nil
}

func (p *Pool) release(tx tagsql.Tx) {
	_ = tx.Rollback()
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	<-p.sem
}

// Drain blocks until every in-flight read transaction has rolled back,
// then returns. Since each ProcessReadTask call already begins and rolls
// back its own transaction rather than caching one for reuse, there is no
// stale idle snapshot left to invalidate: Drain exists purely to give
// callers (e.g. process shutdown) a synchronization point before closing
// the underlying db.
func (p *Pool) Drain() {
	for i := 0; i < p.maxSize; i++ {
		p.sem <- struct{}{}
	}
	for i := 0; i < p.maxSize; i++ {
		<-p.sem
	}
}

// Open returns the current count of transactions checked out.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
