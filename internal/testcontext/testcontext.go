// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package testcontext provides a context.Context wrapper for tests,
// adapted from storj.io/common/testcontext: it bundles a cancelable
// context, a scratch directory cleaned up on test completion, and a
// WaitGroup so background goroutines spawned by a test can be joined
// before the test is declared done.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Context is a context.Context plus test lifecycle helpers.
type Context struct {
	context.Context
	t      testing.TB
	cancel context.CancelFunc

	mu      sync.Mutex
	dir     string
	wg      sync.WaitGroup
	cleanup []func()
}

// New returns a Context bound to t with no deadline beyond the test's own.
func New(t testing.TB) *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{Context: ctx, t: t, cancel: cancel}
}

// NewWithTimeout returns a Context that is automatically cancelled after d.
func NewWithTimeout(t testing.TB, d time.Duration) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	return &Context{Context: ctx, t: t, cancel: cancel}
}

// Go runs fn in a new goroutine tracked by the Context's WaitGroup; Cleanup
// waits for all such goroutines before returning.
func (ctx *Context) Go(fn func() error) {
	ctx.wg.Add(1)
	go func() {
		defer ctx.wg.Done()
		if err := fn(); err != nil {
			ctx.t.Errorf("goroutine error: %v", err)
		}
	}()
}

// Check runs fn and fails the test if it returns an error. Intended for
// `defer ctx.Check(db.Close)`.
func (ctx *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		ctx.t.Errorf("check failed: %v", err)
	}
}

// Dir returns a scratch directory under the test's temp dir, creating it
// (and any named subpath) on first use.
func (ctx *Context) Dir(subdir ...string) string {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.dir == "" {
		ctx.dir = ctx.t.TempDir()
	}
	path := filepath.Join(append([]string{ctx.dir}, subdir...)...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		ctx.t.Fatalf("testcontext: mkdir %s: %v", path, err)
	}
	return path
}

// File returns a path for name inside the scratch directory, without
// creating the file itself.
func (ctx *Context) File(name string) string {
	return filepath.Join(ctx.Dir(), name)
}

// OnCleanup registers fn to run during Cleanup, LIFO, after goroutines are
// joined.
func (ctx *Context) OnCleanup(fn func()) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.cleanup = append(ctx.cleanup, fn)
}

// Cleanup cancels the context, waits for tracked goroutines, and runs any
// registered cleanup callbacks in reverse registration order.
func (ctx *Context) Cleanup() {
	ctx.cancel()
	ctx.wg.Wait()

	ctx.mu.Lock()
	fns := ctx.cleanup
	ctx.cleanup = nil
	ctx.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
