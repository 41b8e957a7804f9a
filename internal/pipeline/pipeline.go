// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package pipeline defines §4 Component J as a capability interface: the
// specification leaves query execution opaque, prescribing only the shape
// of what an implementation must yield. Driver is the seam the
// view-syncer programs against; ReplicaDriver is one concrete
// implementation that evaluates a tracked query set directly off the
// embedded replica's change-log, suitable for simple equality/range
// queries without joins.
package pipeline

import (
	"context"

	"github.com/zeebo/errs"

	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/internal/rowkey"
	"zerocache.dev/zerocache/internal/snapshot"
)

// Error is the class of all pipeline errors.
var Error = errs.Class("pipeline")

// Op describes how a row changed with respect to a query.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpEdit   Op = "edit"
)

// Change is one row-level effect of a query's execution or advancement.
type Change struct {
	QueryHash string
	Table     string
	RowKey    rowkey.ID
	Row       map[string]any
	Op        Op
}

// Query is an opaque query AST plus the identity the driver reports
// changes under.
type Query struct {
	Hash   string
	Schema string
	Table  string
	// Predicate is evaluated against each candidate row's New/current
	// values; nil matches every row (select *).
	Predicate func(row map[string]any) bool
	// KeyColumns identifies a row within Table for this query.
	KeyColumns []string
}

// Driver is the capability the view-syncer programs against (§4 Component
// J): install/remove tracked queries, advance them against a new
// snapshot, and fetch a single row's current value.
type Driver interface {
	AddQuery(ctx context.Context, q Query) ([]Change, error)
	RemoveQuery(ctx context.Context, queryHash string) error
	Advance(ctx context.Context, snap snapshot.Advance) ([]Change, error)
	GetRow(ctx context.Context, schema, table string, key rowkey.Key) (map[string]any, bool, error)
}

var _ Driver = (*ReplicaDriver)(nil)
