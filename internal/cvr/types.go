// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package cvr implements §4 Component K: the durable, per-client-group
// Client View Record. It tracks which rows and query results each client
// in a group has already been sent, so the view-syncer (§4.M) can compute
// a minimal delta poke instead of re-sending a client's entire state on
// every change.
package cvr

import "zerocache.dev/zerocache/internal/lexiver"

// Instance is the one-per-client-group root record (§3 "CVR entities").
type Instance struct {
	ClientGroupID  string
	Version        lexiver.CVRVersion
	ReplicaVersion lexiver.StateVersion
	TTLClock       int64
	LastActive     int64 // unix millis
	Owner          string
	GrantedAt      int64 // unix millis; 0 means unset
	ClientSchema   string
	ProfileID      string
}

// RowsVersion may lag Instance.Version when row-record flush is deferred
// ("allow-defer"); it never exceeds it.
type RowsVersion struct {
	ClientGroupID string
	Version       lexiver.CVRVersion
}

// Client is one connected client within the group.
type Client struct {
	ClientGroupID  string
	ClientID       string
	LastMutationID int64
	PatchVersion   lexiver.CVRVersion
	Deleted        bool
}

// Query is one tracked query within the group. Exactly one of AST or
// (QueryName, QueryArgs) is populated.
type Query struct {
	ClientGroupID      string
	QueryHash          string
	ClientAST          string
	QueryName          string
	QueryArgs          string
	PatchVersion       lexiver.CVRVersion
	TransformationHash string
	TransformationVer  string
	Internal           bool
	Deleted            bool
	ErrorMessage       string
	ErrorVersion       lexiver.CVRVersion
}

// Desire records that a client wants a query's results.
type Desire struct {
	ClientGroupID     string
	ClientID          string
	QueryHash         string
	PatchVersion      lexiver.CVRVersion
	Deleted           bool
	TTLMs             int64
	InactivatedAtMs   int64
	RetryErrorVersion lexiver.CVRVersion
}

// RowRecord tracks one upstream row's reference count across queries. A
// nil RefCounts is a tombstone kept around so lagging clients can still
// receive a "del" patch for it.
type RowRecord struct {
	ClientGroupID string
	Schema        string
	Table         string
	RowKey        string // rowkey.ID.Canonical
	RowVersion    string
	PatchVersion  lexiver.CVRVersion
	RefCounts     map[string]int // nil = tombstone
}
