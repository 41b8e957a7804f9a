// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package changesource

import "github.com/zeebo/errs"

// Error is the class of all changesource errors.
var Error = errs.Class("changesource")

// AbortError is returned when the replication slot is terminated
// externally (dropped, or the server closes the connection out of band).
var AbortError = errs.Class("replication slot terminated externally")

// AutoResetSignal is returned when the durable publications or ignored-
// tables configuration differs from what is configured at stream start;
// the caller must drop all local state and re-initialize from scratch.
var AutoResetSignal = errs.Class("configuration changed, full reset required")

// UnsupportedSchemaChangeError is fatal for the stream: an upstream DDL
// change was observed that the "without triggers" drift detector cannot
// safely interpret (§4.E "DDL detection").
var UnsupportedSchemaChangeError = errs.Class("unsupported schema change")

// UnsupportedTableSchemaError is fatal for the stream: a table's schema
// (at the moment streaming begins, before any change is even observed)
// cannot be replicated as configured — e.g. no primary key and no usable
// unique index to fall back to for replica identity.
var UnsupportedTableSchemaError = errs.Class("unsupported table schema")
