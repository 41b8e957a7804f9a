// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package replicator implements §4 Component H: it consumes the
// multiplexed change stream, applies each transaction to the embedded
// replica inside one write transaction, appends a structured entry to the
// replica's own change-log, and signals version-ready to subscribers.
package replicator

import "github.com/zeebo/errs"

// Error is the class of all replicator errors.
var Error = errs.Class("replicator")
