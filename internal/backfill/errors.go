// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package backfill

import "github.com/zeebo/errs"

// Error is the class of all backfill errors.
var Error = errs.Class("backfill")

// SchemaIncompatibilityError is raised only inside a backfill (§4.E
// "Fails with", §4.G step 3 / MVCC caveat): the relation observed at the
// snapshot no longer matches the metadata the caller requested the
// backfill for. It terminates the affected backfill only, not the whole
// change-source stream.
var SchemaIncompatibilityError = errs.Class("cannot backfill")
