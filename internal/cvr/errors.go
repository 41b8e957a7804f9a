// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

import "github.com/zeebo/errs"

// Error is the class of all cvr errors.
var Error = errs.Class("cvr")

// ClientNotFoundError is returned when Load exhausts MaxLoadAttempts still
// observing instance.version != rowsVersion.version, or when an operation
// names a client that does not exist in the group.
var ClientNotFoundError = errs.Class("client not found")

// ConcurrentModificationException is returned by Flush when the instance
// row's version/owner/grantedAt changed between the load that produced the
// in-memory CVR and the FOR UPDATE gate taken at flush time.
var ConcurrentModificationException = errs.Class("concurrent modification")

// OwnershipError is returned when the caller's lastConnectTime is not
// newer than the instance's recorded grantedAt: another task holds (or
// more recently acquired) the lease and the caller must rehome.
var OwnershipError = errs.Class("ownership")

// InvalidClientSchemaError is returned when a client's declared schema
// version is incompatible with the instance's persisted clientSchema.
var InvalidClientSchemaError = errs.Class("invalid client schema")

// RowsVersionBehindError is returned by Load when rowsVersion.version is
// behind instance.version and the caller has not yet exhausted its retry
// budget (see MaxLoadAttempts).
var RowsVersionBehindError = errs.Class("rows version behind")
