// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package lexiver implements lexicographically-sortable encodings of
// upstream Postgres LSNs and the CVR version pairs derived from them.
//
// Every persisted ordering in zerocache (change-log keys, CVR patch
// versions, row-record versions) is a plain SQL TEXT column compared with
// ordinary string ordering. LexiVersion is the encoding that makes that
// valid: for any two uint64 values a < b, Encode(a) < Encode(b) as strings.
package lexiver

import (
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of all lexiver errors.
var Error = errs.Class("lexiver")

const digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// maxDigits is the number of base-36 digits needed to represent the
// largest uint64 (36^13 > 2^64 > 36^12).
const maxDigits = 13

// LexiVersion is a fixed-radix base-36 encoding of a uint64, prefixed with
// a single character giving the digit count. String comparison of two
// LexiVersions reproduces numeric comparison of the underlying values.
//
// Do not parse a LexiVersion back to a uint64 on a hot path: its entire
// purpose is to let SQL ORDER BY / range predicates work directly on the
// TEXT encoding.
type LexiVersion string

// Zero is the LexiVersion of 0, and the smallest possible LexiVersion.
const Zero LexiVersion = "00"

// New encodes v as a LexiVersion.
func New(v uint64) LexiVersion {
	if v == 0 {
		return Zero
	}
	body := strconv.FormatUint(v, 36)
	n := len(body)
	if n > maxDigits {
		// cannot happen for a uint64, but keep the invariant explicit.
		panic("lexiver: digit count exceeds maximum for uint64")
	}
	return LexiVersion(string(digits[n-1]) + body)
}

// Parse decodes a LexiVersion back into its uint64 value.
func Parse(s LexiVersion) (uint64, error) {
	raw := string(s)
	if len(raw) < 2 {
		return 0, Error.New("lexiversion too short: %q", raw)
	}
	lengthChar := raw[0]
	idx := strings.IndexByte(digits, lengthChar)
	if idx < 0 {
		return 0, Error.New("invalid length prefix: %q", raw)
	}
	wantLen := idx + 1
	body := raw[1:]
	if len(body) != wantLen {
		return 0, Error.New("lexiversion length mismatch: %q", raw)
	}
	v, err := strconv.ParseUint(body, 36, 64)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return v, nil
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b LexiVersion) int {
	return strings.Compare(string(a), string(b))
}

// Less reports whether a sorts before b.
func (a LexiVersion) Less(b LexiVersion) bool {
	return a < b
}

// String implements fmt.Stringer.
func (a LexiVersion) String() string {
	return string(a)
}

// StateVersion is the LexiVersion of an upstream commit LSN: it identifies
// a point in the change stream and, downstream, a snapshot of the replica.
type StateVersion = LexiVersion

// FromLSN encodes a raw Postgres LSN (already resolved to a uint64, e.g. via
// pglogrepl.LSN) as a StateVersion.
func FromLSN(lsn uint64) StateVersion {
	return New(lsn)
}

// MinStateVersion is the StateVersion assigned to a freshly created CVR
// instance, before any data has been synced.
const MinStateVersion StateVersion = Zero

// minorWidth is the fixed decimal width used to encode CVRVersion's minor
// component so that string comparison of the combined form matches the
// (stateVersion, minorVersion) lexicographic order. Config-only updates are
// expected to be rare between two data updates, so four digits (up to 9999
// minor bumps per stateVersion) is generous headroom; a minor version
// beyond that range is a bug upstream, not a supported case.
const minorWidth = 4

// CVRVersion orders first by stateVersion, then by minorVersion (absent
// minorVersion means 0). Config-only CVR updates bump minorVersion; data
// updates bump stateVersion and reset minorVersion to 0.
type CVRVersion struct {
	StateVersion StateVersion
	MinorVersion int
}

// String renders the CVRVersion as a single sortable string:
// "<stateVersion>.<minorVersion padded to 4 digits>".
func (v CVRVersion) String() string {
	minor := strconv.Itoa(v.MinorVersion)
	if len(minor) < minorWidth {
		minor = strings.Repeat("0", minorWidth-len(minor)) + minor
	}
	return string(v.StateVersion) + "." + minor
}

// ParseCVRVersion parses the String() form back into a CVRVersion.
func ParseCVRVersion(s string) (CVRVersion, error) {
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return CVRVersion{}, Error.New("malformed cvr version: %q", s)
	}
	minor, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return CVRVersion{}, Error.New("malformed cvr version minor: %q", s)
	}
	return CVRVersion{StateVersion: StateVersion(s[:idx]), MinorVersion: minor}, nil
}

// Less reports whether v sorts strictly before o.
func (v CVRVersion) Less(o CVRVersion) bool {
	return v.String() < o.String()
}

// Equal reports value equality.
func (v CVRVersion) Equal(o CVRVersion) bool {
	return v.StateVersion == o.StateVersion && v.MinorVersion == o.MinorVersion
}

// NextMinor returns v with MinorVersion incremented and StateVersion held
// constant: the encoding used by config-only CVR updates.
func (v CVRVersion) NextMinor() CVRVersion {
	return CVRVersion{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion + 1}
}

// WithStateVersion returns a new CVRVersion at sv with MinorVersion reset to
// zero: the encoding used by data CVR updates.
func WithStateVersion(sv StateVersion) CVRVersion {
	return CVRVersion{StateVersion: sv}
}
