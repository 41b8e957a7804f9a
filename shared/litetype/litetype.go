// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package litetype implements the compact "lite type string" that column
// metadata (upstreamType, isNotNull, isEnum, isArray, characterMaxLength)
// round-trips through losslessly alongside the replica (§4.H).
//
// Grammar: "<upstreamType>|<flags>[]?" where flags is zero or more of:
//
//	n        column is NOT NULL
//	e        column is an enum
//	l<NNN>   characterMaxLength, decimal digits
//
// and a trailing "[]" marks the column as an array of upstreamType. The
// `|` and `[]` choice of delimiter follows the spec's §4.H wording
// directly; flag order is fixed (n, e, l<NNN>) so the encoding is also
// deterministic, which keeps it diff-friendly in the column-metadata table.
package litetype

import (
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of all litetype errors.
var Error = errs.Class("litetype")

// Column is the decoded form of one column's type metadata.
type Column struct {
	UpstreamType        string
	IsNotNull           bool
	IsEnum              bool
	IsArray             bool
	CharacterMaxLength  int // 0 means "not applicable / unbounded"
}

// Encode renders c as its lite type string.
func Encode(c Column) string {
	var flags strings.Builder
	if c.IsNotNull {
		flags.WriteByte('n')
	}
	if c.IsEnum {
		flags.WriteByte('e')
	}
	if c.CharacterMaxLength > 0 {
		flags.WriteByte('l')
		flags.WriteString(strconv.Itoa(c.CharacterMaxLength))
	}
	s := c.UpstreamType + "|" + flags.String()
	if c.IsArray {
		s += "[]"
	}
	return s
}

// Parse decodes a lite type string back into a Column.
func Parse(s string) (Column, error) {
	var out Column
	if strings.HasSuffix(s, "[]") {
		out.IsArray = true
		s = s[:len(s)-2]
	}
	idx := strings.IndexByte(s, '|')
	if idx < 0 {
		return Column{}, Error.New("missing flags separator: %q", s)
	}
	out.UpstreamType = s[:idx]
	flags := s[idx+1:]

	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case 'n':
			out.IsNotNull = true
		case 'e':
			out.IsEnum = true
		case 'l':
			j := i + 1
			for j < len(flags) && flags[j] >= '0' && flags[j] <= '9' {
				j++
			}
			if j == i+1 {
				return Column{}, Error.New("malformed length flag in %q", s)
			}
			n, err := strconv.Atoi(flags[i+1 : j])
			if err != nil {
				return Column{}, Error.Wrap(err)
			}
			out.CharacterMaxLength = n
			i = j - 1
		default:
			return Column{}, Error.New("unknown flag %q in %q", flags[i], s)
		}
	}
	return out, nil
}
