// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package viewsyncer implements §4.M: one cooperative event loop per
// client group that keeps each connected client's view in sync with the
// replica by computing and sending poke sequences derived from the CVR.
package viewsyncer

// Poke is one pokeStart/pokePart*/pokeEnd sequence delivered to a single
// client. A poke with no parts (Parts is empty) still frames an
// otherwise-empty catch-up to nil.
type Poke struct {
	BaseCookie string
	Cookie     string
	Parts      []Part
}

// Part is one pokePart payload (§4.M "poke protocol").
type Part struct {
	LastMutationIDChanges map[string]int64
	DesiredQueriesPatches []ConfigPatch
	GotQueriesPatch       []ConfigPatch
	RowsPatch             []RowPatch
}

// ConfigPatch mirrors a cvr.ConfigPatch for wire delivery: "put" or "del"
// for a query or a desire.
type ConfigPatch struct {
	Op        string // "put" | "del"
	QueryHash string
	ClientID  string // set for desire patches only
}

// RowPatch is one row-level put/del delivered to a client.
type RowPatch struct {
	Op     string // "put" | "del"
	Schema string
	Table  string
	RowKey string
	Row    map[string]any // nil for "del"
}

// IsEmpty reports whether p carries no material change and should be
// suppressed rather than sent (§4.M "a poke with no material changes is
// suppressed").
func (p Part) IsEmpty() bool {
	return len(p.LastMutationIDChanges) == 0 &&
		len(p.DesiredQueriesPatches) == 0 &&
		len(p.GotQueriesPatch) == 0 &&
		len(p.RowsPatch) == 0
}
