// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package cvr

// CVR is the fully materialized in-memory view of one client group's
// record, as reconstructed by Load or mutated in place by the
// view-syncer before being persisted back by Flush.
type CVR struct {
	Instance    Instance
	RowsVersion RowsVersion
	Clients     map[string]Client            // clientID -> Client
	Queries     map[string]Query             // queryHash -> Query
	Desires     map[string]map[string]Desire // clientID -> queryHash -> Desire
	RowRecords  map[string]RowRecord         // schema/table/rowKey -> RowRecord
}

// New returns an empty CVR for a brand new client group.
func New(clientGroupID string) *CVR {
	return &CVR{
		Instance:    Instance{ClientGroupID: clientGroupID},
		RowsVersion: RowsVersion{ClientGroupID: clientGroupID},
		Clients:     make(map[string]Client),
		Queries:     make(map[string]Query),
		Desires:     make(map[string]map[string]Desire),
		RowRecords:  make(map[string]RowRecord),
	}
}

func rowRecordKey(schema, table, rowKey string) string {
	return schema + "/" + table + "/" + rowKey
}

// PutRowRecord indexes rr under its (Schema, Table, RowKey) identity.
func (c *CVR) PutRowRecord(rr RowRecord) {
	c.RowRecords[rowRecordKey(rr.Schema, rr.Table, rr.RowKey)] = rr
}

// DesireFor returns a client's desire for a query, if any.
func (c *CVR) DesireFor(clientID, queryHash string) (Desire, bool) {
	d, ok := c.Desires[clientID][queryHash]
	return d, ok
}

// PutDesire records a client's desire for a query.
func (c *CVR) PutDesire(d Desire) {
	m, ok := c.Desires[d.ClientID]
	if !ok {
		m = make(map[string]Desire)
		c.Desires[d.ClientID] = m
	}
	m[d.QueryHash] = d
}
