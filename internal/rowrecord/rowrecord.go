// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package rowrecord implements §4.L: an in-memory cache of a client
// group's CVR row records, fronting internal/cvr's durable store so the
// view-syncer's hot path (hydration, per-change refcount updates) never
// waits on a round trip. Row records are written back to the store
// opportunistically ("allow-defer": the rowsVersion table is allowed to
// lag the instance version, see §3), and the whole cache is dropped and
// reloaded from the store if a flush ever fails, since at that point the
// in-memory state and the durable state have diverged in an unknown way.
package rowrecord

import (
	"sync"

	"zerocache.dev/zerocache/internal/cvr"
)

// Cache holds one client group's row records, keyed the same way
// cvr.CVR.RowRecords is.
type Cache struct {
	mu      sync.RWMutex
	records map[string]cvr.RowRecord
	dirty   map[string]bool
}

// New creates a Cache preloaded from an already-loaded CVR's row records.
func New(loaded map[string]cvr.RowRecord) *Cache {
	records := make(map[string]cvr.RowRecord, len(loaded))
	for k, v := range loaded {
		records[k] = v
	}
	return &Cache{records: records, dirty: make(map[string]bool)}
}

func key(schema, table, rowKey string) string {
	return schema + "/" + table + "/" + rowKey
}

// Get returns the cached record for (schema, table, rowKey), if any.
func (c *Cache) Get(schema, table, rowKey string) (cvr.RowRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rr, ok := c.records[key(schema, table, rowKey)]
	return rr, ok
}

// Put stores rr and marks it dirty for the next flush.
func (c *Cache) Put(rr cvr.RowRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(rr.Schema, rr.Table, rr.RowKey)
	c.records[k] = rr
	c.dirty[k] = true
}

// Delete tombstones the record at (schema, table, rowKey): RefCounts is
// set to nil (not removed outright) so a lagging client can still
// observe a "del" patch for it, per the RowRecord doc.
func (c *Cache) Delete(schema, table, rowKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(schema, table, rowKey)
	rr := c.records[k]
	rr.Schema, rr.Table, rr.RowKey = schema, table, rowKey
	rr.RefCounts = nil
	c.records[k] = rr
	c.dirty[k] = true
}

// AdjustRefCount adds delta to record (schema, table, rowKey)'s count for
// queryHash, creating the record if absent and removing the queryHash
// entry entirely once its count reaches zero. Returns the record's
// resulting reference count across all queries (0 meaning it is now
// eligible for deletion by the caller).
func (c *Cache) AdjustRefCount(schema, table, rowKey, queryHash string, delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(schema, table, rowKey)
	rr, ok := c.records[k]
	if !ok {
		rr = cvr.RowRecord{Schema: schema, Table: table, RowKey: rowKey}
	}
	if rr.RefCounts == nil {
		rr.RefCounts = make(map[string]int)
	}
	rr.RefCounts[queryHash] += delta
	if rr.RefCounts[queryHash] <= 0 {
		delete(rr.RefCounts, queryHash)
	}
	total := 0
	for _, n := range rr.RefCounts {
		total += n
	}
	c.records[k] = rr
	c.dirty[k] = true
	return total
}

// ForTable returns every non-tombstoned record cached for (schema,
// table), regardless of dirty state: used when releasing a query's rows,
// which must find every record it contributed to even if none of them
// have been touched since the last flush.
func (c *Cache) ForTable(schema, table string) []cvr.RowRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []cvr.RowRecord
	for _, rr := range c.records {
		if rr.Schema == schema && rr.Table == table && rr.RefCounts != nil {
			out = append(out, rr)
		}
	}
	return out
}

// Dirty returns every record touched since the last Flushed call, for the
// view-syncer to fold into the CVR it is about to flush.
func (c *Cache) Dirty() []cvr.RowRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]cvr.RowRecord, 0, len(c.dirty))
	for k := range c.dirty {
		out = append(out, c.records[k])
	}
	return out
}

// Flushed clears the dirty set after a successful Store.Flush.
func (c *Cache) Flushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = make(map[string]bool)
}

// Reset discards all cached state (both records and the dirty set) and
// reloads from fresh: used when a flush fails and the cache can no longer
// be trusted, and when ownership of the client group is lost or
// transferred (§9 "avoid sharing the row-record cache across owners").
func (c *Cache) Reset(loaded map[string]cvr.RowRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make(map[string]cvr.RowRecord, len(loaded))
	for k, v := range loaded {
		records[k] = v
	}
	c.records = records
	c.dirty = make(map[string]bool)
}
