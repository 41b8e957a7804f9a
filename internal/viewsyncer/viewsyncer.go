// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package viewsyncer

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"zerocache.dev/zerocache/internal/cvr"
	"zerocache.dev/zerocache/internal/drain"
	"zerocache.dev/zerocache/internal/pipeline"
	"zerocache.dev/zerocache/internal/rowrecord"
	"zerocache.dev/zerocache/internal/snapshot"
)

// Error is the class of all view-syncer errors.
var Error = errs.Class("viewsyncer")

// Rehome is delivered to every connection when ownership of the client
// group is lost during a flush (§4.M "Ownership loss during flush").
var Rehome = errs.Class("rehome")

// ClientNotFound is delivered to every connection when the replica file
// is reset and the row cache can no longer be trusted.
var ClientNotFound = errs.Class("client not found")

// Conn is the outbound side of one connected client: whatever transport
// (websocket, SSE, a direct in-process channel in tests) delivers a Poke
// or terminates the connection with an error.
type Conn interface {
	Send(ctx context.Context, p Poke) error
	Close(err error)
}

type client struct {
	id             string
	conn           Conn
	baseCookie     string
	lastMutationID int64
}

// Syncer runs one cooperative event loop for a single client group, per
// §4.M. Every exported method enqueues an event and returns without
// waiting for the loop to process it; Run drains the queue until ctx is
// canceled or the loop decides to drain/rehome.
type Syncer struct {
	clientGroupID string
	self          string
	store         *cvr.Store
	driver        pipeline.Driver
	snapshotter   *snapshot.Snapshotter
	drainCoord    *drain.Coordinator
	log           *zap.Logger

	rows       *rowrecord.Cache
	cvrData    *cvr.CVR
	clients    map[string]*client
	queryTable map[string]tableRef // queryHash -> (schema, table), populated on AddQuery

	events chan event
}

// tableRef identifies the (schema, table) a tracked query runs over,
// recorded so handleVersionReady can resolve a bare pipeline.Change
// (which carries only a table name) back to a RowRecord's full key.
type tableRef struct {
	schema string
	table  string
}

type event interface{}

type connectEvent struct {
	id         string
	conn       Conn
	baseCookie string
}

type desireEvent struct {
	clientID  string
	queryHash string
	schema    string
	table     string
	want      bool
}

type versionReadyEvent struct{}

type deleteClientsEvent struct {
	ids []string
}

type drainEvent struct{}

// New creates a Syncer for clientGroupID. Call Load before Run.
func New(clientGroupID, self string, store *cvr.Store, driver pipeline.Driver, snapshotter *snapshot.Snapshotter, drainCoord *drain.Coordinator, log *zap.Logger) *Syncer {
	return &Syncer{
		clientGroupID: clientGroupID,
		self:          self,
		store:         store,
		driver:        driver,
		snapshotter:   snapshotter,
		drainCoord:    drainCoord,
		log:           log,
		clients:       make(map[string]*client),
		queryTable:    make(map[string]tableRef),
		events:        make(chan event, 64),
	}
}

// Load acquires ownership and reconstructs the in-memory CVR and row
// record cache, per §4.K Load + §4.M "owned exclusively by the
// view-syncer; rebuilt from the CVR on reload".
func (s *Syncer) Load(ctx context.Context, lastConnectTime int64) error {
	if err := s.store.AcquireOwnership(ctx, s.clientGroupID, s.self, lastConnectTime); err != nil {
		return err
	}
	c, err := s.store.Load(ctx, s.clientGroupID)
	if cvr.ClientNotFoundError.Has(err) {
		c = cvr.New(s.clientGroupID)
	} else if err != nil {
		return err
	}
	s.cvrData = c
	s.rows = rowrecord.New(c.RowRecords)
	return nil
}

// Connect registers a new client connection at baseCookie.
func (s *Syncer) Connect(id string, conn Conn, baseCookie string) {
	s.events <- connectEvent{id: id, conn: conn, baseCookie: baseCookie}
}

// SetDesire records that clientID does (or no longer does) want query
// queryHash over (schema, table).
func (s *Syncer) SetDesire(clientID, queryHash, schema, table string, want bool) {
	s.events <- desireEvent{clientID: clientID, queryHash: queryHash, schema: schema, table: table, want: want}
}

// VersionReady signals a new replica snapshot is available to advance to.
func (s *Syncer) VersionReady() {
	s.events <- versionReadyEvent{}
}

// DeleteClients removes clients from the group (they disconnected).
func (s *Syncer) DeleteClients(ids []string) {
	s.events <- deleteClientsEvent{ids: ids}
}

// Drain requests the loop check the drain coordinator at its next
// iteration boundary.
func (s *Syncer) Drain() {
	s.events <- drainEvent{}
}

// Run processes events one at a time until ctx is canceled or the loop
// exits to drain or rehome. Exactly one goroutine may call Run.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			start := time.Now()
			drained, err := s.handle(ctx, ev)
			if err != nil {
				return err
			}
			if drained {
				s.drainCoord.DrainNextIn(time.Since(start))
				return nil
			}
		}
	}
}

func (s *Syncer) handle(ctx context.Context, ev event) (drained bool, err error) {
	switch e := ev.(type) {
	case connectEvent:
		return false, s.handleConnect(ctx, e)
	case desireEvent:
		return false, s.handleDesire(ctx, e)
	case versionReadyEvent:
		return false, s.handleVersionReady(ctx)
	case deleteClientsEvent:
		return false, s.handleDeleteClients(ctx, e)
	case drainEvent:
		if s.drainCoord.ShouldDrain() {
			return true, nil
		}
		return false, nil
	default:
		return false, Error.New("unknown event type %T", ev)
	}
}
