// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Command zerocache-view-syncer runs Components K-O for one shard: it owns
// the CVR store, the replica snapshotter and pipeline driver, and a Syncer
// per connected client group. The websocket framing that carries client
// traffic to a Syncer's Conn is an external collaborator per the spec
// (§1 "out of scope"); this binary wires everything up to that boundary
// (registry.Acquire) and leaves the boundary itself to whatever transport
// is deployed in front of it.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"zerocache.dev/zerocache/internal/cvr"
	"zerocache.dev/zerocache/internal/drain"
	"zerocache.dev/zerocache/internal/lexiver"
	"zerocache.dev/zerocache/internal/pipeline"
	"zerocache.dev/zerocache/internal/snapshot"
	"zerocache.dev/zerocache/internal/txpool"
	"zerocache.dev/zerocache/internal/viewsyncer"
	"zerocache.dev/zerocache/shared/shard"
	"zerocache.dev/zerocache/shared/tagsql"
)

type config struct {
	cvrDSN          string
	replicaDSN      string
	appID           string
	shardNum        int
	replicaPoolSize int
	drainDelayMS    int
	self            string
}

func bindFlags(cmd *cobra.Command, cfg *config) {
	flags := cmd.Flags()
	flags.StringVar(&cfg.cvrDSN, "cvr-dsn", "", "CVR Postgres connection string")
	flags.StringVar(&cfg.replicaDSN, "replica-dsn", "replica.db", "embedded replica sqlite3 DSN")
	flags.StringVar(&cfg.appID, "app-id", "", "application identifier for this shard")
	flags.IntVar(&cfg.shardNum, "shard-num", 0, "shard number within the application")
	flags.IntVar(&cfg.replicaPoolSize, "replica-pool-size", 4, "number of long-running read transactions held against the replica")
	flags.IntVar(&cfg.drainDelayMS, "drain-delay-ms", 0, "initial delay, in ms, before a Syncer is eligible to drain")
	flags.StringVar(&cfg.self, "self", "", "identity of this view-syncer instance, recorded as CVR ownership")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("ZEROCACHE")
	viper.AutomaticEnv()
}

func main() {
	cfg := &config{}
	root := &cobra.Command{Use: "zerocache-view-syncer"}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the CVR schema for this shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd.Context(), cfg)
		},
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve view-syncer traffic for this shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(setupCmd, cfg)
	bindFlags(runCmd, cfg)
	root.AddCommand(setupCmd, runCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log, _ := zap.NewProduction()
		log.Fatal("view-syncer exited with error", zap.Error(err))
	}
}

func setup(ctx context.Context, cfg *config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := tagsql.Open("postgres", cfg.cvrDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return cvr.NewStore(db).EnsureSchema(ctx, log)
}

// registry owns one *viewsyncer.Syncer per client group, creating it
// lazily on first contact. Each Syncer gets its own Snapshotter: the
// cursor it advances is stateful, so two Syncers sharing one would each
// only see the delta left over by whichever advanced first.
type registry struct {
	mu      sync.Mutex
	syncers map[string]*viewsyncer.Syncer

	store *cvr.Store
	pool  *txpool.Pool
	self  string
	drain time.Duration
	log   *zap.Logger
}

func newRegistry(store *cvr.Store, pool *txpool.Pool, self string, drainDelay time.Duration, log *zap.Logger) *registry {
	return &registry{
		syncers: make(map[string]*viewsyncer.Syncer),
		store:   store,
		pool:    pool,
		self:    self,
		drain:   drainDelay,
		log:     log,
	}
}

// Acquire returns the Syncer for clientGroupID, starting its Run loop the
// first time it's requested. This is the registry's one public entry
// point: the external transport calls it once per new client-group
// connection and then calls Connect/SetDesire/etc. on the result directly.
func (r *registry) Acquire(ctx context.Context, clientGroupID string) (*viewsyncer.Syncer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.syncers[clientGroupID]; ok {
		return s, nil
	}

	driver := pipeline.NewReplicaDriver(r.pool)
	snapper := snapshot.New(r.pool, lexiver.StateVersion(""))
	s := viewsyncer.New(clientGroupID, r.self, r.store, driver, snapper, drain.New(r.drain), r.log.With(zap.String("clientGroupID", clientGroupID)))
	if err := s.Load(ctx, 0); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		if err := s.Run(runCtx); err != nil && runCtx.Err() == nil {
			r.log.Error("syncer loop exited", zap.String("clientGroupID", clientGroupID), zap.Error(err))
		}
		r.mu.Lock()
		delete(r.syncers, clientGroupID)
		r.mu.Unlock()
	}()

	r.syncers[clientGroupID] = s
	return s, nil
}

func run(ctx context.Context, cfg *config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shardCfg := shard.Config{AppID: cfg.appID, Num: cfg.shardNum}

	cvrDB, err := tagsql.Open("postgres", cfg.cvrDSN)
	if err != nil {
		return err
	}
	defer func() { _ = cvrDB.Close() }()
	store := cvr.NewStore(cvrDB)

	replicaDB, err := tagsql.Open("sqlite3", "file:"+cfg.replicaDSN+"?_journal_mode=WAL")
	if err != nil {
		return err
	}
	defer func() { _ = replicaDB.Close() }()

	pool := txpool.New(replicaDB, cfg.replicaPoolSize)
	defer pool.Drain()

	self := cfg.self
	if self == "" {
		self = shardCfg.SchemaName()
	}
	reg := newRegistry(store, pool, self, time.Duration(cfg.drainDelayMS)*time.Millisecond, log)
	_ = reg // a deployed transport calls reg.Acquire(ctx, clientGroupID) per new client-group connection and wires the returned Syncer to that connection's Conn/SetDesire/DeleteClients calls.

	log.Info("view-syncer ready", zap.String("shard", shardCfg.SchemaName()))
	<-ctx.Done()
	return nil
}
