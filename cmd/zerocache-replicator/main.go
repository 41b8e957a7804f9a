// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Command zerocache-replicator runs Component E/F/H for one shard: it
// streams logical replication from upstream Postgres, multiplexes it with
// any concurrent backfill, and applies the result to an embedded replica
// database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"zerocache.dev/zerocache/internal/changesource"
	"zerocache.dev/zerocache/internal/changestream"
	"zerocache.dev/zerocache/internal/replicator"
	"zerocache.dev/zerocache/internal/subscribe"
	"zerocache.dev/zerocache/shared/shard"
	"zerocache.dev/zerocache/shared/tagsql"
)

// config holds the flags/env/yaml-bindable settings for one replicator
// process, in the teacher's cobra+pflag+viper idiom (storj's cmd/*
// binaries bind every setting through a single struct rather than reading
// flags ad hoc).
type config struct {
	upstreamConnString string
	replicaDSN         string
	appID              string
	shardNum           int
	publications       []string
	ignoredTables      []string
	muxBufferSize      int
}

func bindFlags(cmd *cobra.Command, cfg *config) {
	flags := cmd.Flags()
	flags.StringVar(&cfg.upstreamConnString, "upstream-conn-string", "", "upstream Postgres logical replication connection string")
	flags.StringVar(&cfg.replicaDSN, "replica-dsn", "replica.db", "embedded replica sqlite3 DSN")
	flags.StringVar(&cfg.appID, "app-id", "", "application identifier for this shard")
	flags.IntVar(&cfg.shardNum, "shard-num", 0, "shard number within the application")
	flags.StringSliceVar(&cfg.publications, "publications", nil, "upstream PUBLICATION names to subscribe to")
	flags.StringSliceVar(&cfg.ignoredTables, "ignored-tables", nil, "schema.table names excluded from replication")
	flags.IntVar(&cfg.muxBufferSize, "mux-buffer-size", 256, "change-stream multiplexer output buffer size")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("ZEROCACHE")
	viper.AutomaticEnv()
}

func main() {
	cfg := &config{}
	root := &cobra.Command{
		Use:   "zerocache-replicator",
		Short: "Stream upstream Postgres changes into a zerocache replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(root, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log, _ := zap.NewProduction()
		log.Fatal("replicator exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shardCfg := shard.Config{
		AppID:         cfg.appID,
		Num:           cfg.shardNum,
		Publications:  cfg.publications,
		IgnoredTables: cfg.ignoredTables,
	}

	db, err := tagsql.Open("sqlite3", "file:"+cfg.replicaDSN+"?_journal_mode=WAL")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	repl := replicator.New(db, log)
	watermark, err := repl.Open(ctx, shardCfg.SchemaName())
	if err != nil {
		return err
	}
	log.Info("resuming replication", zap.String("shard", shardCfg.SchemaName()), zap.String("watermark", string(watermark)))

	onDrain := func(dropped []subscribe.Envelope[changestream.Message]) {
		log.Warn("dropping unconsumed change-stream envelopes on shutdown", zap.Int("count", len(dropped)))
	}
	mux := changestream.New(watermark, cfg.muxBufferSize, onDrain)

	source := changesource.New(changesource.Config{
		ConnString: cfg.upstreamConnString,
		Shard:      shardCfg,
	}, log)

	errs := make(chan error, 2)
	go func() {
		errs <- source.Run(ctx, mux, watermark, nil)
	}()
	go func() {
		errs <- repl.Run(ctx, shardCfg.SchemaName(), mux.Output())
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}
