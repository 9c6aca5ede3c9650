// Package main implements the bugvault command line tool.
//
// bugvault synchronizes bug-evidence folders between object-store workflow
// stages and local storage: it resolves stage states, mirrors in-flight
// folders into a relational download ledger, moves and deletes folders
// between stage prefixes, and copies ledger batches out with a dated
// history.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/bugvault/bugvault/config"
	"github.com/bugvault/bugvault/copier"
	"github.com/bugvault/bugvault/database"
	"github.com/bugvault/bugvault/guard"
	"github.com/bugvault/bugvault/mirror"
	"github.com/bugvault/bugvault/s3"
	"github.com/bugvault/bugvault/service"
	"github.com/bugvault/bugvault/stage"
	"github.com/bugvault/bugvault/tracing"
	"github.com/bugvault/bugvault/transfer"
	"github.com/bugvault/bugvault/workflow"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bugvault: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := tracing.Init("bugvault", version, cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer shutdown(ctx)
	}

	svc, cleanup, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return newRootCmd(svc, cfg).Execute()
}

// buildService wires the engines over one store client and one ledger.
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service.Service, func(), error) {
	storeCfg := s3.DefaultConfig()
	storeCfg.Bucket = cfg.Bucket
	storeCfg.Region = cfg.Region

	store, err := s3.New(ctx, storeCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create object-store client: %w", err)
	}
	store.SetLogger(logger)

	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.LedgerPath

	db, err := database.New(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// The ledger file may live on storage that mounts late; probe it with
	// backoff before the first operation runs against it.
	ping := func() error { return db.Ping(ctx) }
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ledger not reachable at %s: %w", cfg.LedgerPath, err)
	}

	catalog := stage.Default()

	resolver := workflow.NewResolver(store, catalog, cfg.RootFolder)
	resolver.SetLogger(logger)

	syncer := mirror.NewSyncer(store, db, catalog, cfg.RootFolder)
	syncer.SetLogger(logger)

	engine := transfer.NewEngine(store, db, cfg.RootFolder)
	engine.SetLogger(logger)

	batchCopier := copier.New(db)
	batchCopier.SetLogger(logger)

	svc := service.New(resolver, syncer, engine, batchCopier, db, nil)
	svc.SetLogger(logger)
	svc.SetGuard(guard.New(guard.Config{
		Logger:      logger,
		HealthCheck: db.Ping,
	}))

	return svc, func() { db.Close() }, nil
}
