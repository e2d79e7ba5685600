package main

import (
	"context"
	"time"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/scheduler"
	"github.com/ossobv/planbd/internal/storage"
)

// queueTimeout is the invisibility window of a received job; the runner
// extends it while a backup is in flight.
const queueTimeout = 5 * time.Minute

// env bundles the opened service handles a subcommand works with.
type env struct {
	cfg     *config.File
	repo    *catalog.Repository
	pools   *storage.Registry
	backupQ *catalog.Queue
	dutreeQ *catalog.Queue
}

func openEnv() (*env, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	repo, err := catalog.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := catalog.SetupQueues(context.Background(), repo.SQLDB()); err != nil {
		repo.Close()
		return nil, err
	}
	pools, err := storage.NewRegistry(cfg.Pools)
	if err != nil {
		repo.Close()
		return nil, err
	}
	return &env{
		cfg:     cfg,
		repo:    repo,
		pools:   pools,
		backupQ: catalog.NewQueue(repo.SQLDB(), config.DefaultBackupQueue, queueTimeout),
		dutreeQ: catalog.NewQueue(repo.SQLDB(), config.DefaultDutreeQueue, queueTimeout),
	}, nil
}

func (e *env) Close() error {
	return e.repo.Close()
}

func (e *env) scheduler() *scheduler.Scheduler {
	return scheduler.New(e.repo, e.backupQ,
		scheduler.WithInterval(e.cfg.SchedulerInterval),
		scheduler.WithGlobalBlacklistHours(e.cfg.BlacklistHours))
}
