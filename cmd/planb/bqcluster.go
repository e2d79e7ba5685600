package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/runner"
)

var (
	bqclusterCmd = &cobra.Command{
		Use:   "bqcluster",
		Short: "Run a worker cluster draining the named queue",
		Long: `Runs the workers of one queue. The backup cluster also hosts the
 scheduler tick that feeds it; the dutree cluster is the single-worker
 post-processing consumer.`,
		Args: cobra.NoArgs,
		Run:  func(cmd *cobra.Command, args []string) { cmdErr = bqcluster() },
	}

	flagClusterQueue string
	flagRunOnce      bool
	flagLogDir       string
)

func init() {
	rootCmd.AddCommand(bqclusterCmd)
	bqclusterCmd.Flags().StringVar(&flagClusterQueue, "queue", config.DefaultBackupQueue, "queue to drain")
	bqclusterCmd.Flags().BoolVar(&flagRunOnce, "run-once", false, "drain the queue once and exit")
	bqclusterCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "write per-fileset run logs into this directory")
}

func bqcluster() error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch flagClusterQueue {
	case config.DefaultBackupQueue:
		r := runner.New(env.repo, env.pools, env.backupQ, env.dutreeQ,
			runner.WithWorkers(env.cfg.BackupWorkers),
			runner.WithLogDir(flagLogDir))
		if flagRunOnce {
			return r.RunOnce(ctx)
		}

		// Claims from a previous crashed cluster would starve their
		// filesets forever.
		if err := env.repo.ClearAllRuntimeFlags(); err != nil {
			return err
		}
		go env.scheduler().Run(ctx)
		daemon.SdNotify(false, daemon.SdNotifyReady)
		r.Run(ctx)
		return nil

	case config.DefaultDutreeQueue:
		w := runner.NewDutreeWorker(env.repo, env.pools, env.dutreeQ)
		if flagRunOnce {
			return w.RunOnce(ctx)
		}
		daemon.SdNotify(false, daemon.SdNotifyReady)
		w.Run(ctx)
		return nil
	}
	return xerrors.Errorf("unknown queue %q", flagClusterQueue)
}
