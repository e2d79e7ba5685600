package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/config"
)

var (
	bqueueallCmd = &cobra.Command{
		Use:   "bqueueall",
		Short: "Enqueue every fileset for immediate backup",
		Args:  cobra.NoArgs,
		Run:   func(cmd *cobra.Command, args []string) { cmdErr = bqueueall() },
	}

	bqueueflushCmd = &cobra.Command{
		Use:   "bqueueflush",
		Short: "Purge queued jobs and reset the queued/running flags",
		Args:  cobra.NoArgs,
		Run:   func(cmd *cobra.Command, args []string) { cmdErr = bqueueflush() },
	}

	flagFlushQueue string
)

func init() {
	rootCmd.AddCommand(bqueueallCmd)
	rootCmd.AddCommand(bqueueflushCmd)
	bqueueflushCmd.Flags().StringVar(&flagFlushQueue, "queue", "", "flush only the named queue")
}

func bqueueall() error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	n, err := env.scheduler().QueueAll(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %d fileset(s)\n", n)
	return nil
}

func bqueueflush() error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	queues := map[string]*catalog.Queue{
		config.DefaultBackupQueue: env.backupQ,
		config.DefaultDutreeQueue: env.dutreeQ,
	}
	if flagFlushQueue != "" {
		q, ok := queues[flagFlushQueue]
		if !ok {
			return xerrors.Errorf("unknown queue %q", flagFlushQueue)
		}
		queues = map[string]*catalog.Queue{flagFlushQueue: q}
	}

	ctx := context.Background()
	for name, q := range queues {
		if err := q.Flush(ctx); err != nil {
			return err
		}
		fmt.Printf("flushed queue %s\n", name)
	}
	// A flushed backup job leaves its claim behind; drop those too.
	return env.repo.ClearAllRuntimeFlags()
}
