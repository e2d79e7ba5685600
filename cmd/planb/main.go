package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ossobv/planbd/internal/config"
)

var (
	cmdErr        error
	cmdWarn       bool
	flagVerbosity int
	flagConfig    string

	rootCmd = &cobra.Command{
		Use:   "planb COMMAND",
		Short: "PlanB backup orchestrator",
		Long: `PlanB schedules and runs pull-style backups: filesets are fetched over
 a transport into copy-on-write datasets, snapshotted and pruned on a
 time-bucketed retention schedule. The planb tool inspects and controls
 the catalog, the queues and the worker clusters.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.SetVerboseMode(flagVerbosity)
		},
		Args: cobra.NoArgs,
		Run:  func(cmd *cobra.Command, args []string) { cmd.Help() },
		// We display usage error ourselves
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().CountVarP(&flagVerbosity, "verbose", "v", "issue INFO (-v) and DEBUG (-vv) output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.DefaultPath, "daemon configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// This is a usage Error (we don't use postfix E commands other than usage)
		// Usage error should be the same format than other errors
		log.SetFormatter(&log.TextFormatter{
			DisableLevelTruncation: true,
			DisableTimestamp:       true,
		})
		log.Error(err)
		os.Exit(2)
	}
	if cmdErr != nil {
		log.Error(cmdErr)
		os.Exit(1)
	}
	if cmdWarn {
		os.Exit(2)
	}
}
