package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/objsync"
)

const defaultConfigPath = "/etc/planb/objsync.conf"

var (
	cmdErr        error
	cmdExit       int
	flagVerbosity int
	flagConfig    string
	flagAll       bool
	flagTranslate string

	rootCmd = &cobra.Command{
		Use:   "planb-objsync SECTION [CONTAINER]",
		Short: "Mirror an object store into a local directory tree",
		Long: `Mirrors the containers of one configured object store section into the
 local base directory, downloading only what changed since the previous
 run. Interrupting a run keeps its work lists; the next run resumes.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.SetVerboseMode(flagVerbosity)
		},
		Args: cobra.RangeArgs(1, 2),
		Run:  func(cmd *cobra.Command, args []string) { cmdErr = run(args) },
		// We display usage error ourselves
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().CountVarP(&flagVerbosity, "verbose", "v", "issue INFO (-v) and DEBUG (-vv) output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath, "objsync configuration file")
	rootCmd.Flags().BoolVar(&flagAll, "all-containers", false, "sync every container the credentials can see")
	rootCmd.Flags().StringVar(&flagTranslate, "test-path-translate", "", "read paths from stdin and print their translation for this container")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.SetFormatter(&log.TextFormatter{
			DisableLevelTruncation: true,
			DisableTimestamp:       true,
		})
		log.Error(err)
		os.Exit(2)
	}
	if cmdErr != nil {
		log.Error(cmdErr)
		if cmdExit == 0 {
			cmdExit = 1
		}
	}
	os.Exit(cmdExit)
}

func run(args []string) error {
	cfg, err := objsync.LoadConfig(flagConfig, args[0])
	if err != nil {
		return err
	}

	if flagTranslate != "" {
		return testPathTranslate(cfg, flagTranslate)
	}

	var containers []string
	if len(args) > 1 {
		if flagAll {
			return xerrors.Errorf("cannot give both a container and --all-containers")
		}
		containers = []string{args[1]}
	}

	store, err := objsync.NewStore(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	abort := objsync.InstallAbort(ctx)
	stats, err := objsync.NewSyncer(cfg, store, abort).Run(ctx, containers, flagAll)
	cmdExit = stats.ExitCode()
	if xerrors.Is(err, objsync.ErrAborted) {
		log.Warning("sync interrupted, work lists kept for the next run")
		return nil
	}
	return err
}

// testPathTranslate exercises the configured translate rules: one path
// per stdin line, the local relative path on stdout.
func testPathTranslate(cfg *objsync.Config, container string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		path := scanner.Text()
		if path == "" {
			continue
		}
		fmt.Printf("%s -> %s\n", path, cfg.TranslatePath(container, path))
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Errorf("cannot read stdin: %v", err)
	}
	return nil
}
