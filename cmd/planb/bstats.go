package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ossobv/planbd/internal/catalog"
)

var bstatsCmd = &cobra.Command{
	Use:   "bstats [GROUP_GLOB [FILESET_GLOB]]",
	Short: "Show past-year failure spans per fileset",
	Args:  cobra.MaximumNArgs(2),
	Run:   func(cmd *cobra.Command, args []string) { cmdErr = bstats(args) },
}

func init() {
	rootCmd.AddCommand(bstatsCmd)
}

// failureSpan is a streak of consecutive failed runs. An open span has
// no recovery yet.
type failureSpan struct {
	start  time.Time
	end    time.Time
	failed int
	open   bool
}

func bstats(args []string) error {
	var groupGlob, filesetGlob string
	if len(args) > 0 {
		groupGlob = args[0]
	}
	if len(args) > 1 {
		filesetGlob = args[1]
	}

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	filesets, err := env.repo.ListFilesetsMatching(groupGlob, filesetGlob)
	if err != nil {
		return err
	}

	since := time.Now().AddDate(-1, 0, 0)
	for _, f := range filesets {
		runs, err := env.repo.ListRunsSince(f.ID, since)
		if err != nil {
			return err
		}
		spans := failureSpans(runs)
		if len(spans) == 0 {
			fmt.Printf("%s: no failures\n", f.StorageName())
			continue
		}
		for _, span := range spans {
			end := span.end.Local().Format("2006-01-02")
			if span.open {
				end = "ongoing"
			}
			fmt.Printf("%s: %s .. %s (%d failed run(s))\n",
				f.StorageName(), span.start.Local().Format("2006-01-02"), end, span.failed)
		}
	}
	return nil
}

// failureSpans folds a chronological run list into failure streaks,
// closed by the first success after them.
func failureSpans(runs []catalog.BackupRun) []failureSpan {
	var spans []failureSpan
	var current *failureSpan
	for _, run := range runs {
		if run.Success {
			if current != nil {
				current.end = run.Started
				spans = append(spans, *current)
				current = nil
			}
			continue
		}
		if current == nil {
			current = &failureSpan{start: run.Started}
		}
		current.failed++
	}
	if current != nil {
		current.open = true
		spans = append(spans, *current)
	}
	return spans
}
