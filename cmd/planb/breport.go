package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/report"
)

var (
	breportCmd = &cobra.Command{
		Use:   "breport",
		Short: "Render the per-group backup report",
		Args:  cobra.NoArgs,
		Run:   func(cmd *cobra.Command, args []string) { cmdErr = breport() },
	}

	flagReportOutput string
)

func init() {
	rootCmd.AddCommand(breportCmd)
	breportCmd.Flags().StringVar(&flagReportOutput, "output", "stdout", "report format: stdout or email")
}

func breport() error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	reports, err := report.Build(env.repo, env.pools)
	if err != nil {
		return err
	}

	switch flagReportOutput {
	case "stdout":
		return report.Render(os.Stdout, reports)
	case "email":
		for i, gr := range reports {
			if i > 0 {
				fmt.Println()
			}
			if err := report.RenderEmail(os.Stdout, gr); err != nil {
				return err
			}
		}
		return nil
	}
	return xerrors.Errorf("unknown output %q: want stdout or email", flagReportOutput)
}
