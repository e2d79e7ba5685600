package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var bcloneCmd = &cobra.Command{
	Use:   "bclone FILESET_ID NEW_NAME NEW_HOST",
	Short: "Clone a fileset configuration and enqueue the copy",
	Args:  cobra.ExactArgs(3),
	Run:   func(cmd *cobra.Command, args []string) { cmdErr = bclone(args) },
}

func init() {
	rootCmd.AddCommand(bcloneCmd)
}

func bclone(args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return xerrors.Errorf("invalid fileset id %q", args[0])
	}

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	clone, err := env.repo.CloneFileset(id, args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Printf("cloned fileset %d into %d (%s)\n", id, clone.ID, clone.StorageName())

	return env.scheduler().TriggerFileset(context.Background(), clone.ID, "")
}
