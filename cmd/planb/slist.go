package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	slistCmd = &cobra.Command{
		Use:   "slist",
		Short: "List datasets found in the storage pools",
		Args:  cobra.NoArgs,
		Run:   func(cmd *cobra.Command, args []string) { cmdErr = slist() },
	}

	flagStale bool
)

func init() {
	rootCmd.AddCommand(slistCmd)
	slistCmd.Flags().BoolVar(&flagStale, "stale", false, "only datasets without a matching fileset")
}

func slist() error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	filesets, err := env.repo.ListFilesets()
	if err != nil {
		return err
	}
	// alias -> dataset name -> fileset id
	known := map[string]map[string]int64{}
	for _, f := range filesets {
		if known[f.StorageAlias] == nil {
			known[f.StorageAlias] = map[string]int64{}
		}
		known[f.StorageAlias][f.StorageName()] = f.ID
	}

	for _, alias := range env.pools.Aliases() {
		pool, err := env.pools.Pool(alias)
		if err != nil {
			return err
		}
		names, err := pool.ListDatasets()
		if err != nil {
			return err
		}
		for _, name := range names {
			if id, ok := known[alias][name]; ok {
				if !flagStale {
					fmt.Printf("%s %s fileset=%d\n", alias, name, id)
				}
				continue
			}
			fmt.Printf("%s %s STALE\n", alias, name)
		}
	}
	return nil
}
