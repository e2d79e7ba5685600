package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ossobv/planbd/internal/catalog"
)

var (
	blistCmd = &cobra.Command{
		Use:   "blist",
		Short: "List filesets and their state",
		Args:  cobra.NoArgs,
		Run:   func(cmd *cobra.Command, args []string) { cmdErr = blist() },
	}

	flagZabbix  bool
	flagSummary bool
	flagDouble  bool
)

func init() {
	rootCmd.AddCommand(blistCmd)
	blistCmd.Flags().BoolVar(&flagZabbix, "zabbix", false, "emit Zabbix low-level-discovery JSON")
	blistCmd.Flags().BoolVar(&flagSummary, "summary", false, "one compact state line per fileset")
	blistCmd.Flags().BoolVar(&flagDouble, "double", false, "warn (exit 2) about names enabled in more than one group")
}

func blist() error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	filesets, err := env.repo.ListFilesets()
	if err != nil {
		return err
	}

	switch {
	case flagZabbix:
		return blistZabbix(filesets)
	case flagDouble:
		return blistDouble(filesets)
	case flagSummary:
		return blistSummary(filesets)
	}
	return blistTable(filesets)
}

// blistZabbix prints the low-level-discovery document monitoring feeds
// on.
func blistZabbix(filesets []catalog.Fileset) error {
	type item struct {
		Name string `json:"{#BKNAME}"`
		ID   int64  `json:"{#BKID}"`
	}
	doc := struct {
		Data []item `json:"data"`
	}{Data: []item{}}
	for _, f := range filesets {
		if !f.Enabled {
			continue
		}
		doc.Data = append(doc.Data, item{Name: f.StorageName(), ID: f.ID})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// blistDouble reports enabled friendly names that appear in more than
// one group, which makes monitoring by name ambiguous.
func blistDouble(filesets []catalog.Fileset) error {
	groupsByName := map[string][]string{}
	for _, f := range filesets {
		if f.Enabled {
			groupsByName[f.FriendlyName] = append(groupsByName[f.FriendlyName], f.HostGroup.Name)
		}
	}

	names := make([]string, 0, len(groupsByName))
	for name, groups := range groupsByName {
		if len(groups) > 1 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s: enabled in groups %s\n", name, strings.Join(groupsByName[name], ", "))
	}
	if len(names) > 0 {
		cmdWarn = true
	}
	return nil
}

func blistSummary(filesets []catalog.Fileset) error {
	for _, f := range filesets {
		fmt.Printf("%s %s %s\n", f.StorageName(), filesetState(&f), lastOkString(&f))
	}
	return nil
}

func blistTable(filesets []catalog.Fileset) error {
	tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILESET\tSTATE\tLAST OK\tSIZE MB")
	for _, f := range filesets {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n",
			f.ID, f.StorageName(), filesetState(&f), lastOkString(&f), f.TotalSizeMB)
	}
	return tw.Flush()
}

func filesetState(f *catalog.Fileset) string {
	switch {
	case !f.Enabled:
		return "disabled"
	case f.IsRunning:
		return "running"
	case f.IsQueued:
		return "queued"
	case f.FirstFail != nil:
		return "FAILING"
	default:
		return "ok"
	}
}

func lastOkString(f *catalog.Fileset) string {
	if f.LastOk == nil {
		return "never"
	}
	return f.LastOk.Local().Format(time.RFC3339)
}
