package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/ossobv/planbd/internal/catalog"
)

var (
	confexportCmd = &cobra.Command{
		Use:   "confexport [GROUP_GLOB [FILESET_GLOB]]",
		Short: "Dump the fileset configuration as JSON or YAML",
		Args:  cobra.MaximumNArgs(2),
		Run:   func(cmd *cobra.Command, args []string) { cmdErr = confexport(args) },
	}

	flagExportOutput  string
	flagExportMinimal bool
)

func init() {
	rootCmd.AddCommand(confexportCmd)
	confexportCmd.Flags().StringVar(&flagExportOutput, "output", "json", "export format: json or yaml")
	confexportCmd.Flags().BoolVar(&flagExportMinimal, "minimal", false, "omit ids and fields at their default value")
}

// The export types mirror the catalog configuration without its runtime
// state. Empty inherited values stay omitted so a dump can be diffed
// against a hand-written one.
type exportTransport struct {
	Kind string `json:"kind" yaml:"kind"`

	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	User       string `json:"user,omitempty" yaml:"user,omitempty"`
	SrcDir     string `json:"src_dir,omitempty" yaml:"src_dir,omitempty"`
	Includes   string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes   string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	Flags      string `json:"flags,omitempty" yaml:"flags,omitempty"`
	UseSudo    bool   `json:"use_sudo,omitempty" yaml:"use_sudo,omitempty"`
	UseIonice  bool   `json:"use_ionice,omitempty" yaml:"use_ionice,omitempty"`
	RsyncPath  string `json:"rsync_path,omitempty" yaml:"rsync_path,omitempty"`
	IonicePath string `json:"ionice_path,omitempty" yaml:"ionice_path,omitempty"`
	Transport  string `json:"transport,omitempty" yaml:"transport,omitempty"`

	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

type exportFileset struct {
	ID                    int64            `json:"id,omitempty" yaml:"id,omitempty"`
	Name                  string           `json:"name" yaml:"name"`
	Storage               string           `json:"storage" yaml:"storage"`
	Enabled               *bool            `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Notes                 string           `json:"notes,omitempty" yaml:"notes,omitempty"`
	BlacklistHours        string           `json:"blacklist_hours,omitempty" yaml:"blacklist_hours,omitempty"`
	Retention             string           `json:"retention,omitempty" yaml:"retention,omitempty"`
	UseDoNotRunD          bool             `json:"use_donotrund,omitempty" yaml:"use_donotrund,omitempty"`
	DoSnapshotSizeListing bool             `json:"do_snapshot_size_listing,omitempty" yaml:"do_snapshot_size_listing,omitempty"`
	Transport             *exportTransport `json:"transport,omitempty" yaml:"transport,omitempty"`
}

type exportGroup struct {
	Name           string          `json:"name" yaml:"name"`
	NotifyEmail    string          `json:"notify_email,omitempty" yaml:"notify_email,omitempty"`
	BlacklistHours string          `json:"blacklist_hours,omitempty" yaml:"blacklist_hours,omitempty"`
	Retention      string          `json:"retention,omitempty" yaml:"retention,omitempty"`
	Filesets       []exportFileset `json:"filesets" yaml:"filesets"`
}

func confexport(args []string) error {
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

	groups := buildExport(filesets, flagExportMinimal)
	switch flagExportOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	case "yaml":
		out, err := yaml.Marshal(groups)
		if err != nil {
			return xerrors.Errorf("cannot serialize configuration: %v", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	}
	return xerrors.Errorf("unknown output %q: want json or yaml", flagExportOutput)
}

// buildExport keeps the input order, which is group name then friendly
// name.
func buildExport(filesets []catalog.Fileset, minimal bool) []exportGroup {
	groups := []exportGroup{}
	for _, f := range filesets {
		if len(groups) == 0 || groups[len(groups)-1].Name != f.HostGroup.Name {
			g := f.HostGroup
			groups = append(groups, exportGroup{
				Name:           g.Name,
				NotifyEmail:    g.NotifyEmail,
				BlacklistHours: g.BlacklistHours,
				Retention:      g.Retention,
				Filesets:       []exportFileset{},
			})
		}

		ef := exportFileset{
			Name:                  f.FriendlyName,
			Storage:               f.StorageAlias,
			Notes:                 f.Notes,
			BlacklistHours:        f.BlacklistHours,
			Retention:             f.Retention,
			UseDoNotRunD:          f.UseDoNotRunD,
			DoSnapshotSizeListing: f.DoSnapshotSizeListing,
		}
		if !minimal {
			ef.ID = f.ID
		}
		if !minimal || !f.Enabled {
			enabled := f.Enabled
			ef.Enabled = &enabled
		}
		if f.Transport != nil {
			et := exportTransport{
				Kind:       f.Transport.Kind,
				Host:       f.Transport.Host,
				User:       f.Transport.User,
				SrcDir:     f.Transport.SrcDir,
				Includes:   f.Transport.Includes,
				Excludes:   f.Transport.Excludes,
				Flags:      f.Transport.Flags,
				UseSudo:    f.Transport.UseSudo,
				UseIonice:  f.Transport.UseIonice,
				RsyncPath:  f.Transport.RsyncPath,
				IonicePath: f.Transport.IonicePath,
				Transport:  f.Transport.Transport,
				Command:    f.Transport.Command,
			}
			ef.Transport = &et
		}
		g := &groups[len(groups)-1]
		g.Filesets = append(g.Filesets, ef)
	}
	return groups
}
