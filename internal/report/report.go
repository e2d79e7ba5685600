// Package report renders the per-group backup overview: every fileset
// with its last result, average duration, transported size and the disk
// the snapshots occupy.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/storage"
)

// Line is one fileset row.
type Line struct {
	Fileset catalog.Fileset
	LastRun *catalog.BackupRun

	// DiskUseMB is the dataset size including snapshots, or -1 when the
	// dataset does not exist (yet) or the pool is unreachable.
	DiskUseMB int64
}

// GroupReport is the report of one host group.
type GroupReport struct {
	Group catalog.HostGroup
	Lines []Line

	TotalDiskUseMB int64
}

// Build assembles the report for every group, in group name order.
// Filesets without a dataset report unknown disk use instead of failing
// the whole report.
func Build(repo *catalog.Repository, pools *storage.Registry) ([]GroupReport, error) {
	groups, err := repo.ListGroups()
	if err != nil {
		return nil, err
	}
	filesets, err := repo.ListFilesets()
	if err != nil {
		return nil, err
	}

	byGroup := make(map[int64][]catalog.Fileset, len(groups))
	for _, f := range filesets {
		byGroup[f.HostGroupID] = append(byGroup[f.HostGroupID], f)
	}

	reports := make([]GroupReport, 0, len(groups))
	for _, g := range groups {
		gr := GroupReport{Group: g}
		for _, f := range byGroup[g.ID] {
			lastRun, err := repo.LastRun(f.ID)
			if err != nil {
				return nil, err
			}
			line := Line{Fileset: f, LastRun: lastRun, DiskUseMB: diskUseMB(pools, f)}
			if line.DiskUseMB > 0 {
				gr.TotalDiskUseMB += line.DiskUseMB
			}
			gr.Lines = append(gr.Lines, line)
		}
		reports = append(reports, gr)
	}
	return reports, nil
}

func diskUseMB(pools *storage.Registry, f catalog.Fileset) int64 {
	pool, err := pools.Pool(f.StorageAlias)
	if err != nil {
		return -1
	}
	size, err := pool.Dataset(f.HostGroup.Name, f.FriendlyName).UsedSize()
	if err != nil {
		return -1
	}
	return size / (1 << 20)
}

// Render writes the plain-text report for every group.
func Render(w io.Writer, reports []GroupReport) error {
	for i, gr := range reports {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return xerrors.Errorf("cannot write report: %v", err)
			}
		}
		if err := renderGroup(w, gr); err != nil {
			return err
		}
	}
	return nil
}

// RenderEmail writes one group's report as a mail-shaped message with
// headers, addressed to the group's notification address.
func RenderEmail(w io.Writer, gr GroupReport) error {
	to := gr.Group.NotifyEmail
	if to == "" {
		to = "root"
	}
	_, err := fmt.Fprintf(w, "To: %s\nSubject: Backup report for %s\n\n", to, gr.Group.Name)
	if err != nil {
		return xerrors.Errorf("cannot write report: %v", err)
	}
	return renderGroup(w, gr)
}

func renderGroup(w io.Writer, gr GroupReport) error {
	if _, err := fmt.Fprintf(w, "[%s]\n", gr.Group.Name); err != nil {
		return xerrors.Errorf("cannot write report: %v", err)
	}

	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "FILESET\tENABLED\tLAST OK\tAVERAGE\tSIZE\tDISK USE")
	for _, line := range gr.Lines {
		f := line.Fileset
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.FriendlyName,
			yesNo(f.Enabled),
			formatTime(f.LastOk),
			formatDuration(f.AverageDuration),
			formatMB(f.TotalSizeMB),
			formatMB(line.DiskUseMB))
	}
	if err := tw.Flush(); err != nil {
		return xerrors.Errorf("cannot write report: %v", err)
	}

	for _, line := range gr.Lines {
		if note := failureNote(line); note != "" {
			if _, err := fmt.Fprintln(w, note); err != nil {
				return xerrors.Errorf("cannot write report: %v", err)
			}
		}
	}

	_, err := fmt.Fprintf(w, "group total: %s disk use over %d filesets\n",
		formatMB(gr.TotalDiskUseMB), len(gr.Lines))
	if err != nil {
		return xerrors.Errorf("cannot write report: %v", err)
	}
	return nil
}

// failureNote lines appear below the table for filesets in a failure
// streak, with the first line of the last recorded error.
func failureNote(line Line) string {
	f := line.Fileset
	if f.FirstFail == nil {
		return ""
	}
	note := fmt.Sprintf("  %s FAILING since %s", f.FriendlyName, formatTime(f.FirstFail))
	if line.LastRun != nil && line.LastRun.ErrorText != "" {
		firstLine := line.LastRun.ErrorText
		if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
			firstLine = firstLine[:i]
		}
		note += ": " + firstLine
	}
	return note
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatDuration(seconds int64) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func formatMB(mb int64) string {
	switch {
	case mb < 0:
		return "-"
	case mb < 10240:
		return fmt.Sprintf("%d MB", mb)
	default:
		return fmt.Sprintf("%.1f GB", float64(mb)/1024)
	}
}
