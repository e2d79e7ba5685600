package report_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/report"
	"github.com/ossobv/planbd/internal/storage"
	"github.com/ossobv/planbd/internal/testutils"
)

type fixture struct {
	repo  *catalog.Repository
	pools *storage.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir, cleanup := testutils.TempDir(t)
	t.Cleanup(cleanup)

	repo, err := catalog.Open(filepath.Join(dir, "planb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	pools, err := storage.NewRegistry(map[string]config.Pool{
		"pool1": {Alias: "pool1", Driver: "dummy", Root: filepath.Join(dir, "pool")},
	})
	require.NoError(t, err)
	return fixture{repo: repo, pools: pools}
}

func (fx fixture) seed(t *testing.T, group, name string, mutate func(*catalog.Fileset)) *catalog.Fileset {
	t.Helper()
	gs, err := fx.repo.ListGroups()
	require.NoError(t, err)
	var g catalog.HostGroup
	for _, have := range gs {
		if have.Name == group {
			g = have
		}
	}
	if g.ID == 0 {
		g = catalog.HostGroup{Name: group, NotifyEmail: "ops@example.com"}
		require.NoError(t, fx.repo.CreateGroup(&g))
	}

	f := catalog.Fileset{
		FriendlyName: name,
		HostGroupID:  g.ID,
		StorageAlias: "pool1",
		Enabled:      true,
		Transport:    &catalog.TransportConfig{Kind: catalog.TransportKindExec, Command: "true"},
	}
	if mutate != nil {
		mutate(&f)
	}
	require.NoError(t, fx.repo.CreateFileset(&f))
	loaded, err := fx.repo.FilesetByID(f.ID)
	require.NoError(t, err)
	return loaded
}

func TestBuildAndRender(t *testing.T) {
	fx := newFixture(t)
	lastOk := time.Now().Add(-2 * time.Hour)
	fx.seed(t, "acme", "websrv", func(f *catalog.Fileset) {
		f.LastOk = &lastOk
		f.AverageDuration = 90
		f.TotalSizeMB = 20480
	})
	fresh := fx.seed(t, "acme", "dbsrv", nil)
	fx.seed(t, "zeta", "mail", nil)

	// Give websrv a real dataset so disk use resolves; dbsrv has none.
	pool, err := fx.pools.Pool("pool1")
	require.NoError(t, err)
	require.NoError(t, pool.Dataset("acme", "websrv").EnsureExists(context.Background()))

	reports, err := report.Build(fx.repo, fx.pools)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "acme", reports[0].Group.Name)
	assert.Equal(t, "zeta", reports[1].Group.Name)

	acme := reports[0]
	require.Len(t, acme.Lines, 2)
	assert.Equal(t, "dbsrv", acme.Lines[0].Fileset.FriendlyName, "rows sort by friendly name")
	assert.EqualValues(t, -1, acme.Lines[0].DiskUseMB, "missing dataset is unknown, not an error")
	assert.Nil(t, acme.Lines[0].LastRun)
	assert.GreaterOrEqual(t, acme.Lines[1].DiskUseMB, int64(0))

	var out strings.Builder
	require.NoError(t, report.Render(&out, reports))
	text := out.String()
	assert.Contains(t, text, "[acme]")
	assert.Contains(t, text, "[zeta]")
	assert.Contains(t, text, "websrv")
	assert.Contains(t, text, "20.0 GB")
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "never", "fileset %q never ran", fresh.FriendlyName)
	assert.NotContains(t, text, "FAILING")
}

func TestRenderFailureNote(t *testing.T) {
	fx := newFixture(t)
	f := fx.seed(t, "acme", "websrv", nil)

	run, err := fx.repo.RecordRunStart(f.ID, catalog.RunAttributes{})
	require.NoError(t, err)
	require.NoError(t, fx.repo.RecordRunEnd(run.ID, catalog.RunOutcome{
		Success:   false,
		ErrorText: "transport exited with status 12\nsecond line",
	}))
	require.NoError(t, fx.repo.UpdateFilesetFailure(f.ID, time.Now()))

	reports, err := report.Build(fx.repo, fx.pools)
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, report.Render(&out, reports))
	assert.Contains(t, out.String(), "websrv FAILING since")
	assert.Contains(t, out.String(), ": transport exited with status 12")
	assert.NotContains(t, out.String(), "second line", "only the first error line appears")
}

func TestRenderEmail(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "acme", "websrv", nil)

	reports, err := report.Build(fx.repo, fx.pools)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	var out strings.Builder
	require.NoError(t, report.RenderEmail(&out, reports[0]))
	assert.True(t, strings.HasPrefix(out.String(), "To: ops@example.com\n"))
	assert.Contains(t, out.String(), "Subject: Backup report for acme\n")
	assert.Contains(t, out.String(), "[acme]")
}
