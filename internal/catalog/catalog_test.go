package catalog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/testutils"
)

func openRepo(t *testing.T) *catalog.Repository {
	t.Helper()
	dir, cleanup := testutils.TempDir(t)
	t.Cleanup(cleanup)

	repo, err := catalog.Open(filepath.Join(dir, "planb.db"))
	require.NoError(t, err, "Open() should succeed on a fresh database")
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedFileset(t *testing.T, repo *catalog.Repository, group, name string) *catalog.Fileset {
	t.Helper()
	g := catalog.HostGroup{Name: group}
	if err := repo.CreateGroup(&g); err != nil {
		// Reuse an existing group of the same name.
		gs, lerr := repo.ListGroups()
		require.NoError(t, lerr)
		for _, have := range gs {
			if have.Name == group {
				g = have
			}
		}
		require.NotZero(t, g.ID, "group %q should exist", group)
	}

	f := catalog.Fileset{
		FriendlyName: name,
		HostGroupID:  g.ID,
		StorageAlias: "pool1",
		Enabled:      true,
		Retention:    "16d,4w",
		Transport: &catalog.TransportConfig{
			Kind: catalog.TransportKindRsync,
			Host: name + ".example.com", User: "remotebackup", SrcDir: "/",
		},
	}
	require.NoError(t, repo.CreateFileset(&f))
	loaded, err := repo.FilesetByID(f.ID)
	require.NoError(t, err)
	return loaded
}

func TestStorageNameDerivation(t *testing.T) {
	repo := openRepo(t)
	f := seedFileset(t, repo, "acme", "websrv")
	assert.Equal(t, "acme-websrv", f.StorageName())
}

func TestClaimSingleFlight(t *testing.T) {
	repo := openRepo(t)
	f := seedFileset(t, repo, "acme", "websrv")

	ok, err := repo.Claim(f.ID)
	require.NoError(t, err)
	assert.True(t, ok, "first claim should win")

	ok, err = repo.Claim(f.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second claim should lose while queued")

	require.NoError(t, repo.ReleaseQueue(f.ID))
	ok, err = repo.Claim(f.ID)
	require.NoError(t, err)
	assert.True(t, ok, "claim should win again after release")

	require.NoError(t, repo.MarkRunning(f.ID))
	require.NoError(t, repo.ClearRuntimeFlags(f.ID))
	ok, err = repo.Claim(f.ID)
	require.NoError(t, err)
	assert.True(t, ok, "claim should win again after clearing runtime flags")
}

func TestListCandidatesOrder(t *testing.T) {
	repo := openRepo(t)
	older := seedFileset(t, repo, "acme", "older")
	newer := seedFileset(t, repo, "acme", "newer")
	never := seedFileset(t, repo, "acme", "never")
	disabled := seedFileset(t, repo, "acme", "disabled")

	require.NoError(t, repo.UpdateFilesetFailure(older.ID, time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, repo.UpdateFilesetFailure(newer.ID, time.Date(2020, 5, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, repo.SetEnabled(disabled.ID, false))

	candidates, err := repo.ListCandidates()
	require.NoError(t, err)

	var names []string
	for _, f := range candidates {
		names = append(names, f.FriendlyName)
	}
	assert.Equal(t, []string{never.FriendlyName, older.FriendlyName, newer.FriendlyName}, names,
		"never-run first, then oldest last_run; disabled excluded")
}

func TestRunRecordLifecycle(t *testing.T) {
	repo := openRepo(t)
	f := seedFileset(t, repo, "acme", "websrv")

	run, err := repo.RecordRunStart(f.ID, catalog.RunAttributes{
		Snapshot:              "planb-20200504T1700Z",
		DoSnapshotSizeListing: true,
	})
	require.NoError(t, err)
	assert.False(t, run.Success, "runs start unfinished")

	attrs, err := run.DecodeAttributes()
	require.NoError(t, err)
	assert.Equal(t, "planb-20200504T1700Z", attrs.Snapshot)
	assert.True(t, attrs.DoSnapshotSizeListing)

	require.NoError(t, repo.RecordRunEnd(run.ID, catalog.RunOutcome{
		Success:     true,
		Duration:    90 * time.Second,
		TotalSizeMB: 1024,
	}))

	finalized, err := repo.RunByID(run.ID)
	require.NoError(t, err)
	assert.True(t, finalized.Success)
	assert.EqualValues(t, 90, finalized.DurationSeconds)
	assert.EqualValues(t, 1024, finalized.TotalSizeMB)

	// Post-processing updates.
	require.NoError(t, repo.AttachSizeListing(run.ID, 512, "srv: 1234\nvar: 99\n"))
	require.NoError(t, repo.AppendRunError(run.ID, "dutree: scan interrupted"))
	require.NoError(t, repo.AppendRunError(run.ID, "dutree: retry failed"))

	finalized, err = repo.RunByID(run.ID)
	require.NoError(t, err)
	assert.True(t, finalized.Success, "post-processing never flips success")
	assert.EqualValues(t, 512, finalized.SnapshotSizeMB)
	assert.Equal(t, "srv: 1234\nvar: 99\n", finalized.SnapshotSizeListing)
	assert.Equal(t, "dutree: scan interrupted\ndutree: retry failed", finalized.ErrorText)
}

func TestFilesetFailureMetrics(t *testing.T) {
	repo := openRepo(t)
	f := seedFileset(t, repo, "acme", "websrv")

	first := time.Date(2020, 5, 4, 17, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	require.NoError(t, repo.UpdateFilesetFailure(f.ID, first))
	require.NoError(t, repo.UpdateFilesetFailure(f.ID, second))

	f2, err := repo.FilesetByID(f.ID)
	require.NoError(t, err)
	require.NotNil(t, f2.FirstFail)
	assert.True(t, f2.FirstFail.Equal(first), "first_fail keeps pointing at the streak start")
	require.NotNil(t, f2.LastRun)
	assert.True(t, f2.LastRun.Equal(second))
	assert.Nil(t, f2.LastOk)

	// A success clears the streak.
	ok := second.Add(time.Hour)
	require.NoError(t, repo.UpdateFilesetSuccessMetrics(f.ID, ok, 90*time.Second, 2048))
	f3, err := repo.FilesetByID(f.ID)
	require.NoError(t, err)
	assert.Nil(t, f3.FirstFail)
	require.NotNil(t, f3.LastOk)
	assert.True(t, f3.LastOk.Equal(ok))
	assert.EqualValues(t, 90, f3.AverageDuration)
	assert.EqualValues(t, 2048, f3.TotalSizeMB)
}

func TestListRecentDurations(t *testing.T) {
	repo := openRepo(t)
	f := seedFileset(t, repo, "acme", "websrv")

	for i := 0; i < 12; i++ {
		run, err := repo.RecordRunStart(f.ID, catalog.RunAttributes{})
		require.NoError(t, err)
		outcome := catalog.RunOutcome{Success: true, Duration: time.Duration(i+1) * time.Minute}
		if i == 5 {
			outcome.Success = false
		}
		require.NoError(t, repo.RecordRunEnd(run.ID, outcome))
	}

	durations, err := repo.ListRecentDurations(f.ID, 10)
	require.NoError(t, err)
	require.Len(t, durations, 10, "one failure out of twelve leaves eleven, capped at ten")
	assert.Equal(t, 12*time.Minute, durations[0], "newest first")
	assert.NotContains(t, durations, 6*time.Minute, "failed runs do not count")
}

func TestCloneFileset(t *testing.T) {
	repo := openRepo(t)
	f := seedFileset(t, repo, "acme", "websrv")
	now := time.Now()
	require.NoError(t, repo.UpdateFilesetSuccessMetrics(f.ID, now, time.Minute, 4096))

	clone, err := repo.CloneFileset(f.ID, "websrv2", "websrv2.example.com")
	require.NoError(t, err)

	loaded, err := repo.FilesetByID(clone.ID)
	require.NoError(t, err)
	assert.Equal(t, "websrv2", loaded.FriendlyName)
	assert.Equal(t, "pool1", loaded.StorageAlias)
	assert.Equal(t, "websrv2.example.com", loaded.Transport.Host)
	assert.Nil(t, loaded.LastOk, "runtime state resets on clone")
	assert.Zero(t, loaded.TotalSizeMB)
	assert.False(t, loaded.IsQueued)
}

func TestListFilesetsMatching(t *testing.T) {
	repo := openRepo(t)
	seedFileset(t, repo, "acme", "websrv")
	seedFileset(t, repo, "acme", "dbsrv")
	seedFileset(t, repo, "umbrella", "websrv")

	matched, err := repo.ListFilesetsMatching("acme", "web*")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "websrv", matched[0].FriendlyName)
	assert.Equal(t, "acme", matched[0].HostGroup.Name)

	matched, err = repo.ListFilesetsMatching("", "websrv")
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	_, err = repo.ListFilesetsMatching("[", "")
	assert.Error(t, err, "invalid glob should be reported")
}

func TestQueueRoundTrip(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	require.NoError(t, catalog.SetupQueues(ctx, repo.SQLDB()))
	require.NoError(t, catalog.SetupQueues(ctx, repo.SQLDB()), "setup is idempotent")

	q := catalog.NewQueue(repo.SQLDB(), "planb-backup", 5*time.Minute)

	require.NoError(t, q.Send(ctx, catalog.BackupJob{FilesetID: 42, SnapshotName: "monthly-final"}))

	var job catalog.BackupJob
	id, ok, err := q.Receive(ctx, &job)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, job.FilesetID)
	assert.Equal(t, "monthly-final", job.SnapshotName)
	require.NoError(t, q.Done(ctx, id))

	_, ok, err = q.Receive(ctx, &job)
	require.NoError(t, err)
	assert.False(t, ok, "queue should be empty after ack")
}

func TestQueueFlush(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	require.NoError(t, catalog.SetupQueues(ctx, repo.SQLDB()))

	q := catalog.NewQueue(repo.SQLDB(), "planb-backup", 5*time.Minute)
	other := catalog.NewQueue(repo.SQLDB(), "planb-dutree", 5*time.Minute)

	require.NoError(t, q.Send(ctx, catalog.BackupJob{FilesetID: 1}))
	require.NoError(t, q.Send(ctx, catalog.BackupJob{FilesetID: 2}))
	require.NoError(t, other.Send(ctx, catalog.DutreeJob{RunID: 3}))

	require.NoError(t, q.Flush(ctx))

	var job catalog.BackupJob
	_, ok, err := q.Receive(ctx, &job)
	require.NoError(t, err)
	assert.False(t, ok, "flushed queue should be empty")

	var dutree catalog.DutreeJob
	_, ok, err = other.Receive(ctx, &dutree)
	require.NoError(t, err)
	assert.True(t, ok, "flush is per queue")
}
