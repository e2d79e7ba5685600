package scheduler_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/scheduler"
	"github.com/ossobv/planbd/internal/testutils"
)

func TestParseBlacklistHours(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		spec string

		want    []int
		wantErr bool
	}{
		"Empty spec":            {spec: "", want: nil},
		"Single hour":           {spec: "22", want: []int{22}},
		"Range":                 {spec: "9-17", want: []int{9, 10, 11, 12, 13, 14, 15, 16, 17}},
		"Range plus hour":       {spec: "9-11,22", want: []int{9, 10, 11, 22}},
		"Spaces tolerated":      {spec: " 9 - 11 , 22 ", want: []int{9, 10, 11, 22}},
		"Hour out of range":     {spec: "24", wantErr: true},
		"Reversed range":        {spec: "17-9", wantErr: true},
		"Garbage":               {spec: "nine-five", wantErr: true},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			hours, err := scheduler.ParseBlacklistHours(tc.spec)
			if tc.wantErr {
				assert.Error(t, err, "expected a parse error")
				return
			}
			require.NoError(t, err)
			var got []int
			for h := 0; h < 24; h++ {
				if hours[h] {
					got = append(got, h)
				}
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInBlacklistHoursPrecedence(t *testing.T) {
	// 10:42 local time.
	now := time.Date(2020, 5, 20, 10, 42, 0, 0, time.Local)

	// The fileset spec wins even though the group spec would allow 10:42.
	in, err := scheduler.InBlacklistHours(now, "9-17", "11-14", "8-18")
	require.NoError(t, err)
	assert.True(t, in, "fileset spec covers hour 10")

	in, err = scheduler.InBlacklistHours(now, "", "11-14", "8-18")
	require.NoError(t, err)
	assert.False(t, in, "group spec does not cover hour 10")

	in, err = scheduler.InBlacklistHours(now, "", "", "8-18")
	require.NoError(t, err)
	assert.True(t, in, "global spec covers hour 10")

	in, err = scheduler.InBlacklistHours(now, "", "", "")
	require.NoError(t, err)
	assert.False(t, in, "no spec means never blacklisted")
}

func timePtr(t time.Time) *time.Time { return &t }

func TestShouldBackup(t *testing.T) {
	t.Parallel()
	// All times local to keep calendar-day comparisons stable.
	now := time.Date(2020, 5, 20, 0, 0, 0, 0, time.Local)
	evening := time.Date(2020, 5, 20, 23, 0, 0, 0, time.Local)

	tests := map[string]struct {
		fileset catalog.Fileset
		now     time.Time

		want bool
	}{
		"Never ran": {
			fileset: catalog.Fileset{Enabled: true},
			want:    true,
		},
		"Disabled": {
			fileset: catalog.Fileset{Enabled: false},
			want:    false,
		},
		"Failing streak always due": {
			fileset: catalog.Fileset{
				Enabled:   true,
				LastOk:    timePtr(now.Add(-2 * time.Hour)),
				FirstFail: timePtr(now.Add(-time.Hour)),
			},
			want: true,
		},
		"Recent success yesterday": {
			// Five hours ago but on the previous local day: due again.
			fileset: catalog.Fileset{
				Enabled: true,
				LastOk:  timePtr(time.Date(2020, 5, 19, 19, 0, 0, 0, time.Local)),
			},
			want: true,
		},
		"Success earlier today": {
			fileset: catalog.Fileset{
				Enabled: true,
				LastOk:  timePtr(now.Add(-30 * time.Minute)),
			},
			want: false,
		},
		"Slow backup stretches the cadence": {
			// Nine hours ago on the same day, and the 20h average would
			// push the next natural slot past 24h: due now.
			fileset: catalog.Fileset{
				Enabled:         true,
				LastOk:          timePtr(evening.Add(-9 * time.Hour)),
				AverageDuration: int64((20 * time.Hour).Seconds()),
			},
			now:  evening,
			want: true,
		},
		"Fast backup earlier today": {
			fileset: catalog.Fileset{
				Enabled:         true,
				LastOk:          timePtr(evening.Add(-9 * time.Hour)),
				AverageDuration: 60,
			},
			now:  evening,
			want: false,
		},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			checkTime := tc.now
			if checkTime.IsZero() {
				checkTime = now
			}
			assert.Equal(t, tc.want, scheduler.ShouldBackup(&tc.fileset, checkTime))
		})
	}
}

func TestDoNotRunActive(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	active, err := scheduler.DoNotRunActive(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, active, "missing directory means no delay")

	active, err = scheduler.DoNotRunActive(dir)
	require.NoError(t, err)
	assert.False(t, active, "empty directory means no delay")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".keep"), nil, 0o600))
	active, err = scheduler.DoNotRunActive(dir)
	require.NoError(t, err)
	assert.False(t, active, "dot files do not count")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "maintenance"), nil, 0o600))
	active, err = scheduler.DoNotRunActive(dir)
	require.NoError(t, err)
	assert.True(t, active)
}

type fixture struct {
	repo *catalog.Repository
	q    *catalog.Queue
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir, cleanup := testutils.TempDir(t)
	t.Cleanup(cleanup)

	repo, err := catalog.Open(filepath.Join(dir, "planb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, catalog.SetupQueues(context.Background(), repo.SQLDB()))

	return fixture{repo: repo, q: catalog.NewQueue(repo.SQLDB(), "planb-backup", 5*time.Minute)}
}

func (fx fixture) seed(t *testing.T, name string, enabled bool) *catalog.Fileset {
	t.Helper()
	gs, err := fx.repo.ListGroups()
	require.NoError(t, err)
	var g catalog.HostGroup
	for _, have := range gs {
		if have.Name == "acme" {
			g = have
		}
	}
	if g.ID == 0 {
		g = catalog.HostGroup{Name: "acme"}
		require.NoError(t, fx.repo.CreateGroup(&g))
	}

	f := catalog.Fileset{
		FriendlyName: name,
		HostGroupID:  g.ID,
		StorageAlias: "pool1",
		Enabled:      enabled,
		Transport: &catalog.TransportConfig{
			Kind: catalog.TransportKindExec, Command: "true",
		},
	}
	require.NoError(t, fx.repo.CreateFileset(&f))
	return &f
}

func (fx fixture) receiveJob(t *testing.T) (catalog.BackupJob, bool) {
	t.Helper()
	var job catalog.BackupJob
	id, ok, err := fx.q.Receive(context.Background(), &job)
	require.NoError(t, err)
	if ok {
		require.NoError(t, fx.q.Done(context.Background(), id))
	}
	return job, ok
}

func TestTickEnqueuesDueFilesets(t *testing.T) {
	fx := newFixture(t)
	due := fx.seed(t, "due", true)
	fx.seed(t, "disabled", false)

	s := scheduler.New(fx.repo, fx.q,
		WithSafeClock(),
		scheduler.WithDoNotRunDir("/nonexistent/do-not-run.d"))
	s.Tick(context.Background())

	job, ok := fx.receiveJob(t)
	require.True(t, ok, "one job should be enqueued")
	assert.Equal(t, due.ID, job.FilesetID)
	assert.Empty(t, job.SnapshotName)

	_, ok = fx.receiveJob(t)
	assert.False(t, ok, "disabled fileset stays out of the queue")

	claimed, err := fx.repo.FilesetByID(due.ID)
	require.NoError(t, err)
	assert.True(t, claimed.IsQueued, "enqueued fileset stays claimed")
}

// WithSafeClock pins the tick outside any local blacklist ambiguity.
func WithSafeClock() scheduler.Option {
	return scheduler.WithClock(func() time.Time {
		return time.Date(2020, 5, 20, 3, 0, 0, 0, time.Local)
	})
}

func TestTickSkipsRecentSuccess(t *testing.T) {
	fx := newFixture(t)
	f := fx.seed(t, "fresh", true)
	tick := time.Date(2020, 5, 20, 3, 0, 0, 0, time.Local)
	require.NoError(t, fx.repo.UpdateFilesetSuccessMetrics(f.ID, tick.Add(-time.Hour), time.Minute, 100))

	s := scheduler.New(fx.repo, fx.q,
		scheduler.WithClock(func() time.Time { return tick }),
		scheduler.WithDoNotRunDir("/nonexistent/do-not-run.d"))
	s.Tick(context.Background())

	_, ok := fx.receiveJob(t)
	assert.False(t, ok, "recent success should not requeue")

	released, err := fx.repo.FilesetByID(f.ID)
	require.NoError(t, err)
	assert.False(t, released.IsQueued, "skipped fileset gets released")
}

func TestTickFailureBackoff(t *testing.T) {
	fx := newFixture(t)
	f := fx.seed(t, "failing", true)
	tick := time.Date(2020, 5, 20, 3, 0, 0, 0, time.Local)
	require.NoError(t, fx.repo.UpdateFilesetFailure(f.ID, tick.Add(-10*time.Minute)))

	s := scheduler.New(fx.repo, fx.q,
		scheduler.WithClock(func() time.Time { return tick }),
		scheduler.WithDoNotRunDir("/nonexistent/do-not-run.d"))
	s.Tick(context.Background())

	_, ok := fx.receiveJob(t)
	assert.False(t, ok, "failure ten minutes ago is inside the back-off window")

	// An hour later the back-off has expired.
	s = scheduler.New(fx.repo, fx.q,
		scheduler.WithClock(func() time.Time { return tick.Add(time.Hour) }),
		scheduler.WithDoNotRunDir("/nonexistent/do-not-run.d"))
	s.Tick(context.Background())

	job, ok := fx.receiveJob(t)
	require.True(t, ok)
	assert.Equal(t, f.ID, job.FilesetID)
}

func TestTriggerFileset(t *testing.T) {
	fx := newFixture(t)
	f := fx.seed(t, "due", true)
	// Fresh success: the normal schedule would skip it.
	require.NoError(t, fx.repo.UpdateFilesetSuccessMetrics(f.ID, time.Now(), time.Minute, 100))

	s := scheduler.New(fx.repo, fx.q)
	require.NoError(t, s.TriggerFileset(context.Background(), f.ID, "pre-upgrade"))

	job, ok := fx.receiveJob(t)
	require.True(t, ok)
	assert.Equal(t, f.ID, job.FilesetID)
	assert.Equal(t, "pre-upgrade", job.SnapshotName)

	err := s.TriggerFileset(context.Background(), f.ID, "")
	assert.Error(t, err, "second trigger loses the claim")

	err = s.TriggerFileset(context.Background(), f.ID, "Invalid Name")
	assert.Error(t, err, "archive names are validated before claiming")
}

func TestQueueAll(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, "one", true)
	fx.seed(t, "two", false)
	fx.seed(t, "three", true)

	s := scheduler.New(fx.repo, fx.q)
	n, err := s.QueueAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "queue-all ignores the enabled flag")

	seen := 0
	for {
		_, ok := fx.receiveJob(t)
		if !ok {
			break
		}
		seen++
	}
	assert.Equal(t, 3, seen)
}
