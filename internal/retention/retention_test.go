package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/retention"
	"github.com/ossobv/planbd/internal/storage"
	"github.com/ossobv/planbd/internal/testutils"
)

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		in string

		want    retention.Policy
		wantErr bool
	}{
		"Standard policy":   {in: "16d,4w,12m,2y", want: retention.Policy{'d': 16, 'w': 4, 'm': 12, 'y': 2}},
		"Hourly only":       {in: "2h", want: retention.Policy{'h': 2}},
		"With spaces":       {in: " 1d, 1y ", want: retention.Policy{'d': 1, 'y': 1}},
		"Empty policy":      {in: "", want: retention.Policy{}},
		"Unknown unit":      {in: "3q", wantErr: true},
		"Zero count":        {in: "0d", wantErr: true},
		"Duplicate unit":    {in: "1d,2d", wantErr: true},
		"Missing count":     {in: "d", wantErr: true},
		"Garbage":           {in: "16d,nope", wantErr: true},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := retention.ParsePolicy(tc.in)
			if tc.wantErr {
				assert.Error(t, err, "expected a parse error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPolicyString(t *testing.T) {
	t.Parallel()
	pol, err := retention.ParsePolicy("2y,16d,4w")
	require.NoError(t, err)
	assert.Equal(t, "16d,4w,2y", pol.String(), "units render in fixed order")
}

func TestParseSnapshotTime(t *testing.T) {
	t.Parallel()
	tm, ok := retention.ParseSnapshotTime("planb-20200504T1700Z")
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 5, 4, 17, 0, 0, 0, time.UTC), tm)

	for _, name := range []string{"hello", "archive-20200504T1700Z", "planb-2020-05-04", "planb-20200504T1700"} {
		_, ok := retention.ParseSnapshotTime(name)
		assert.False(t, ok, "%q must not parse", name)
	}
}

func TestSnapshotName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "planb-20200504T1700Z",
		retention.SnapshotName(time.Date(2020, 5, 4, 17, 0, 12, 0, time.UTC)))
	assert.Equal(t, config.SnapshotPrefix, "planb-")
}

func TestSelect(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		snapshots []string
		policy    string

		wantDeleted []string
	}{
		"Hourly and yearly buckets": {
			snapshots: []string{
				"planb-20200502T1743Z", "planb-20200503T1801Z", "planb-20200504T1602Z",
				"hello", "planb-20200102T0912Z", "planb-20200504T1458Z",
				"planb-20200504T1655Z", "archive-20200504T1458Z", "planb-20200504T1700Z",
			},
			policy: "2h,1y",
			wantDeleted: []string{
				"planb-20200504T1655Z", "planb-20200503T1801Z", "planb-20200502T1743Z",
			},
		},
		"Empty policy retains last auto snapshot": {
			snapshots: []string{
				"archive-one", "archive-two", "planb-20200601T0000Z",
				"planb-20210101T0000Z", "archive-20210201T0000Z",
			},
			policy:      "",
			wantDeleted: []string{"planb-20200601T0000Z"},
		},
		"Weekly buckets": {
			snapshots: []string{
				"planb-20200612T0012Z", "planb-20200613T0011Z", "planb-20200614T0005Z",
				"planb-20200615T0009Z", "planb-20200616T0001Z", "planb-20200617T0002Z",
				"planb-20200618T0003Z", "planb-20200619T0008Z", "planb-20200620T0006Z",
				"planb-20200621T0004Z", "planb-20200622T0014Z",
			},
			policy: "4w",
			wantDeleted: []string{
				"planb-20200620T0006Z", "planb-20200619T0008Z", "planb-20200618T0003Z",
				"planb-20200617T0002Z", "planb-20200616T0001Z", "planb-20200615T0009Z",
				"planb-20200613T0011Z",
			},
		},
		"No snapshots":            {snapshots: nil, policy: "2h", wantDeleted: nil},
		"Single snapshot survives": {snapshots: []string{"planb-20200601T0000Z"}, policy: "", wantDeleted: nil},
		"Archives are never touched": {
			snapshots:   []string{"archive-a", "archive-b"},
			policy:      "",
			wantDeleted: nil,
		},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			pol, err := retention.ParsePolicy(tc.policy)
			require.NoError(t, err)

			deleted := retention.Select(tc.snapshots, pol)
			assert.Equal(t, tc.wantDeleted, deleted)

			// Pruning is idempotent: a second pass deletes nothing.
			var kept []string
			doomed := make(map[string]bool, len(deleted))
			for _, d := range deleted {
				doomed[d] = true
			}
			for _, s := range tc.snapshots {
				if !doomed[s] {
					kept = append(kept, s)
				}
			}
			assert.Empty(t, retention.Select(kept, pol), "second pass must be a no-op")
		})
	}
}

func TestApply(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	r, err := storage.NewRegistry(map[string]config.Pool{
		"scratch": {Alias: "scratch", Driver: "dummy", Root: dir},
	})
	require.NoError(t, err)
	p, err := r.Pool("scratch")
	require.NoError(t, err)

	ctx := context.Background()
	ds := p.Dataset("acme", "websrv")
	require.NoError(t, ds.EnsureExists(ctx))
	for _, name := range []string{
		"planb-20200504T1658Z", "planb-20200504T1659Z", "planb-20200504T1700Z", "keepme",
	} {
		_, err := ds.SnapshotCreate(ctx, name)
		require.NoError(t, err)
	}

	pol, err := retention.ParsePolicy("")
	require.NoError(t, err)

	deleted, err := retention.Apply(ctx, ds, pol)
	require.NoError(t, err)
	assert.Equal(t, []string{"planb-20200504T1659Z", "planb-20200504T1658Z"}, deleted)

	snaps, err := ds.SnapshotList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"planb-20200504T1700Z", "keepme"}, snaps)
}

func TestApplyMissingDatasetIsEmpty(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	r, err := storage.NewRegistry(map[string]config.Pool{
		"scratch": {Alias: "scratch", Driver: "dummy", Root: dir},
	})
	require.NoError(t, err)
	p, err := r.Pool("scratch")
	require.NoError(t, err)

	deleted, err := retention.Apply(context.Background(), p.Dataset("acme", "missing"), retention.Policy{'d': 1})
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
