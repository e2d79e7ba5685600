package objsync_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossobv/planbd/internal/objsync"
	"github.com/ossobv/planbd/internal/testutils"
)

func mkRecord(container, path string, size int64) objsync.Record {
	return objsync.Record{
		Container: container,
		Path:      path,
		ModTime:   time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		Size:      size,
	}
}

func writeList(t *testing.T, name string, records ...objsync.Record) {
	t.Helper()
	require.NoError(t, objsync.WriteSortedList(name, records))
}

func readList(t *testing.T, name string) []objsync.Record {
	t.Helper()
	r, err := objsync.OpenList(name)
	require.NoError(t, err)
	defer r.Close()

	var records []objsync.Record
	for {
		rec, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			return records
		}
		records = append(records, rec)
	}
}

func TestListReaderMissingFileIsEmpty(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	assert.Empty(t, readList(t, filepath.Join(dir, "nope.cur")))
}

func TestListReaderRejectsUnsortedInput(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	name := filepath.Join(dir, "bad.cur")
	lines := mkRecord("c", "b", 1).Line() + "\n" + mkRecord("c", "a", 1).Line() + "\n"
	require.NoError(t, os.WriteFile(name, []byte(lines), 0o600))

	r, err := objsync.OpenList(name)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = r.Next()
	assert.ErrorContains(t, err, "not strictly ascending")
}

func TestListWriterRejectsOutOfOrder(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	w, err := objsync.CreateList(filepath.Join(dir, "out.new"))
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Write(mkRecord("c", "b", 1)))
	assert.Error(t, w.Write(mkRecord("c", "b", 1)), "duplicates are out of order")
	assert.Error(t, w.Write(mkRecord("c", "a", 1)))
}

func TestComm(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	oldTime := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	newTime := oldTime.Add(time.Hour)

	leftName := filepath.Join(dir, "left")
	rightName := filepath.Join(dir, "right")
	writeList(t, leftName,
		mkRecord("c", "both-same", 10),
		mkRecord("c", "left-only", 11),
		mkRecord("c", "size-diff", 12),
		objsync.Record{Container: "c", Path: "time-diff", ModTime: oldTime, Size: 13},
	)
	writeList(t, rightName,
		mkRecord("c", "both-same", 10),
		mkRecord("c", "right-only", 20),
		mkRecord("c", "size-diff", 99),
		objsync.Record{Container: "c", Path: "time-diff", ModTime: newTime, Size: 13},
	)

	left, err := objsync.OpenList(leftName)
	require.NoError(t, err)
	defer left.Close()
	right, err := objsync.OpenList(rightName)
	require.NoError(t, err)
	defer right.Close()

	var events []string
	record := func(kind string) func(objsync.Record) error {
		return func(rec objsync.Record) error {
			events = append(events, kind+":"+rec.Path)
			return nil
		}
	}
	require.NoError(t, objsync.Comm(left, right, objsync.CommEvents{
		LeftOnly:  record("del"),
		RightOnly: record("add"),
		Identical: record("same"),
		SizeDiff: func(l, r objsync.Record) error {
			events = append(events, "size:"+l.Path)
			return nil
		},
		TimeDiff: func(l, r objsync.Record) error {
			events = append(events, "time:"+r.Path)
			return nil
		},
	}))

	assert.Equal(t, []string{
		"same:both-same",
		"del:left-only",
		"add:right-only",
		"size:size-diff",
		"time:time-diff",
	}, events)
}

func TestMergeUnionAndSubtract(t *testing.T) {
	dir, cleanup := testutils.TempDir(t)
	defer cleanup()

	base := filepath.Join(dir, "cur")
	overlay := filepath.Join(dir, "ok")
	writeList(t, base,
		mkRecord("c", "a", 1),
		mkRecord("c", "b", 2),
		mkRecord("c", "c", 3),
	)
	writeList(t, overlay,
		mkRecord("c", "b", 99), // replaces
		mkRecord("c", "d", 4),  // adds
	)

	require.NoError(t, objsync.MergeUnion(base, overlay))
	merged := readList(t, base)
	require.Len(t, merged, 4)
	assert.Equal(t, "a", merged[0].Path)
	assert.EqualValues(t, 99, merged[1].Size, "overlay version wins")
	assert.Equal(t, "d", merged[3].Path)

	writeList(t, overlay, mkRecord("c", "a", 1), mkRecord("c", "d", 4))
	require.NoError(t, objsync.MergeSubtract(base, overlay))
	remaining := readList(t, base)
	require.Len(t, remaining, 2)
	assert.Equal(t, "b", remaining[0].Path)
	assert.Equal(t, "c", remaining[1].Path)
}
