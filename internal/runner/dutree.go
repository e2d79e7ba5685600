package runner

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/log"
	"github.com/ossobv/planbd/internal/storage"
)

// DutreeWorker drains the post-processing queue with a single worker:
// disk-use scans are I/O heavy and must not compete with each other.
type DutreeWorker struct {
	repo  *catalog.Repository
	pools *storage.Registry
	queue *catalog.Queue
}

// NewDutreeWorker builds the single post-processing consumer.
func NewDutreeWorker(repo *catalog.Repository, pools *storage.Registry, queue *catalog.Queue) *DutreeWorker {
	return &DutreeWorker{repo: repo, pools: pools, queue: queue}
}

// Run consumes the queue until ctx is done.
func (w *DutreeWorker) Run(ctx context.Context) {
	log.Infof(ctx, "dutree: starting single worker on %s", w.queue.Name())
	for {
		var job catalog.DutreeJob
		id, err := w.queue.ReceiveAndWait(ctx, time.Second, &job)
		if err != nil {
			if ctx.Err() != nil {
				log.Infof(context.Background(), "dutree: stopped")
				return
			}
			log.Errorf(ctx, "dutree: %v", err)
			continue
		}
		w.process(ctx, job)
		if err := w.queue.Done(ctx, id); err != nil {
			log.Errorf(ctx, "dutree: %v", err)
		}
	}
}

// RunOnce drains the queue and returns when it is empty.
func (w *DutreeWorker) RunOnce(ctx context.Context) error {
	for {
		var job catalog.DutreeJob
		id, ok, err := w.queue.Receive(ctx, &job)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		w.process(ctx, job)
		if err := w.queue.Done(ctx, id); err != nil {
			return err
		}
	}
}

// process attaches the snapshot size listing to the run. Failures append
// to the run's error text and never flip its success flag.
func (w *DutreeWorker) process(ctx context.Context, job catalog.DutreeJob) {
	if err := w.scan(ctx, job); err != nil {
		log.Errorf(ctx, "dutree: run %d: %v", job.RunID, err)
		if appErr := w.repo.AppendRunError(job.RunID, "dutree: "+err.Error()); appErr != nil {
			log.Errorf(ctx, "dutree: %v", appErr)
		}
	}
}

func (w *DutreeWorker) scan(ctx context.Context, job catalog.DutreeJob) error {
	run, err := w.repo.RunByID(job.RunID)
	if err != nil {
		return err
	}
	attrs, err := run.DecodeAttributes()
	if err != nil {
		return err
	}
	if attrs.Snapshot == "" {
		return xerrors.Errorf("run has no snapshot recorded")
	}

	f, err := w.repo.FilesetByID(job.FilesetID)
	if err != nil {
		return err
	}
	pool, err := w.pools.Pool(f.StorageAlias)
	if err != nil {
		return err
	}
	ds := pool.DatasetByName(f.StorageName())

	// The snapshot is only reachable while the dataset is mounted.
	release, err := ds.Workon(ctx)
	if err != nil {
		return err
	}
	defer release()

	sizes, total, err := DiskUsage(ds.SnapshotPath(attrs.Snapshot))
	if err != nil {
		return err
	}

	listing := FormatSizeListing(sizes)
	if err := w.repo.AttachSizeListing(job.RunID, total/(1024*1024), listing); err != nil {
		return err
	}
	log.Infof(ctx, "dutree: run %d: %d path(s), %d MB", job.RunID, len(sizes), total/(1024*1024))
	return nil
}

// DiskUsage walks root and aggregates file sizes per first-level entry.
// Files directly under root are charged to ".". Returns the per-path
// bytes and the grand total.
func DiskUsage(root string) (map[string]int64, int64, error) {
	sizes := make(map[string]int64)
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		top := "."
		if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
			top = rel[:i]
		}
		sizes[top] += info.Size()
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, xerrors.Errorf("cannot scan %q: %v", root, err)
	}
	return sizes, total, nil
}

// FormatSizeListing renders the aggregated sizes as sorted "path: digits"
// lines, safe to embed in the run record.
func FormatSizeListing(sizes map[string]int64) string {
	paths := make([]string, 0, len(sizes))
	for p := range sizes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(sizes[p], 10))
		b.WriteByte('\n')
	}
	return b.String()
}
