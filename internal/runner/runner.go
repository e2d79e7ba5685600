/*

Package runner executes backup jobs: the per-fileset pipeline from
claimed to recorded, and the single-worker post-processing queue that
computes snapshot disk-use listings.

A run moves through mark-running, workon, transport, snapshot, retention
and metric recording. The workon release is the outermost teardown
guard; runtime flags clear on every exit path so the fileset can be
claimed again.

*/
package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
	"maragu.dev/goqite"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/log"
	"github.com/ossobv/planbd/internal/retention"
	"github.com/ossobv/planbd/internal/storage"
	"github.com/ossobv/planbd/internal/transport"
)

// keepAliveInterval paces queue deadline extension during long jobs.
const keepAliveInterval = 2 * time.Minute

// Runner drains a backup queue with a bounded worker pool.
type Runner struct {
	repo     *catalog.Repository
	pools    *storage.Registry
	queue    *catalog.Queue
	dutreeQ  *catalog.Queue
	workers  int
	notifier Notifier
	logDir   string
	now      func() time.Time
}

// Option tweaks a Runner at construction.
type Option func(*Runner)

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithNotifier replaces the log-only notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithLogDir enables per-fileset run log files under dir.
func WithLogDir(dir string) Option {
	return func(r *Runner) { r.logDir = dir }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New builds a runner consuming queue. dutreeQ receives post-processing
// jobs for successful runs that want a size listing; it may equal queue
// when one cluster serves both.
func New(repo *catalog.Repository, pools *storage.Registry, queue, dutreeQ *catalog.Queue, opts ...Option) *Runner {
	r := &Runner{
		repo:     repo,
		pools:    pools,
		queue:    queue,
		dutreeQ:  dutreeQ,
		workers:  config.DefaultBackupWorkers,
		notifier: LogNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the queue with the configured worker pool until ctx is
// done.
func (r *Runner) Run(ctx context.Context) {
	log.Infof(ctx, "runner: starting %d worker(s) on %s", r.workers, r.queue.Name())
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workLoop(ctx)
		}()
	}
	wg.Wait()
	log.Infof(context.Background(), "runner: stopped")
}

// RunOnce drains the queue and returns when it is empty. Used by
// one-shot worker invocations.
func (r *Runner) RunOnce(ctx context.Context) error {
	for {
		var job catalog.BackupJob
		id, ok, err := r.queue.Receive(ctx, &job)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		r.processMessage(ctx, job)
		if err := r.queue.Done(ctx, id); err != nil {
			return err
		}
	}
}

func (r *Runner) workLoop(ctx context.Context) {
	for {
		var job catalog.BackupJob
		id, err := r.queue.ReceiveAndWait(ctx, time.Second, &job)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf(ctx, "runner: %v", err)
			continue
		}

		// Keep the message invisible to other workers while the job runs;
		// transports routinely outlive the queue timeout.
		stopKeepAlive := r.keepAlive(ctx, id)
		r.processMessage(ctx, job)
		stopKeepAlive()

		if err := r.queue.Done(ctx, id); err != nil {
			log.Errorf(ctx, "runner: %v", err)
		}
	}
}

func (r *Runner) keepAlive(ctx context.Context, id goqite.ID) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Extend(ctx, id, 2*keepAliveInterval); err != nil {
					log.Warningf(ctx, "runner: %v", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *Runner) processMessage(ctx context.Context, job catalog.BackupJob) {
	if err := r.ProcessBackup(ctx, job); err != nil {
		log.Errorf(ctx, "runner: fileset %d: %v", job.FilesetID, err)
	}
}

// ProcessBackup runs the full pipeline for one claimed fileset. The
// returned error covers infrastructure problems only; a failing
// transport is recorded on the run, not returned.
func (r *Runner) ProcessBackup(ctx context.Context, job catalog.BackupJob) error {
	f, err := r.repo.FilesetByID(job.FilesetID)
	if err != nil {
		return err
	}
	guid := uuid.NewString()

	ctx, closeLog := r.runLogContext(ctx, f, guid)
	defer closeLog()

	if err := r.repo.MarkRunning(f.ID); err != nil {
		return err
	}
	cleared := false
	defer func() {
		if cleared {
			return
		}
		if err := r.repo.ClearRuntimeFlags(f.ID); err != nil {
			log.Errorf(ctx, "runner: %v", err)
		}
	}()

	start := r.now()
	snapshotName := job.SnapshotName
	if snapshotName == "" {
		snapshotName = retention.SnapshotName(start)
	}

	run, err := r.repo.RecordRunStart(f.ID, catalog.RunAttributes{
		Snapshot:              snapshotName,
		DoSnapshotSizeListing: f.DoSnapshotSizeListing,
	})
	if err != nil {
		return err
	}

	success := r.executeRun(ctx, f, run, snapshotName, guid, start)

	// Free the claim before announcing the result; a notifier may
	// re-trigger immediately.
	if err := r.repo.ClearRuntimeFlags(f.ID); err != nil {
		log.Errorf(ctx, "runner: %v", err)
	} else {
		cleared = true
	}
	r.notifier.BackupDone(ctx, f, success)
	return nil
}

// executeRun performs the fallible middle of the pipeline and records
// the outcome. It never returns an error: failures become run records.
func (r *Runner) executeRun(ctx context.Context, f *catalog.Fileset, run *catalog.BackupRun, snapshotName, guid string, start time.Time) bool {
	fail := func(err error) bool {
		now := r.now()
		log.Errorf(ctx, "runner: fileset %d (%s): %v", f.ID, f.FriendlyName, err)
		if recErr := r.repo.RecordRunEnd(run.ID, catalog.RunOutcome{
			Success:   false,
			ErrorText: err.Error(),
			Duration:  now.Sub(start),
		}); recErr != nil {
			log.Errorf(ctx, "runner: %v", recErr)
		}
		if updErr := r.repo.UpdateFilesetFailure(f.ID, now); updErr != nil {
			log.Errorf(ctx, "runner: %v", updErr)
		}
		if f.FirstFail == nil {
			r.notifier.FirstFailure(ctx, f, err.Error())
		}
		return false
	}

	pool, err := r.pools.Pool(f.StorageAlias)
	if err != nil {
		return fail(err)
	}
	ds := pool.Dataset(f.HostGroup.Name, f.FriendlyName)
	if err := ds.EnsureExists(ctx); err != nil {
		return fail(err)
	}

	release, err := ds.Workon(ctx)
	if err != nil {
		return fail(err)
	}
	defer release()

	trans, err := r.transportFor(f, transport.Params{
		DataPath:       ds.DataPath(),
		FilesetID:      f.ID,
		FriendlyName:   f.FriendlyName,
		SnapshotTarget: snapshotName,
		StorageName:    ds.Name(),
	}, guid)
	if err != nil {
		return fail(err)
	}

	log.Infof(ctx, "runner: fileset %d (%s): transport %s", f.ID, f.FriendlyName, trans.Description())
	if err := trans.RunTransport(ctx); err != nil {
		return fail(err)
	}

	if _, err := ds.SnapshotCreate(ctx, snapshotName); err != nil {
		return fail(err)
	}

	// Data is snapshotted; pruning trouble must not fail the run.
	pol, err := retention.ParsePolicy(r.retentionSpec(f))
	if err != nil {
		log.Errorf(ctx, "runner: fileset %d (%s): %v", f.ID, f.FriendlyName, err)
	} else if _, err := retention.Apply(ctx, ds, pol); err != nil {
		log.Errorf(ctx, "runner: fileset %d (%s): %v", f.ID, f.FriendlyName, err)
	}

	end := r.now()
	// referenced is the live data the transport produced; used also
	// charges the snapshots held on disk.
	totalSizeMB := int64(0)
	if referenced, err := ds.ReferencedSize(); err != nil {
		log.Warningf(ctx, "runner: fileset %d (%s): %v", f.ID, f.FriendlyName, err)
	} else {
		totalSizeMB = referenced / (1024 * 1024)
	}
	diskUseMB := int64(0)
	if used, err := ds.UsedSize(); err != nil {
		log.Warningf(ctx, "runner: fileset %d (%s): %v", f.ID, f.FriendlyName, err)
	} else {
		diskUseMB = used / (1024 * 1024)
	}

	if err := r.repo.RecordRunEnd(run.ID, catalog.RunOutcome{
		Success:     true,
		Duration:    end.Sub(start),
		TotalSizeMB: totalSizeMB,
		DiskUseMB:   diskUseMB,
	}); err != nil {
		log.Errorf(ctx, "runner: %v", err)
	}

	average, err := r.averageDuration(f.ID)
	if err != nil {
		log.Errorf(ctx, "runner: %v", err)
		average = end.Sub(start)
	}
	if err := r.repo.UpdateFilesetSuccessMetrics(f.ID, end, average, totalSizeMB); err != nil {
		log.Errorf(ctx, "runner: %v", err)
	}

	if f.FirstFail != nil {
		r.notifier.Recovered(ctx, f)
	}

	if f.DoSnapshotSizeListing && r.dutreeQ != nil {
		if err := r.dutreeQ.Send(ctx, catalog.DutreeJob{RunID: run.ID, FilesetID: f.ID}); err != nil {
			log.Errorf(ctx, "runner: %v", err)
		}
	}
	return true
}

// averageDuration is the rolling mean over the last ten successful runs,
// including the one just recorded.
func (r *Runner) averageDuration(filesetID int64) (time.Duration, error) {
	durations, err := r.repo.ListRecentDurations(filesetID, 10)
	if err != nil {
		return 0, err
	}
	if len(durations) == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations)), nil
}

// retentionSpec resolves the retention string: fileset wins over group.
func (r *Runner) retentionSpec(f *catalog.Fileset) string {
	if f.Retention != "" {
		return f.Retention
	}
	return f.HostGroup.Retention
}

// transportFor builds the transport matching the fileset's stored config.
func (r *Runner) transportFor(f *catalog.Fileset, params transport.Params, guid string) (transport.Transport, error) {
	tc := f.Transport
	if tc == nil {
		return nil, xerrors.Errorf("fileset %d (%s) has no transport configured", f.ID, f.FriendlyName)
	}
	switch tc.Kind {
	case catalog.TransportKindRsync:
		return transport.NewRsync(transport.RsyncConfig{
			Host:       tc.Host,
			User:       tc.User,
			SrcDir:     tc.SrcDir,
			Includes:   tc.Includes,
			Excludes:   tc.Excludes,
			Flags:      tc.Flags,
			UseSudo:    tc.UseSudo,
			UseIonice:  tc.UseIonice,
			RsyncPath:  tc.RsyncPath,
			IonicePath: tc.IonicePath,
			Transport:  tc.Transport,
		}, params), nil
	case catalog.TransportKindExec:
		return transport.NewExec(transport.ExecConfig{Command: tc.Command}, params, guid), nil
	default:
		return nil, xerrors.Errorf("fileset %d (%s): unknown transport kind %q", f.ID, f.FriendlyName, tc.Kind)
	}
}

// runLogContext attaches a per-run log duplicating output to a file
// under the log directory, when one is configured.
func (r *Runner) runLogContext(ctx context.Context, f *catalog.Fileset, guid string) (context.Context, func()) {
	runID := guid[:8]
	if r.logDir == "" {
		return log.ContextWithRunLog(ctx, runID, io.Discard), func() {}
	}

	name := filepath.Join(r.logDir, f.HostGroup.Name+"-"+f.FriendlyName+".log")
	w, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		log.Warningf(ctx, "runner: cannot open run log %q: %v", name, err)
		return log.ContextWithRunLog(ctx, runID, io.Discard), func() {}
	}
	return log.ContextWithRunLog(ctx, runID, w), func() { w.Close() }
}
