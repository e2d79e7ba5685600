/*

Package scheduler decides what to back up and when. A periodic tick
scans the catalog for enabled filesets, claims each candidate with the
single-flight CAS, evaluates eligibility (schedule, failure back-off,
blacklist hours, the do-not-run marker) and enqueues winners on the
backup queue. Manual triggers bypass the schedule check but not the
claim.

*/
package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/catalog"
	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/log"
	"github.com/ossobv/planbd/internal/storage"
)

// Scheduler owns the periodic eligibility scan.
type Scheduler struct {
	repo    *catalog.Repository
	backupQ *catalog.Queue

	interval    time.Duration
	globalHours string
	doNotRunDir string
	now         func() time.Time
	cron        *cron.Cron
}

// Option tweaks a Scheduler at construction.
type Option func(*Scheduler)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithGlobalBlacklistHours sets the fallback blacklist spec used when a
// fileset and its group define none.
func WithGlobalBlacklistHours(spec string) Option {
	return func(s *Scheduler) { s.globalHours = spec }
}

// WithDoNotRunDir overrides the marker directory location.
func WithDoNotRunDir(dir string) Option {
	return func(s *Scheduler) { s.doNotRunDir = dir }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler over the given catalog and backup queue.
func New(repo *catalog.Repository, backupQ *catalog.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:        repo,
		backupQ:     backupQ,
		interval:    config.DefaultSchedulerInterval,
		doNotRunDir: config.DoNotRunDir,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks at the configured interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof(ctx, "scheduler: starting, tick interval %s", s.interval)
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.Tick(ctx) }))
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	log.Infof(context.Background(), "scheduler: stopped")
}

// Tick runs one eligibility scan.
func (s *Scheduler) Tick(ctx context.Context) {
	candidates, err := s.repo.ListCandidates()
	if err != nil {
		log.Errorf(ctx, "scheduler: %v", err)
		return
	}

	now := s.now()
	for _, f := range candidates {
		f := f
		owned, err := s.repo.Claim(f.ID)
		if err != nil {
			log.Errorf(ctx, "scheduler: %v", err)
			continue
		}
		if !owned {
			// Another scheduler or a manual trigger got there first.
			continue
		}

		eligible, reason, err := s.eligible(&f, now)
		if err != nil {
			log.Errorf(ctx, "scheduler: fileset %d (%s): %v", f.ID, f.FriendlyName, err)
			eligible = false
			reason = "config error"
		}
		if !eligible {
			log.Debugf(ctx, "scheduler: skipping fileset %d (%s): %s", f.ID, f.FriendlyName, reason)
			if err := s.repo.ReleaseQueue(f.ID); err != nil {
				log.Errorf(ctx, "scheduler: %v", err)
			}
			continue
		}

		if err := s.backupQ.Send(ctx, catalog.BackupJob{FilesetID: f.ID}); err != nil {
			log.Errorf(ctx, "scheduler: cannot enqueue fileset %d: %v", f.ID, err)
			if err := s.repo.ReleaseQueue(f.ID); err != nil {
				log.Errorf(ctx, "scheduler: %v", err)
			}
			continue
		}
		log.Infof(ctx, "scheduler: enqueued fileset %d (%s)", f.ID, f.FriendlyName)
	}
}

// eligible applies the schedule checks to one claimed candidate.
func (s *Scheduler) eligible(f *catalog.Fileset, now time.Time) (bool, string, error) {
	if !f.Enabled {
		return false, "disabled", nil
	}
	if !ShouldBackup(f, now) {
		return false, "recent backup exists", nil
	}
	if f.FirstFail != nil && f.LastRun != nil && now.Sub(*f.LastRun) < config.DefaultFailureBackoff {
		return false, "failure back-off", nil
	}

	blacklisted, err := InBlacklistHours(now, f.BlacklistHours, f.HostGroup.BlacklistHours, s.globalHours)
	if err != nil {
		return false, "", err
	}
	if blacklisted {
		return false, "blacklist hours", nil
	}

	if f.UseDoNotRunD {
		delayed, err := DoNotRunActive(s.doNotRunDir)
		if err != nil {
			return false, "", err
		}
		if delayed {
			return false, "do-not-run marker present", nil
		}
	}
	return true, "", nil
}

// ShouldBackup reports whether the fileset is due. A success earlier the
// same local day postpones the next run, unless the run itself takes so
// long that waiting would stretch the cadence past a day.
func ShouldBackup(f *catalog.Fileset, now time.Time) bool {
	if !f.Enabled {
		return false
	}
	if f.FirstFail != nil || f.LastOk == nil {
		return true
	}

	lastOk := f.LastOk.Local()
	local := now.Local()
	sameDay := lastOk.Year() == local.Year() && lastOk.YearDay() == local.YearDay()
	if !sameDay {
		return true
	}

	sinceOk := now.Sub(*f.LastOk)
	average := time.Duration(f.AverageDuration) * time.Second
	if sinceOk < 8*time.Hour || sinceOk+average < 24*time.Hour {
		return false
	}
	return true
}

// DoNotRunActive reports whether the marker directory exists and holds
// at least one non-dot file.
func DoNotRunActive(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Errorf("cannot read %q: %v", dir, err)
	}
	for _, e := range entries {
		if e.Name() != "" && e.Name()[0] != '.' {
			return true, nil
		}
	}
	return false, nil
}

// TriggerFileset enqueues one fileset immediately, bypassing the
// schedule check. snapshotName, when set, requests an archive snapshot
// instead of the timestamped default.
func (s *Scheduler) TriggerFileset(ctx context.Context, id int64, snapshotName string) error {
	if snapshotName != "" {
		if err := storage.ValidateArchiveName(snapshotName); err != nil {
			return err
		}
	}

	f, err := s.repo.FilesetByID(id)
	if err != nil {
		return err
	}
	owned, err := s.repo.Claim(id)
	if err != nil {
		return err
	}
	if !owned {
		return xerrors.Errorf("fileset %d (%s) is already queued or running", id, f.FriendlyName)
	}

	if err := s.backupQ.Send(ctx, catalog.BackupJob{FilesetID: id, SnapshotName: snapshotName}); err != nil {
		if relErr := s.repo.ReleaseQueue(id); relErr != nil {
			log.Errorf(ctx, "scheduler: %v", relErr)
		}
		return err
	}
	log.Infof(ctx, "scheduler: manually enqueued fileset %d (%s)", id, f.FriendlyName)
	return nil
}

// QueueAll claims and enqueues every fileset, due or not. Returns how
// many were enqueued; already-claimed filesets are skipped silently.
func (s *Scheduler) QueueAll(ctx context.Context) (int, error) {
	filesets, err := s.repo.ListFilesets()
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, f := range filesets {
		owned, err := s.repo.Claim(f.ID)
		if err != nil {
			return enqueued, err
		}
		if !owned {
			continue
		}
		if err := s.backupQ.Send(ctx, catalog.BackupJob{FilesetID: f.ID}); err != nil {
			if relErr := s.repo.ReleaseQueue(f.ID); relErr != nil {
				log.Errorf(ctx, "scheduler: %v", relErr)
			}
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}
