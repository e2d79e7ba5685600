/*

Package catalog persists the backup configuration and run history: host
groups, filesets with their single transport, and immutable run records.
It exposes the typed operations the scheduler and job runner need, plus
the message queues backups travel through.

The store is a single sqlite database. The claim operation is the one
place that needs atomicity between competing schedulers; everything else
is last-write-wins on documented fields.

*/
package catalog

import (
	"database/sql"
	"path"
	"time"

	"golang.org/x/xerrors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Repository is the typed access layer over the catalog database.
type Repository struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open opens (creating if needed) the catalog database at path and runs
// the schema migrations.
func Open(dbPath string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot open catalog database %q: %v", dbPath, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, xerrors.Errorf("cannot access underlying database handle: %v", err)
	}
	// A single writer at a time keeps sqlite happy under concurrent
	// workers, and idle connections get recycled instead of going stale
	// over multi-hour transports.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, xerrors.Errorf("cannot apply %q: %v", pragma, err)
		}
	}

	if err := db.AutoMigrate(&HostGroup{}, &Fileset{}, &TransportConfig{}, &BackupRun{}); err != nil {
		return nil, xerrors.Errorf("cannot migrate catalog schema: %v", err)
	}

	return &Repository{db: db, sqlDB: sqlDB}, nil
}

// Close closes the underlying database handle.
func (r *Repository) Close() error {
	return r.sqlDB.Close()
}

// SQLDB exposes the raw handle for the queue tables.
func (r *Repository) SQLDB() *sql.DB {
	return r.sqlDB
}

// CreateGroup stores a new host group.
func (r *Repository) CreateGroup(g *HostGroup) error {
	if err := r.db.Create(g).Error; err != nil {
		return xerrors.Errorf("cannot create group %q: %v", g.Name, err)
	}
	return nil
}

// CreateFileset stores a new fileset together with its transport.
func (r *Repository) CreateFileset(f *Fileset) error {
	if f.Transport == nil {
		return xerrors.Errorf("fileset %q has no transport", f.FriendlyName)
	}
	if err := r.db.Create(f).Error; err != nil {
		return xerrors.Errorf("cannot create fileset %q: %v", f.FriendlyName, err)
	}
	return nil
}

// FilesetByID loads one fileset with its group and transport.
func (r *Repository) FilesetByID(id int64) (*Fileset, error) {
	var f Fileset
	if err := r.db.Preload("HostGroup").Preload("Transport").First(&f, id).Error; err != nil {
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Errorf("no fileset with id %d", id)
		}
		return nil, xerrors.Errorf("cannot load fileset %d: %v", id, err)
	}
	return &f, nil
}

// ListFilesets returns every fileset with group and transport loaded,
// ordered by group name then friendly name.
func (r *Repository) ListFilesets() ([]Fileset, error) {
	var fs []Fileset
	err := r.db.Preload("HostGroup").Preload("Transport").
		Joins("JOIN host_groups ON host_groups.id = filesets.host_group_id").
		Order("host_groups.name, filesets.friendly_name").
		Find(&fs).Error
	if err != nil {
		return nil, xerrors.Errorf("cannot list filesets: %v", err)
	}
	return fs, nil
}

// ListFilesetsMatching filters ListFilesets by shell globs on group name
// and friendly name. Empty globs match everything.
func (r *Repository) ListFilesetsMatching(groupGlob, filesetGlob string) ([]Fileset, error) {
	all, err := r.ListFilesets()
	if err != nil {
		return nil, err
	}
	matched := make([]Fileset, 0, len(all))
	for _, f := range all {
		if ok, err := matchGlob(groupGlob, f.HostGroup.Name); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		if ok, err := matchGlob(filesetGlob, f.FriendlyName); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		matched = append(matched, f)
	}
	return matched, nil
}

func matchGlob(glob, name string) (bool, error) {
	if glob == "" {
		return true, nil
	}
	ok, err := path.Match(glob, name)
	if err != nil {
		return false, xerrors.Errorf("invalid glob %q: %v", glob, err)
	}
	return ok, nil
}

// ListGroups returns every host group ordered by name.
func (r *Repository) ListGroups() ([]HostGroup, error) {
	var gs []HostGroup
	if err := r.db.Order("name").Find(&gs).Error; err != nil {
		return nil, xerrors.Errorf("cannot list groups: %v", err)
	}
	return gs, nil
}

// UpdateTransport saves changes to a fileset's transport configuration.
func (r *Repository) UpdateTransport(tc *TransportConfig) error {
	if err := r.db.Save(tc).Error; err != nil {
		return xerrors.Errorf("cannot update transport of fileset %d: %v", tc.FilesetID, err)
	}
	return nil
}

// SetEnabled switches a fileset in or out of the scheduling rotation.
func (r *Repository) SetEnabled(id int64, enabled bool) error {
	if err := r.db.Model(&Fileset{}).Where("id = ?", id).
		Update("enabled", enabled).Error; err != nil {
		return xerrors.Errorf("cannot set enabled=%v on fileset %d: %v", enabled, id, err)
	}
	return nil
}

// ListCandidates returns enabled filesets ordered by last_run ascending
// (never-run first), with group and transport loaded.
func (r *Repository) ListCandidates() ([]Fileset, error) {
	var fs []Fileset
	err := r.db.Preload("HostGroup").Preload("Transport").
		Where("enabled = ?", true).
		Order("last_run").
		Find(&fs).Error
	if err != nil {
		return nil, xerrors.Errorf("cannot list backup candidates: %v", err)
	}
	return fs, nil
}

// Claim atomically flips is_queued from false to true. The return value
// tells whether this caller won the fileset; losing is not an error.
func (r *Repository) Claim(id int64) (bool, error) {
	res := r.db.Model(&Fileset{}).
		Where("id = ? AND is_queued = ?", id, false).
		Update("is_queued", true)
	if res.Error != nil {
		return false, xerrors.Errorf("cannot claim fileset %d: %v", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseQueue drops the queued flag of an unstarted fileset.
func (r *Repository) ReleaseQueue(id int64) error {
	if err := r.db.Model(&Fileset{}).Where("id = ?", id).
		Update("is_queued", false).Error; err != nil {
		return xerrors.Errorf("cannot release fileset %d: %v", id, err)
	}
	return nil
}

// MarkRunning marks a claimed fileset as having an active run.
func (r *Repository) MarkRunning(id int64) error {
	if err := r.db.Model(&Fileset{}).Where("id = ?", id).
		Update("is_running", true).Error; err != nil {
		return xerrors.Errorf("cannot mark fileset %d running: %v", id, err)
	}
	return nil
}

// ClearRuntimeFlags resets is_queued and is_running, ending the run's
// exclusive ownership.
func (r *Repository) ClearRuntimeFlags(id int64) error {
	err := r.db.Model(&Fileset{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_queued": false, "is_running": false}).Error
	if err != nil {
		return xerrors.Errorf("cannot clear runtime flags of fileset %d: %v", id, err)
	}
	return nil
}

// ClearAllRuntimeFlags resets the queued and running flags of every
// fileset. Used by queue flushes and daemon startup recovery.
func (r *Repository) ClearAllRuntimeFlags() error {
	err := r.db.Model(&Fileset{}).Where("is_queued = ? OR is_running = ?", true, true).
		Updates(map[string]interface{}{"is_queued": false, "is_running": false}).Error
	if err != nil {
		return xerrors.Errorf("cannot clear runtime flags: %v", err)
	}
	return nil
}

// RecordRunStart creates the run record with success=false and the given
// attribute bag.
func (r *Repository) RecordRunStart(filesetID int64, attrs RunAttributes) (*BackupRun, error) {
	encoded, err := attrs.encode()
	if err != nil {
		return nil, err
	}
	run := &BackupRun{
		FilesetID:  filesetID,
		Started:    time.Now(),
		Success:    false,
		Attributes: encoded,
	}
	if err := r.db.Create(run).Error; err != nil {
		return nil, xerrors.Errorf("cannot create run record for fileset %d: %v", filesetID, err)
	}
	return run, nil
}

// RunOutcome finalizes a run record.
type RunOutcome struct {
	Success     bool
	ErrorText   string
	Duration    time.Duration
	TotalSizeMB int64
	DiskUseMB   int64
}

// RecordRunEnd finalizes the run exactly once.
func (r *Repository) RecordRunEnd(runID int64, outcome RunOutcome) error {
	err := r.db.Model(&BackupRun{}).Where("id = ?", runID).
		Updates(map[string]interface{}{
			"success":          outcome.Success,
			"error_text":       outcome.ErrorText,
			"duration_seconds": int64(outcome.Duration.Seconds()),
			"total_size_mb":    outcome.TotalSizeMB,
			"disk_use_mb":      outcome.DiskUseMB,
		}).Error
	if err != nil {
		return xerrors.Errorf("cannot finalize run %d: %v", runID, err)
	}
	return nil
}

// RunByID loads one run record.
func (r *Repository) RunByID(id int64) (*BackupRun, error) {
	var run BackupRun
	if err := r.db.First(&run, id).Error; err != nil {
		return nil, xerrors.Errorf("cannot load run %d: %v", id, err)
	}
	return &run, nil
}

// UpdateFilesetSuccessMetrics records a successful run on the fileset:
// last_ok and last_run advance, first_fail clears, sizes and the rolling
// average update.
func (r *Repository) UpdateFilesetSuccessMetrics(id int64, lastOk time.Time, averageDuration time.Duration, totalSizeMB int64) error {
	err := r.db.Model(&Fileset{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_ok":          lastOk,
			"last_run":         lastOk,
			"first_fail":       nil,
			"average_duration": int64(averageDuration.Seconds()),
			"total_size_mb":    totalSizeMB,
		}).Error
	if err != nil {
		return xerrors.Errorf("cannot update success metrics of fileset %d: %v", id, err)
	}
	return nil
}

// UpdateFilesetFailure records a failed run: last_run advances and
// first_fail is set only when not already set, so it keeps pointing at
// the start of the failure streak.
func (r *Repository) UpdateFilesetFailure(id int64, when time.Time) error {
	if err := r.db.Model(&Fileset{}).Where("id = ?", id).
		Update("last_run", when).Error; err != nil {
		return xerrors.Errorf("cannot update last_run of fileset %d: %v", id, err)
	}
	err := r.db.Model(&Fileset{}).
		Where("id = ? AND first_fail IS NULL", id).
		Update("first_fail", when).Error
	if err != nil {
		return xerrors.Errorf("cannot update first_fail of fileset %d: %v", id, err)
	}
	return nil
}

// ListRecentDurations returns the durations of the last n successful
// runs, newest first.
func (r *Repository) ListRecentDurations(filesetID int64, n int) ([]time.Duration, error) {
	var seconds []int64
	err := r.db.Model(&BackupRun{}).
		Where("fileset_id = ? AND success = ?", filesetID, true).
		Order("started DESC, id DESC").Limit(n).
		Pluck("duration_seconds", &seconds).Error
	if err != nil {
		return nil, xerrors.Errorf("cannot list recent durations of fileset %d: %v", filesetID, err)
	}
	durations := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		durations[i] = time.Duration(s) * time.Second
	}
	return durations, nil
}

// AttachSizeListing is the idempotent post-processing update of a
// finalized run.
func (r *Repository) AttachSizeListing(runID int64, snapshotSizeMB int64, listing string) error {
	err := r.db.Model(&BackupRun{}).Where("id = ?", runID).
		Updates(map[string]interface{}{
			"snapshot_size_mb":      snapshotSizeMB,
			"snapshot_size_listing": listing,
		}).Error
	if err != nil {
		return xerrors.Errorf("cannot attach size listing to run %d: %v", runID, err)
	}
	return nil
}

// AppendRunError appends post-processing error text to a run without
// touching its success flag.
func (r *Repository) AppendRunError(runID int64, text string) error {
	err := r.db.Model(&BackupRun{}).Where("id = ?", runID).
		Update("error_text", gorm.Expr(
			"CASE WHEN error_text = '' THEN ? ELSE error_text || ? || ? END",
			text, "\n", text)).Error
	if err != nil {
		return xerrors.Errorf("cannot append error to run %d: %v", runID, err)
	}
	return nil
}

// ListRunsSince returns the runs of a fileset started at or after since,
// oldest first.
func (r *Repository) ListRunsSince(filesetID int64, since time.Time) ([]BackupRun, error) {
	var runs []BackupRun
	err := r.db.Where("fileset_id = ? AND started >= ?", filesetID, since).
		Order("started").Find(&runs).Error
	if err != nil {
		return nil, xerrors.Errorf("cannot list runs of fileset %d: %v", filesetID, err)
	}
	return runs, nil
}

// LastRun returns the most recent run of a fileset, or nil when it never
// ran.
func (r *Repository) LastRun(filesetID int64) (*BackupRun, error) {
	var run BackupRun
	err := r.db.Where("fileset_id = ?", filesetID).
		Order("started DESC").First(&run).Error
	if err != nil {
		if xerrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, xerrors.Errorf("cannot load last run of fileset %d: %v", filesetID, err)
	}
	return &run, nil
}

// CloneFileset deep-copies a fileset configuration under a new friendly
// name, pointing its transport at newHost, with runtime state reset.
func (r *Repository) CloneFileset(id int64, newFriendlyName, newHost string) (*Fileset, error) {
	src, err := r.FilesetByID(id)
	if err != nil {
		return nil, err
	}

	clone := *src
	clone.ID = 0
	clone.FriendlyName = newFriendlyName
	clone.HostGroup = HostGroup{}
	clone.Runs = nil
	clone.IsQueued = false
	clone.IsRunning = false
	clone.LastOk = nil
	clone.LastRun = nil
	clone.FirstFail = nil
	clone.AverageDuration = 0
	clone.TotalSizeMB = 0

	transport := *src.Transport
	transport.ID = 0
	transport.FilesetID = 0
	if transport.Kind == TransportKindRsync {
		transport.Host = newHost
	}
	clone.Transport = &transport

	if err := r.db.Create(&clone).Error; err != nil {
		return nil, xerrors.Errorf("cannot clone fileset %d as %q: %v", id, newFriendlyName, err)
	}
	clone.HostGroup = src.HostGroup
	return &clone, nil
}
