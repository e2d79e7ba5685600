package config

import "time"

const (
	// DefaultPath is the default configuration path
	DefaultPath = "/etc/planb/planb.conf"

	// DefaultDatabasePath is the sqlite catalog location
	DefaultDatabasePath = "/var/lib/planb/planb.db"

	// DefaultSchedulerInterval between two scheduler ticks
	DefaultSchedulerInterval = time.Minute

	// DefaultBackupWorkers is the job runner pool size
	DefaultBackupWorkers = 10

	// DefaultFailureBackoff before a failed fileset is retried
	DefaultFailureBackoff = time.Hour

	// DefaultBackupQueue is the broker queue fed by the scheduler
	DefaultBackupQueue = "planb-backup"

	// DefaultDutreeQueue is the single-worker post-processing queue
	DefaultDutreeQueue = "planb-dutree"

	// DoNotRunDir delays opted-in filesets while it holds at least one
	// non-dot file.
	DoNotRunDir = "/var/lib/planb/do-not-run.d"

	// SnapshotTimeFormat is the name layout of retention-managed snapshots
	// (UTC, minute resolution), without the "planb-" prefix.
	SnapshotTimeFormat = "20060102T1504Z"

	// SnapshotPrefix marks retention-managed snapshots
	SnapshotPrefix = "planb-"
)

var (
	// Version is the version of the executable
	Version = "dev"
)
