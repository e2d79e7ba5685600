package catalog

import (
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// HostGroup is the tenant identity a fileset belongs to. Group-level
// blacklist hours and retention act as defaults for its filesets.
type HostGroup struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex;not null"`

	NotifyEmail    string
	BlacklistHours string
	Retention      string

	Filesets []Fileset `gorm:"constraint:OnDelete:RESTRICT"`
}

// Fileset is the unit of backup: one remote source mapped to one local
// dataset. The runtime fields are written only by the scheduler and the
// job runner.
type Fileset struct {
	ID           int64  `gorm:"primaryKey"`
	FriendlyName string `gorm:"index:idx_fileset_group_name,unique;not null"`
	HostGroupID  int64  `gorm:"index:idx_fileset_group_name,unique;not null"`
	HostGroup    HostGroup

	StorageAlias string `gorm:"not null"`
	Notes        string

	Enabled               bool `gorm:"default:true"`
	BlacklistHours        string
	Retention             string
	UseDoNotRunD          bool
	DoSnapshotSizeListing bool

	IsQueued        bool
	IsRunning       bool
	LastOk          *time.Time
	LastRun         *time.Time
	FirstFail       *time.Time
	AverageDuration int64 // seconds
	TotalSizeMB     int64

	Transport *TransportConfig `gorm:"constraint:OnDelete:CASCADE"`
	Runs      []BackupRun      `gorm:"constraint:OnDelete:CASCADE"`
}

// StorageName is the canonical dataset name for this fileset. Requires
// HostGroup to be loaded.
func (f *Fileset) StorageName() string {
	return f.HostGroup.Name + "-" + f.FriendlyName
}

// Transport kinds.
const (
	TransportKindRsync = "rsync"
	TransportKindExec  = "exec"
)

// TransportConfig holds the single transport of a fileset. Rsync and
// exec fields share the table; Kind selects which set is meaningful.
type TransportConfig struct {
	ID        int64  `gorm:"primaryKey"`
	FilesetID int64  `gorm:"uniqueIndex;not null"`
	Kind      string `gorm:"not null"`

	// rsync
	Host       string
	User       string
	SrcDir     string
	Includes   string
	Excludes   string
	Flags      string
	UseSudo    bool
	UseIonice  bool
	RsyncPath  string
	IonicePath string
	Transport  string

	// exec
	Command string
}

// BackupRun is the immutable record of one attempt. It is created at run
// start and finalized exactly once; only the post-processing size listing
// may be attached afterwards.
type BackupRun struct {
	ID        int64 `gorm:"primaryKey"`
	FilesetID int64 `gorm:"index;not null"`

	Started         time.Time `gorm:"index"`
	DurationSeconds int64
	Success         bool
	ErrorText       string

	TotalSizeMB         int64 // live data written by the transport
	DiskUseMB           int64 // live data plus snapshots held on disk
	SnapshotSizeMB      int64
	SnapshotSizeListing string

	// Attributes is a small YAML bag captured at run start, so
	// post-processing does not depend on later fileset edits.
	Attributes string
}

// RunAttributes is the decoded form of BackupRun.Attributes.
type RunAttributes struct {
	Snapshot              string `yaml:"snapshot"`
	DoSnapshotSizeListing bool   `yaml:"do_snapshot_size_listing"`
}

func (a RunAttributes) encode() (string, error) {
	out, err := yaml.Marshal(a)
	if err != nil {
		return "", xerrors.Errorf("cannot serialize run attributes: %v", err)
	}
	return string(out), nil
}

// DecodeAttributes parses the run's YAML attribute bag.
func (r *BackupRun) DecodeAttributes() (RunAttributes, error) {
	var a RunAttributes
	if err := yaml.Unmarshal([]byte(r.Attributes), &a); err != nil {
		return a, xerrors.Errorf("cannot parse attributes of run %d: %v", r.ID, err)
	}
	return a, nil
}
