package config

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
	ini "gopkg.in/ini.v1"
)

// Pool declares one storage pool in the daemon configuration.
type Pool struct {
	// Alias referenced by fileset storage_alias.
	Alias string
	// Driver selects the storage engine ("zfs" or "dummy").
	Driver string
	// Root is the filesystem path holding the mandatory data/ directory.
	Root string
	// ZPool is the zfs dataset prefix backing the pool (zfs driver only).
	ZPool string
	// Binary overrides the zfs binary path.
	Binary string
	// Sudo prefixes storage commands when set.
	Sudo string
}

// File is the parsed daemon configuration.
type File struct {
	DatabasePath      string
	BackupWorkers     int
	SchedulerInterval time.Duration
	BlacklistHours    string
	Pools             map[string]Pool
}

// Load reads and validates the INI daemon configuration.
func Load(path string) (*File, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot read configuration %q: %v", path, err)
	}

	f := &File{
		DatabasePath:      DefaultDatabasePath,
		BackupWorkers:     DefaultBackupWorkers,
		SchedulerInterval: DefaultSchedulerInterval,
		Pools:             make(map[string]Pool),
	}

	if raw.HasSection("planb") {
		s := raw.Section("planb")
		if k := s.Key("database").String(); k != "" {
			f.DatabasePath = k
		}
		if k := s.Key("workers"); k.String() != "" {
			n, err := k.Int()
			if err != nil || n < 1 {
				return nil, xerrors.Errorf("invalid workers value %q", k.String())
			}
			f.BackupWorkers = n
		}
		if k := s.Key("interval"); k.String() != "" {
			d, err := time.ParseDuration(k.String())
			if err != nil || d <= 0 {
				return nil, xerrors.Errorf("invalid interval value %q", k.String())
			}
			f.SchedulerInterval = d
		}
		f.BlacklistHours = s.Key("blacklist_hours").String()
	}

	for _, s := range raw.Sections() {
		name := s.Name()
		if !strings.HasPrefix(name, "pool:") {
			continue
		}
		alias := strings.TrimPrefix(name, "pool:")
		if alias == "" {
			return nil, xerrors.Errorf("pool section without an alias")
		}
		p := Pool{
			Alias:  alias,
			Driver: s.Key("driver").MustString("zfs"),
			Root:   s.Key("root").String(),
			ZPool:  s.Key("zpool").String(),
			Binary: s.Key("binary").MustString("/sbin/zfs"),
			Sudo:   s.Key("sudo").String(),
		}
		if p.Root == "" {
			return nil, xerrors.Errorf("pool %q: root is mandatory", alias)
		}
		switch p.Driver {
		case "zfs":
			if p.ZPool == "" {
				return nil, xerrors.Errorf("pool %q: zpool is mandatory for the zfs driver", alias)
			}
		case "dummy":
		default:
			return nil, xerrors.Errorf("pool %q: unknown driver %q", alias, p.Driver)
		}
		f.Pools[alias] = p
	}

	return f, nil
}
