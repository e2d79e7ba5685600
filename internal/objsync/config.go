/*

Package objsync mirrors a remote object-storage namespace into a local
directory tree, minimizing re-download. Sorted list files under the
target directory are the authoritative local truth; a run diffs the
remote listing against them, deletes, downloads with a worker pool and
reconciles the lists.

*/
package objsync

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/ini.v1"
)

// Defaults per section.
const (
	DefaultWorkers        = 7
	DefaultConnectTimeout = 60 * time.Second
	DefaultReadTimeout    = 60 * time.Second
)

// Config is one [section] of the objsync configuration file.
type Config struct {
	Section string

	// Object store endpoint and credentials.
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// BaseDir is the local mirror root; list files live directly below it.
	BaseDir string

	// Containers to mirror when neither a single container nor
	// --all-containers is given on the command line.
	Containers []string

	Workers        int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Excludes     []ExcludeRule
	Translations []TranslateRule
}

// LoadConfig reads one section from an INI file. Repeated exclude and
// translate keys accumulate.
func LoadConfig(path, section string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, xerrors.Errorf("cannot load objsync config %q: %v", path, err)
	}
	if !f.HasSection(section) {
		return nil, xerrors.Errorf("no section %q in %q", section, path)
	}
	sec := f.Section(section)

	cfg := &Config{
		Section:        section,
		Endpoint:       sec.Key("endpoint").String(),
		AccessKey:      sec.Key("access_key").String(),
		SecretKey:      sec.Key("secret_key").String(),
		Region:         sec.Key("region").String(),
		UseSSL:         sec.Key("use_ssl").MustBool(true),
		BaseDir:        sec.Key("base_dir").String(),
		Containers:     strings.Fields(sec.Key("containers").String()),
		Workers:        sec.Key("workers").MustInt(DefaultWorkers),
		ConnectTimeout: time.Duration(sec.Key("connect_timeout").MustInt(60)) * time.Second,
		ReadTimeout:    time.Duration(sec.Key("read_timeout").MustInt(60)) * time.Second,
	}

	if cfg.Endpoint == "" {
		return nil, xerrors.Errorf("section %q: endpoint is mandatory", section)
	}
	if cfg.BaseDir == "" {
		return nil, xerrors.Errorf("section %q: base_dir is mandatory", section)
	}
	if cfg.Workers < 1 {
		return nil, xerrors.Errorf("section %q: workers must be positive", section)
	}

	if sec.HasKey("exclude") {
		for _, raw := range sec.Key("exclude").ValueWithShadows() {
			rule, err := ParseExcludeRule(raw)
			if err != nil {
				return nil, xerrors.Errorf("section %q: %v", section, err)
			}
			cfg.Excludes = append(cfg.Excludes, rule)
		}
	}
	if sec.HasKey("translate") {
		for _, raw := range sec.Key("translate").ValueWithShadows() {
			rule, err := ParseTranslateRule(raw)
			if err != nil {
				return nil, xerrors.Errorf("section %q: %v", section, err)
			}
			cfg.Translations = append(cfg.Translations, rule)
		}
	}
	return cfg, nil
}
