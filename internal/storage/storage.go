/*

Package storage abstracts the copy-on-write pools holding backup data.

A Pool hands out Dataset objects by pure name lookup. All filesystem work
goes through the pool's engine: either the zfs command line (serialized
through a single capturing executor) or an in-memory dummy used for tests
and scratch pools.

*/
package storage

import (
	"errors"
	"regexp"
	"sort"

	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/config"
)

// ErrDatasetNotFound is returned when a dataset (or its pool path) does not
// exist. Listing and retention code treats it as an empty dataset.
var ErrDatasetNotFound = errors.New("dataset does not exist")

// ErrWorkonActive is returned when a scoped acquisition is attempted on a
// dataset that is already being worked on.
var ErrWorkonActive = errors.New("dataset already has an active workon")

// CommandError carries the outcome of a failed storage shell-out.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return "command " + e.Cmd + " failed: " + e.Stderr
}

var archiveNameRe = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateArchiveName checks a user-supplied snapshot name. Archive names
// never collide with the planb- retention namespace.
func ValidateArchiveName(name string) error {
	if name == "planb" {
		return xerrors.Errorf("snapshot name %q is reserved", name)
	}
	if !archiveNameRe.MatchString(name) {
		return xerrors.Errorf("invalid snapshot name %q: must match %s", name, archiveNameRe.String())
	}
	return nil
}

// engine is the driver side of a pool. Implementations receive canonical
// dataset names (group-friendly) and absolute data paths.
type engine interface {
	ensureExists(name, dataPath string) error
	mount(name, dataPath string) error
	unmount(name string) error
	rename(oldName, newName, newDataPath string) error
	snapshotCreate(name, snapName string) error
	snapshotDelete(name, snapName string) error
	snapshotList(name string) ([]string, error)
	snapshotPath(name, snapName, dataPath string) string
	usedSize(name string) (int64, error)
	referencedSize(name string) (int64, error)
	listDatasets() ([]string, error)
}

// Registry holds the configured pools, keyed by alias.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry builds the pool registry from the daemon configuration.
func NewRegistry(pools map[string]config.Pool) (*Registry, error) {
	r := &Registry{pools: make(map[string]*Pool, len(pools))}
	for alias, pc := range pools {
		var eng engine
		switch pc.Driver {
		case "zfs":
			eng = newZFSEngine(pc.ZPool, pc.Binary, pc.Sudo)
		case "dummy":
			eng = newDummyEngine(pc.Root)
		default:
			return nil, xerrors.Errorf("pool %q: unknown driver %q", alias, pc.Driver)
		}
		r.pools[alias] = newPool(alias, pc.Root, eng)
	}
	return r, nil
}

// Pool returns the pool for alias.
func (r *Registry) Pool(alias string) (*Pool, error) {
	p, ok := r.pools[alias]
	if !ok {
		return nil, xerrors.Errorf("no storage pool configured for alias %q", alias)
	}
	return p, nil
}

// Aliases lists the configured pool aliases, sorted.
func (r *Registry) Aliases() []string {
	aliases := make([]string, 0, len(r.pools))
	for a := range r.pools {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}
