package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/log"
)

// Pool is one configured storage pool.
type Pool struct {
	alias string
	root  string
	eng   engine

	mu     sync.Mutex
	active map[string]bool // dataset names with a live workon
}

func newPool(alias, root string, eng engine) *Pool {
	return &Pool{
		alias:  alias,
		root:   root,
		eng:    eng,
		active: make(map[string]bool),
	}
}

// Alias returns the configured pool alias.
func (p *Pool) Alias() string { return p.alias }

// Root returns the pool filesystem root (data/ lives below it).
func (p *Pool) Root() string { return p.root }

// DatasetName derives the canonical dataset name for a fileset.
func DatasetName(group, friendly string) string {
	return group + "-" + friendly
}

// Dataset is a pure name lookup: no I/O happens until a method is called.
func (p *Pool) Dataset(group, friendly string) *Dataset {
	return &Dataset{pool: p, name: DatasetName(group, friendly)}
}

// DatasetByName looks up a dataset by its canonical name.
func (p *Pool) DatasetByName(name string) *Dataset {
	return &Dataset{pool: p, name: name}
}

// ListDatasets returns the canonical names present in the pool storage.
func (p *Pool) ListDatasets() ([]string, error) {
	return p.eng.listDatasets()
}

// Dataset is a logical handle into a storage pool.
type Dataset struct {
	pool *Pool
	name string
}

// Name returns the canonical dataset name.
func (d *Dataset) Name() string { return d.name }

// Pool returns the owning pool.
func (d *Dataset) Pool() *Pool { return d.pool }

// DataPath is the mounted data directory of the dataset.
func (d *Dataset) DataPath() string {
	return filepath.Join(d.pool.root, "data", d.name)
}

// SnapshotPath returns where snapName content is visible once mounted.
func (d *Dataset) SnapshotPath(snapName string) string {
	return d.pool.eng.snapshotPath(d.name, snapName, d.DataPath())
}

// EnsureExists creates the dataset if missing and makes sure the data
// directory exists and is owned by the running user. Idempotent.
func (d *Dataset) EnsureExists(ctx context.Context) error {
	log.Debugf(ctx, "storage: ensuring dataset %q exists", d.name)
	if err := d.pool.eng.ensureExists(d.name, d.DataPath()); err != nil {
		return xerrors.Errorf("cannot ensure dataset %q: %w", d.name, err)
	}
	if err := os.Chown(d.DataPath(), os.Getuid(), os.Getgid()); err != nil && !os.IsPermission(err) {
		return xerrors.Errorf("cannot own data directory of %q: %v", d.name, err)
	}
	return nil
}

// Workon mounts the dataset and marks it busy for the duration. The
// returned release function unmounts again and must run on all exit paths.
// A second workon on the same dataset fails with ErrWorkonActive.
func (d *Dataset) Workon(ctx context.Context) (release func(), err error) {
	d.pool.mu.Lock()
	if d.pool.active[d.name] {
		d.pool.mu.Unlock()
		return nil, xerrors.Errorf("workon %q: %w", d.name, ErrWorkonActive)
	}
	d.pool.active[d.name] = true
	d.pool.mu.Unlock()

	if err := d.pool.eng.mount(d.name, d.DataPath()); err != nil {
		d.pool.mu.Lock()
		delete(d.pool.active, d.name)
		d.pool.mu.Unlock()
		return nil, xerrors.Errorf("cannot mount %q: %w", d.name, err)
	}
	log.Debugf(ctx, "storage: workon %q started", d.name)

	return func() {
		if err := d.pool.eng.unmount(d.name); err != nil {
			log.Warningf(ctx, "storage: cannot unmount %q: %v", d.name, err)
		}
		d.pool.mu.Lock()
		delete(d.pool.active, d.name)
		d.pool.mu.Unlock()
		log.Debugf(ctx, "storage: workon %q released", d.name)
	}, nil
}

// Rename moves the dataset to a new canonical name and adjusts the
// mountpoint. Renaming while a workon is active is a programming error.
func (d *Dataset) Rename(ctx context.Context, newName string) error {
	d.pool.mu.Lock()
	if d.pool.active[d.name] {
		d.pool.mu.Unlock()
		panic("rename of dataset with active workon: " + d.name)
	}
	d.pool.mu.Unlock()

	log.Infof(ctx, "storage: renaming dataset %q to %q", d.name, newName)
	newDataPath := filepath.Join(d.pool.root, "data", newName)
	if err := d.pool.eng.rename(d.name, newName, newDataPath); err != nil {
		return xerrors.Errorf("cannot rename %q to %q: %w", d.name, newName, err)
	}
	d.name = newName
	return nil
}

// SnapshotCreate takes an immutable point-in-time snapshot and returns its name.
func (d *Dataset) SnapshotCreate(ctx context.Context, name string) (string, error) {
	log.Infof(ctx, "storage: snapshotting %q as %q", d.name, name)
	if err := d.pool.eng.snapshotCreate(d.name, name); err != nil {
		return "", xerrors.Errorf("cannot snapshot %q: %w", d.name, err)
	}
	return name, nil
}

// SnapshotDelete removes the named snapshot.
func (d *Dataset) SnapshotDelete(ctx context.Context, name string) error {
	log.Infof(ctx, "storage: deleting snapshot %q@%s", d.name, name)
	if err := d.pool.eng.snapshotDelete(d.name, name); err != nil {
		return xerrors.Errorf("cannot delete snapshot %q of %q: %w", name, d.name, err)
	}
	return nil
}

// SnapshotList returns snapshot names sorted by creation time.
func (d *Dataset) SnapshotList(ctx context.Context) ([]string, error) {
	names, err := d.pool.eng.snapshotList(d.name)
	if err != nil {
		return nil, xerrors.Errorf("cannot list snapshots of %q: %w", d.name, err)
	}
	return names, nil
}

// UsedSize returns the bytes used by the dataset including snapshots.
func (d *Dataset) UsedSize() (int64, error) {
	return d.pool.eng.usedSize(d.name)
}

// ReferencedSize returns the bytes referenced by the live data.
func (d *Dataset) ReferencedSize() (int64, error) {
	return d.pool.eng.referencedSize(d.name)
}
