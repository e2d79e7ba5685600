package storage

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/xerrors"
)

// dummyEngine keeps its snapshot list in memory over a plain directory
// tree. It backs tests and pools declared as scratch: snapshots are names
// only, no data is frozen.
type dummyEngine struct {
	root string

	mu        sync.Mutex
	snapshots map[string][]string // dataset name -> snapshot names, creation order
}

func newDummyEngine(root string) *dummyEngine {
	return &dummyEngine{
		root:      root,
		snapshots: make(map[string][]string),
	}
}

func (e *dummyEngine) dataPath(name string) string {
	return filepath.Join(e.root, "data", name)
}

func (e *dummyEngine) ensureExists(name, dataPath string) error {
	return os.MkdirAll(dataPath, 0o755)
}

func (e *dummyEngine) mount(name, dataPath string) error {
	if _, err := os.Stat(dataPath); err != nil {
		if os.IsNotExist(err) {
			return xerrors.Errorf("%q: %w", name, ErrDatasetNotFound)
		}
		return err
	}
	return nil
}

func (e *dummyEngine) unmount(name string) error { return nil }

func (e *dummyEngine) rename(oldName, newName, newDataPath string) error {
	if err := os.MkdirAll(filepath.Dir(newDataPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(e.dataPath(oldName), newDataPath); err != nil {
		if os.IsNotExist(err) {
			return xerrors.Errorf("%q: %w", oldName, ErrDatasetNotFound)
		}
		return err
	}
	e.mu.Lock()
	e.snapshots[newName] = e.snapshots[oldName]
	delete(e.snapshots, oldName)
	e.mu.Unlock()
	return nil
}

func (e *dummyEngine) snapshotCreate(name, snapName string) error {
	if _, err := os.Stat(e.dataPath(name)); err != nil {
		return xerrors.Errorf("%q: %w", name, ErrDatasetNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.snapshots[name] {
		if s == snapName {
			return xerrors.Errorf("snapshot %q@%s already exists", name, snapName)
		}
	}
	e.snapshots[name] = append(e.snapshots[name], snapName)
	return os.MkdirAll(e.snapshotPath(name, snapName, e.dataPath(name)), 0o755)
}

func (e *dummyEngine) snapshotDelete(name, snapName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	snaps := e.snapshots[name]
	for i, s := range snaps {
		if s == snapName {
			e.snapshots[name] = append(snaps[:i:i], snaps[i+1:]...)
			return os.RemoveAll(e.snapshotPath(name, snapName, e.dataPath(name)))
		}
	}
	return xerrors.Errorf("snapshot %q@%s: %w", name, snapName, ErrDatasetNotFound)
}

func (e *dummyEngine) snapshotList(name string) ([]string, error) {
	if _, err := os.Stat(e.dataPath(name)); err != nil {
		return nil, xerrors.Errorf("%q: %w", name, ErrDatasetNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.snapshots[name]...), nil
}

func (e *dummyEngine) snapshotPath(name, snapName, dataPath string) string {
	return filepath.Join(e.root, "snapshots", name, snapName)
}

func (e *dummyEngine) usedSize(name string) (int64, error) {
	total, err := e.treeSize(e.dataPath(name))
	if err != nil {
		return 0, err
	}
	// Snapshots charge the dataset, as the zfs used property does.
	if snaps, err := e.treeSize(filepath.Join(e.root, "snapshots", name)); err == nil {
		total += snaps
	}
	return total, nil
}

func (e *dummyEngine) referencedSize(name string) (int64, error) {
	return e.treeSize(e.dataPath(name))
}

func (e *dummyEngine) treeSize(root string) (int64, error) {
	if _, err := os.Stat(root); err != nil {
		return 0, xerrors.Errorf("%q: %w", root, ErrDatasetNotFound)
	}
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (e *dummyEngine) listDatasets() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.root, "data"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
