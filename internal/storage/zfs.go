package storage

import (
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// zfsEngine drives a zfs pool through the zfs command line.
type zfsEngine struct {
	zpool  string
	binary string
	run    *cmdRunner
}

func newZFSEngine(zpool, binary, sudo string) *zfsEngine {
	if binary == "" {
		binary = "/sbin/zfs"
	}
	return &zfsEngine{
		zpool:  zpool,
		binary: binary,
		run:    &cmdRunner{sudo: sudo},
	}
}

func (z *zfsEngine) fullName(name string) string {
	return z.zpool + "/" + name
}

// wrapNotFound converts the zfs CLI "does not exist" failure into the typed
// ErrDatasetNotFound so callers can treat missing datasets as empty.
func wrapNotFound(err error) error {
	var cmdErr *CommandError
	if xerrors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "does not exist") {
		return xerrors.Errorf("%s: %w", cmdErr.Stderr, ErrDatasetNotFound)
	}
	return err
}

func (z *zfsEngine) exists(name string) (bool, error) {
	_, err := z.run.run(z.binary, "list", "-H", "-o", "name", z.fullName(name))
	if err != nil {
		if err = wrapNotFound(err); xerrors.Is(err, ErrDatasetNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (z *zfsEngine) ensureExists(name, dataPath string) error {
	exists, err := z.exists(name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = z.run.run(z.binary, "create", "-o", "mountpoint="+dataPath, z.fullName(name))
	return err
}

func (z *zfsEngine) mounted(name string) (bool, error) {
	out, err := z.run.run(z.binary, "get", "-H", "-o", "value", "mounted", z.fullName(name))
	if err != nil {
		return false, wrapNotFound(err)
	}
	return strings.TrimSpace(out) == "yes", nil
}

func (z *zfsEngine) mount(name, dataPath string) error {
	mounted, err := z.mounted(name)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	_, err = z.run.run(z.binary, "mount", z.fullName(name))
	return err
}

func (z *zfsEngine) unmount(name string) error {
	_, err := z.run.run(z.binary, "umount", z.fullName(name))
	var cmdErr *CommandError
	if xerrors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "not currently mounted") {
		return nil
	}
	return err
}

func (z *zfsEngine) rename(oldName, newName, newDataPath string) error {
	if _, err := z.run.run(z.binary, "rename", z.fullName(oldName), z.fullName(newName)); err != nil {
		return wrapNotFound(err)
	}
	_, err := z.run.run(z.binary, "set", "mountpoint="+newDataPath, z.fullName(newName))
	return err
}

func (z *zfsEngine) snapshotCreate(name, snapName string) error {
	_, err := z.run.run(z.binary, "snapshot", z.fullName(name)+"@"+snapName)
	return wrapNotFound(err)
}

func (z *zfsEngine) snapshotDelete(name, snapName string) error {
	_, err := z.run.run(z.binary, "destroy", z.fullName(name)+"@"+snapName)
	return wrapNotFound(err)
}

func (z *zfsEngine) snapshotList(name string) ([]string, error) {
	out, err := z.run.run(z.binary,
		"list", "-H", "-d", "1", "-t", "snapshot", "-o", "name", "-s", "creation",
		z.fullName(name))
	if err != nil {
		return nil, wrapNotFound(err)
	}

	prefix := z.fullName(name) + "@"
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(line, prefix))
	}
	return names, nil
}

func (z *zfsEngine) snapshotPath(name, snapName, dataPath string) string {
	return filepath.Join(dataPath, ".zfs", "snapshot", snapName)
}

func (z *zfsEngine) property(name, prop string) (int64, error) {
	out, err := z.run.run(z.binary, "get", "-H", "-p", "-o", "value", prop, z.fullName(name))
	if err != nil {
		return 0, wrapNotFound(err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("unexpected %s value %q for %q: %v", prop, out, name, err)
	}
	return v, nil
}

func (z *zfsEngine) usedSize(name string) (int64, error) {
	return z.property(name, "used")
}

func (z *zfsEngine) referencedSize(name string) (int64, error) {
	return z.property(name, "referenced")
}

func (z *zfsEngine) listDatasets() ([]string, error) {
	out, err := z.run.run(z.binary, "list", "-H", "-r", "-d", "1", "-o", "name", z.zpool)
	if err != nil {
		return nil, wrapNotFound(err)
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == z.zpool {
			continue
		}
		names = append(names, strings.TrimPrefix(line, z.zpool+"/"))
	}
	return names, nil
}
