package objsync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/log"
)

const (
	// newReuseWindow: a completed remote listing younger than this is
	// resumed instead of rebuilt.
	newReuseWindow = 18 * time.Hour
	// chunkSize is the streaming download granularity; the abort flag is
	// checked between chunks.
	chunkSize = 16 << 20
	// transientGraceWall: runs longer than this may exit zero on
	// transient-only failures, the next run heals.
	transientGraceWall = 30 * time.Minute
)

// Stats summarizes one sync run.
type Stats struct {
	Listed    int
	Added     int
	Deleted   int
	Touched   int
	Transient int
	Hard      int
	Wall      time.Duration
}

func (s *Stats) add(other Stats) {
	s.Added += other.Added
	s.Deleted += other.Deleted
	s.Touched += other.Touched
	s.Transient += other.Transient
	s.Hard += other.Hard
}

// ExitCode maps the outcome to the process exit status. Hard failures
// always fail; transient-only failures fail unless the run was long
// enough that the next scheduled run is the cheaper fix.
func (s *Stats) ExitCode() int {
	if s.Hard > 0 {
		return 1
	}
	if s.Transient > 0 && s.Wall < transientGraceWall {
		return 1
	}
	return 0
}

// failure is a classified per-object error.
type failure struct {
	transient bool
	err       error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func transientErr(format string, args ...interface{}) error {
	return &failure{transient: true, err: xerrors.Errorf(format, args...)}
}

func hardErr(format string, args ...interface{}) error {
	return &failure{transient: false, err: xerrors.Errorf(format, args...)}
}

// isTransient classifies an error; aborts count as transient.
func isTransient(err error) bool {
	if xerrors.Is(err, ErrAborted) {
		return true
	}
	var f *failure
	if xerrors.As(err, &f) {
		return f.transient
	}
	return false
}

// Syncer drives one mirror target (one configuration section).
type Syncer struct {
	cfg   *Config
	store ObjectStore
	abort *Abort
}

// NewSyncer builds the engine. abort may be shared with other syncers.
func NewSyncer(cfg *Config, store ObjectStore, abort *Abort) *Syncer {
	if abort == nil {
		abort = NewAbort()
	}
	return &Syncer{cfg: cfg, store: store, abort: abort}
}

func (s *Syncer) metaPath(ext string) string {
	return filepath.Join(s.cfg.BaseDir, "planb-objsync."+ext)
}

// localPath maps a record to its place in the mirror tree, applying
// path translation.
func (s *Syncer) localPath(rec Record) string {
	translated := filepath.FromSlash(s.cfg.TranslatePath(rec.Container, rec.Path))
	if rec.Container == "" {
		return filepath.Join(s.cfg.BaseDir, translated)
	}
	return filepath.Join(s.cfg.BaseDir, rec.Container, translated)
}

// Run performs one full sync cycle. containers overrides the configured
// list; all asks the store for every container it can see.
func (s *Syncer) Run(ctx context.Context, containers []string, all bool) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}
	defer func() { stats.Wall = time.Since(start) }()

	switch {
	case all:
		var err error
		if containers, err = s.store.ListContainers(ctx); err != nil {
			return stats, err
		}
	case len(containers) == 0:
		containers = s.cfg.Containers
	}
	if len(containers) == 0 {
		return stats, xerrors.Errorf("section %q: no containers to sync", s.cfg.Section)
	}
	sort.Strings(containers)

	if err := os.MkdirAll(s.cfg.BaseDir, 0o700); err != nil {
		return stats, xerrors.Errorf("cannot create %q: %v", s.cfg.BaseDir, err)
	}
	unlock, err := s.acquireLock()
	if err != nil {
		return stats, err
	}
	defer unlock()

	if err := s.buildListing(ctx, containers, stats); err != nil {
		return stats, err
	}
	if err := s.diff(); err != nil {
		return stats, err
	}
	if err := s.deletePhase(ctx, stats); err != nil {
		return stats, err
	}
	if err := s.addPhase(ctx, stats); err != nil {
		return stats, err
	}
	if err := s.utimePhase(ctx, stats); err != nil {
		return stats, err
	}

	if s.abort.Aborted() {
		// Keep the work lists so the next run resumes cheaply.
		stats.Transient++
		return stats, ErrAborted
	}
	for _, ext := range []string{"new", "add", "del", "utime"} {
		os.Remove(s.metaPath(ext))
	}
	log.Infof(ctx, "objsync %s: %d listed, %d added, %d deleted, %d touched, %d transient, %d hard",
		s.cfg.Section, stats.Listed, stats.Added, stats.Deleted, stats.Touched, stats.Transient, stats.Hard)
	return stats, nil
}

// acquireLock takes the exclusive run lock. A leftover lock means a
// crashed or still-active run and requires operator attention.
func (s *Syncer) acquireLock() (func(), error) {
	path := s.metaPath("lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, xerrors.Errorf(
				"lock file %q exists: another objsync is running, or crashed and the file must be removed manually", path)
		}
		return nil, xerrors.Errorf("cannot create lock %q: %v", path, err)
	}
	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	f.Close()
	return func() { os.Remove(path) }, nil
}

// buildListing writes the remote state to the .new list, or reuses a
// recent one (resumable runs).
func (s *Syncer) buildListing(ctx context.Context, containers []string, stats *Stats) error {
	newPath := s.metaPath("new")
	if fi, err := os.Stat(newPath); err == nil && time.Since(fi.ModTime()) < newReuseWindow {
		log.Infof(ctx, "objsync %s: reusing listing from %s", s.cfg.Section, fi.ModTime().Format(time.RFC3339))
		n, err := CountList(newPath)
		if err != nil {
			return err
		}
		stats.Listed = n
		return nil
	}

	w, err := CreateList(newPath)
	if err != nil {
		return err
	}
	for _, container := range containers {
		err := s.store.List(ctx, container, func(oi ObjectInfo) error {
			if s.abort.Aborted() {
				return ErrAborted
			}
			if s.cfg.Excluded(container, oi.Key) {
				return nil
			}
			size := oi.Size
			if size == 0 {
				// Segmented large objects list with zero size; the HEAD
				// carries the concatenated size.
				st, err := s.store.Stat(ctx, container, oi.Key)
				if err != nil {
					return err
				}
				size = st.Size
			}
			stats.Listed++
			return w.Write(Record{
				Container: container,
				Path:      oi.Key,
				ModTime:   oi.ModTime.UTC().Truncate(time.Microsecond),
				Size:      size,
			})
		})
		if err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

// diff comm-merges .cur against .new into the .del, .add and .utime
// work lists.
func (s *Syncer) diff() (err error) {
	cur, err := OpenList(s.metaPath("cur"))
	if err != nil {
		return err
	}
	defer cur.Close()
	remote, err := OpenList(s.metaPath("new"))
	if err != nil {
		return err
	}
	defer remote.Close()

	del, err := CreateList(s.metaPath("del"))
	if err != nil {
		return err
	}
	add, err := CreateList(s.metaPath("add"))
	if err != nil {
		del.Abort()
		return err
	}
	utime, err := CreateList(s.metaPath("utime"))
	if err != nil {
		del.Abort()
		add.Abort()
		return err
	}
	abortAll := func() {
		del.Abort()
		add.Abort()
		utime.Abort()
	}

	err = Comm(cur, remote, CommEvents{
		LeftOnly:  del.Write,
		RightOnly: add.Write,
		SizeDiff: func(l, r Record) error {
			if err := del.Write(l); err != nil {
				return err
			}
			return add.Write(r)
		},
		TimeDiff: func(l, r Record) error { return utime.Write(r) },
	})
	if err != nil {
		abortAll()
		return err
	}

	for _, w := range []*ListWriter{del, add, utime} {
		if err := w.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// deletePhase unlinks vanished objects and subtracts the successes from
// .cur.
func (s *Syncer) deletePhase(ctx context.Context, stats *Stats) error {
	r, err := OpenList(s.metaPath("del"))
	if err != nil {
		return err
	}
	defer r.Close()

	okPath := s.metaPath("del.ok")
	okW, err := CreateList(okPath)
	if err != nil {
		return err
	}

	for !s.abort.Aborted() {
		rec, more, err := r.Next()
		if err != nil {
			okW.Abort()
			return err
		}
		if !more {
			break
		}
		if err := os.Remove(s.localPath(rec)); err != nil && !os.IsNotExist(err) {
			log.Errorf(ctx, "objsync %s: cannot delete %q: %v", s.cfg.Section, rec.Path, err)
			stats.Hard++
			continue
		}
		if err := okW.Write(rec); err != nil {
			okW.Abort()
			return err
		}
		stats.Deleted++
	}

	if err := okW.Commit(); err != nil {
		return err
	}
	if err := MergeSubtract(s.metaPath("cur"), okPath); err != nil {
		return err
	}
	return os.Remove(okPath)
}

// addPhase downloads new objects with stable index striping over N
// workers, then folds the per-worker success lists into .cur.
func (s *Syncer) addPhase(ctx context.Context, stats *Stats) error {
	records, err := readAll(s.metaPath("add"))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	workers := s.cfg.Workers
	if workers > len(records) {
		workers = len(records)
	}

	okPaths := make([]string, workers)
	partials := make([]Stats, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		okPaths[i] = s.metaPath("add.ok." + strconv.Itoa(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var successes []Record
			// Striding a sorted input keeps each success list sorted.
			for idx := i; idx < len(records); idx += workers {
				if s.abort.Aborted() {
					break
				}
				rec := records[idx]
				if err := s.fetch(ctx, rec); err != nil {
					log.Errorf(ctx, "objsync %s: %s/%s: %v", s.cfg.Section, rec.Container, rec.Path, err)
					if isTransient(err) {
						partials[i].Transient++
					} else {
						partials[i].Hard++
					}
					continue
				}
				successes = append(successes, rec)
				partials[i].Added++
			}
			if err := WriteSortedList(okPaths[i], successes); err != nil {
				log.Errorf(ctx, "objsync %s: %v", s.cfg.Section, err)
				partials[i].Hard++
			}
		}()
	}
	wg.Wait()
	for _, p := range partials {
		stats.add(p)
	}

	merged, err := mergePairwise(okPaths)
	if err != nil {
		return err
	}
	if err := MergeUnion(s.metaPath("cur"), merged); err != nil {
		return err
	}
	return os.Remove(merged)
}

// fetch downloads one object to its translated local path, verifying
// checksum and size, and stamps the record mtime on the file.
func (s *Syncer) fetch(ctx context.Context, rec Record) error {
	local := s.localPath(rec)
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return hardErr("cannot create %q: %v", filepath.Dir(local), err)
	}

	rc, info, err := s.store.Get(ctx, rec.Container, rec.Path)
	if err != nil {
		return transientErr("%v", err)
	}
	defer rc.Close()

	f, err := os.OpenFile(local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return hardErr("cannot create %q: %v", local, err)
	}

	hash := md5.New()
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if s.abort.Aborted() {
			f.Close()
			return ErrAborted
		}
		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return hardErr("cannot write %q: %v", local, werr)
			}
			hash.Write(buf[:n])
			written += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return transientErr("download of %q interrupted: %v", rec.Path, err)
		}
	}
	if err := f.Close(); err != nil {
		return hardErr("cannot write %q: %v", local, err)
	}

	if written != rec.Size {
		return s.classifySizeMismatch(ctx, rec, written)
	}
	if IsPlainMD5ETag(info.ETag) {
		if sum := hex.EncodeToString(hash.Sum(nil)); sum != NormalizeETag(info.ETag) {
			return transientErr("checksum mismatch on %q: got %s, want %s", rec.Path, sum, info.ETag)
		}
	}

	if err := os.Chtimes(local, rec.ModTime, rec.ModTime); err != nil {
		return hardErr("cannot set mtime of %q: %v", local, err)
	}
	return nil
}

// classifySizeMismatch decides whether a short or long download is the
// remote object mutating mid-run (transient) or a lasting inconsistency
// (hard).
func (s *Syncer) classifySizeMismatch(ctx context.Context, rec Record, written int64) error {
	head, err := s.store.Stat(ctx, rec.Container, rec.Path)
	if err != nil {
		return transientErr("size mismatch on %q and %v", rec.Path, err)
	}
	if head.ModTime.UTC().Truncate(time.Microsecond).Equal(rec.ModTime) {
		return hardErr("permanent size mismatch on %q: wrote %d, listed %d", rec.Path, written, rec.Size)
	}
	return transientErr("object %q changed during the run", rec.Path)
}

// utimePhase reconciles records whose mtime changed but size did not: a
// matching checksum means only the local mtime moves, otherwise the file
// is re-fetched.
func (s *Syncer) utimePhase(ctx context.Context, stats *Stats) error {
	records, err := readAll(s.metaPath("utime"))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	okPath := s.metaPath("utime.ok")
	var successes []Record
	for _, rec := range records {
		if s.abort.Aborted() {
			break
		}
		if err := s.touchOrRefetch(ctx, rec, stats); err != nil {
			log.Errorf(ctx, "objsync %s: %s/%s: %v", s.cfg.Section, rec.Container, rec.Path, err)
			if isTransient(err) {
				stats.Transient++
			} else {
				stats.Hard++
			}
			continue
		}
		successes = append(successes, rec)
	}

	if err := WriteSortedList(okPath, successes); err != nil {
		return err
	}
	if err := MergeUnion(s.metaPath("cur"), okPath); err != nil {
		return err
	}
	return os.Remove(okPath)
}

func (s *Syncer) touchOrRefetch(ctx context.Context, rec Record, stats *Stats) error {
	head, err := s.store.Stat(ctx, rec.Container, rec.Path)
	if err != nil {
		return transientErr("%v", err)
	}

	local := s.localPath(rec)
	if IsPlainMD5ETag(head.ETag) {
		sum, err := fileMD5(local)
		if err == nil && sum == NormalizeETag(head.ETag) {
			if err := os.Chtimes(local, rec.ModTime, rec.ModTime); err != nil {
				return hardErr("cannot set mtime of %q: %v", local, err)
			}
			stats.Touched++
			return nil
		}
	}

	if err := s.fetch(ctx, rec); err != nil {
		return err
	}
	stats.Added++
	return nil
}

func fileMD5(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// readAll loads a full list file.
func readAll(name string) ([]Record, error) {
	r, err := OpenList(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var records []Record
	for {
		rec, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return records, nil
		}
		records = append(records, rec)
	}
}

// mergePairwise folds the sorted lists into one by repeated two-way
// merges, returning the final file name.
func mergePairwise(names []string) (string, error) {
	for len(names) > 1 {
		var next []string
		for i := 0; i+1 < len(names); i += 2 {
			out := names[i] + ".m"
			if err := mergeFiles(names[i], names[i+1], out, false); err != nil {
				return "", err
			}
			os.Remove(names[i])
			os.Remove(names[i+1])
			next = append(next, out)
		}
		if len(names)%2 == 1 {
			next = append(next, names[len(names)-1])
		}
		names = next
	}
	return names[0], nil
}
