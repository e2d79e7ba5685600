package objsync

import (
	"bufio"
	"os"
	"sort"

	"golang.org/x/xerrors"
)

// ListReader streams records from a sorted list file, enforcing the
// strictly-ascending invariant.
type ListReader struct {
	name    string
	f       *os.File
	scanner *bufio.Scanner
	last    *Record
	lineno  int
}

// OpenList opens a list file for sequential reading. A missing file
// reads as empty.
func OpenList(name string) (*ListReader, error) {
	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return &ListReader{name: name}, nil
		}
		return nil, xerrors.Errorf("cannot open list %q: %v", name, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &ListReader{name: name, f: f, scanner: scanner}, nil
}

// Next returns the next record; ok is false at end of file.
func (r *ListReader) Next() (rec Record, ok bool, err error) {
	if r.scanner == nil {
		return Record{}, false, nil
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Record{}, false, xerrors.Errorf("cannot read list %q: %v", r.name, err)
		}
		return Record{}, false, nil
	}
	r.lineno++

	rec, err = ParseRecord(r.scanner.Text())
	if err != nil {
		return Record{}, false, xerrors.Errorf("%s:%d: %v", r.name, r.lineno, err)
	}
	if r.last != nil && r.last.Compare(rec) >= 0 {
		return Record{}, false, xerrors.Errorf("%s:%d: list not strictly ascending at %q", r.name, r.lineno, rec.Path)
	}
	last := rec
	r.last = &last
	return rec, true, nil
}

// Close closes the underlying file.
func (r *ListReader) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// ListWriter writes a sorted list file through a temp name, renamed into
// place on Commit so readers never see a partial list.
type ListWriter struct {
	name string
	f    *os.File
	w    *bufio.Writer
	last *Record
}

// CreateList starts writing the list at name.
func CreateList(name string) (*ListWriter, error) {
	f, err := os.OpenFile(name+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, xerrors.Errorf("cannot create list %q: %v", name, err)
	}
	return &ListWriter{name: name, f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one record, which must sort after the previous one.
func (w *ListWriter) Write(rec Record) error {
	if w.last != nil && w.last.Compare(rec) >= 0 {
		return xerrors.Errorf("list %q: write out of order at %q", w.name, rec.Path)
	}
	last := rec
	w.last = &last
	if _, err := w.w.WriteString(rec.Line() + "\n"); err != nil {
		return xerrors.Errorf("cannot write list %q: %v", w.name, err)
	}
	return nil
}

// Commit flushes and moves the list into place.
func (w *ListWriter) Commit() error {
	if err := w.w.Flush(); err != nil {
		return xerrors.Errorf("cannot flush list %q: %v", w.name, err)
	}
	if err := w.f.Close(); err != nil {
		return xerrors.Errorf("cannot close list %q: %v", w.name, err)
	}
	if err := os.Rename(w.name+".tmp", w.name); err != nil {
		return xerrors.Errorf("cannot commit list %q: %v", w.name, err)
	}
	return nil
}

// Abort discards the partial list.
func (w *ListWriter) Abort() {
	w.f.Close()
	os.Remove(w.name + ".tmp")
}

// CommEvents receives the classified output of a linear merge of two
// sorted streams. Nil callbacks are skipped.
type CommEvents struct {
	// LeftOnly: the record exists only in the left stream.
	LeftOnly func(Record) error
	// RightOnly: the record exists only in the right stream.
	RightOnly func(Record) error
	// Identical: both sides carry the same version.
	Identical func(Record) error
	// SizeDiff: same key, different size.
	SizeDiff func(left, right Record) error
	// TimeDiff: same key and size, different mtime.
	TimeDiff func(left, right Record) error
}

// Comm merges two strictly-ascending streams in a single linear pass.
func Comm(left, right *ListReader, ev CommEvents) error {
	emit := func(fn func(Record) error, rec Record) error {
		if fn == nil {
			return nil
		}
		return fn(rec)
	}

	l, lok, err := left.Next()
	if err != nil {
		return err
	}
	r, rok, err := right.Next()
	if err != nil {
		return err
	}

	for lok && rok {
		switch c := l.Compare(r); {
		case c < 0:
			if err := emit(ev.LeftOnly, l); err != nil {
				return err
			}
			if l, lok, err = left.Next(); err != nil {
				return err
			}
		case c > 0:
			if err := emit(ev.RightOnly, r); err != nil {
				return err
			}
			if r, rok, err = right.Next(); err != nil {
				return err
			}
		default:
			switch {
			case l.SameContent(r):
				if err := emit(ev.Identical, l); err != nil {
					return err
				}
			case l.Size != r.Size:
				if ev.SizeDiff != nil {
					if err := ev.SizeDiff(l, r); err != nil {
						return err
					}
				}
			default:
				if ev.TimeDiff != nil {
					if err := ev.TimeDiff(l, r); err != nil {
						return err
					}
				}
			}
			if l, lok, err = left.Next(); err != nil {
				return err
			}
			if r, rok, err = right.Next(); err != nil {
				return err
			}
		}
	}
	for lok {
		if err := emit(ev.LeftOnly, l); err != nil {
			return err
		}
		if l, lok, err = left.Next(); err != nil {
			return err
		}
	}
	for rok {
		if err := emit(ev.RightOnly, r); err != nil {
			return err
		}
		if r, rok, err = right.Next(); err != nil {
			return err
		}
	}
	return nil
}

// mergeFiles rewrites base applying overlay: union when subtract is
// false (overlay versions replace base versions), difference when true
// (overlay keys are dropped from base).
func mergeFiles(baseName, overlayName, outName string, subtract bool) (err error) {
	base, err := OpenList(baseName)
	if err != nil {
		return err
	}
	defer base.Close()
	overlay, err := OpenList(overlayName)
	if err != nil {
		return err
	}
	defer overlay.Close()

	out, err := CreateList(outName)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Abort()
		}
	}()

	keep := func(rec Record) error { return out.Write(rec) }
	drop := func(Record) error { return nil }

	ev := CommEvents{LeftOnly: keep}
	if subtract {
		ev.RightOnly = drop
		ev.Identical = drop
		ev.SizeDiff = func(l, r Record) error { return nil }
		ev.TimeDiff = func(l, r Record) error { return nil }
	} else {
		ev.RightOnly = keep
		ev.Identical = keep
		ev.SizeDiff = func(l, r Record) error { return out.Write(r) }
		ev.TimeDiff = func(l, r Record) error { return out.Write(r) }
	}

	if err = Comm(base, overlay, ev); err != nil {
		return err
	}
	return out.Commit()
}

// MergeUnion folds overlay into base (overlay wins on equal keys).
func MergeUnion(baseName, overlayName string) error {
	return mergeFiles(baseName, overlayName, baseName, false)
}

// MergeSubtract removes overlay's keys from base.
func MergeSubtract(baseName, overlayName string) error {
	return mergeFiles(baseName, overlayName, baseName, true)
}

// WriteSortedList writes records (sorted in place) to name.
func WriteSortedList(name string, records []Record) error {
	sort.Slice(records, func(i, j int) bool { return records[i].Compare(records[j]) < 0 })
	w, err := CreateList(name)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}

// CountList returns the number of records in a list file.
func CountList(name string) (int, error) {
	r, err := OpenList(name)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	n := 0
	for {
		_, ok, err := r.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
	}
}
