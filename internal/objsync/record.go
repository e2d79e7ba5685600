package objsync

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// mtime layouts: emitted with fixed microseconds, parsed leniently.
const (
	mtimeEmitLayout  = "2006-01-02T15:04:05.000000"
	mtimeParseLayout = "2006-01-02T15:04:05.999999"
)

// Record is one line of a sorted object listing. Path holds the remote
// object name; local placement goes through path translation.
type Record struct {
	Container string
	Path      string
	ModTime   time.Time // UTC, microsecond resolution
	Size      int64
}

// Compare orders records by the (container, path) sort key.
func (r Record) Compare(other Record) int {
	if c := strings.Compare(r.Container, other.Container); c != 0 {
		return c
	}
	return strings.Compare(r.Path, other.Path)
}

// SameContent reports whether both records describe the same object
// version.
func (r Record) SameContent(other Record) bool {
	return r.Size == other.Size && r.ModTime.Equal(other.ModTime)
}

// Line renders the record in list file form, with "|" in the path
// doubled.
func (r Record) Line() string {
	var b strings.Builder
	if r.Container != "" {
		b.WriteString(r.Container)
		b.WriteByte('|')
	}
	b.WriteString(strings.ReplaceAll(r.Path, "|", "||"))
	b.WriteByte('|')
	b.WriteString(r.ModTime.UTC().Format(mtimeEmitLayout))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(r.Size, 10))
	return b.String()
}

// splitFields tokenizes a list line on unescaped "|"; "||" is a literal
// pipe.
func splitFields(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '|' {
			if i+1 < len(line) && line[i+1] == '|' {
				cur.WriteByte('|')
				i++
				continue
			}
			fields = append(fields, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(fields, cur.String())
}

// ParseRecord parses one list line. Three fields mean no container.
func ParseRecord(line string) (Record, error) {
	fields := splitFields(line)

	var r Record
	switch len(fields) {
	case 3:
		r.Path = fields[0]
	case 4:
		r.Container = fields[0]
		r.Path = fields[1]
	default:
		return Record{}, xerrors.Errorf("malformed list line %q: %d field(s)", line, len(fields))
	}
	if r.Path == "" {
		return Record{}, xerrors.Errorf("malformed list line %q: empty path", line)
	}

	t, err := time.ParseInLocation(mtimeParseLayout, fields[len(fields)-2], time.UTC)
	if err != nil {
		return Record{}, xerrors.Errorf("malformed list line %q: %v", line, err)
	}
	r.ModTime = t

	size, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil || size < 0 {
		return Record{}, xerrors.Errorf("malformed list line %q: bad size", line)
	}
	r.Size = size
	return r, nil
}
