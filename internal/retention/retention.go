/*

Package retention prunes retention-managed snapshots by time bucket.

Only names of the form planb-YYYYMMDDThhmmZ are considered; anything else
(archive snapshots) is never touched. The newest automatic snapshot is
always retained, so a dataset never loses its last planb snapshot.

*/
package retention

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/config"
	"github.com/ossobv/planbd/internal/log"
	"github.com/ossobv/planbd/internal/storage"
)

// Policy maps a bucket unit letter (h, d, w, m, y) to the number of
// snapshots to keep for that bucket.
type Policy map[byte]int

// unitOrder fixes iteration order; the result is order independent but the
// log output should not flap.
var unitOrder = []byte{'h', 'd', 'w', 'm', 'y'}

var unitSeconds = map[byte]time.Duration{
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'm': 31 * 24 * time.Hour,
	'y': 366 * 24 * time.Hour,
}

var tokenRe = regexp.MustCompile(`^([0-9]+)([hdwmy])$`)

// ParsePolicy parses a comma-separated retention string like "16d,4w,12m,2y".
// An empty string yields an empty policy (only the newest snapshot is kept).
func ParsePolicy(s string) (Policy, error) {
	pol := make(Policy)
	if strings.TrimSpace(s) == "" {
		return pol, nil
	}
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		m := tokenRe.FindStringSubmatch(token)
		if m == nil {
			return nil, xerrors.Errorf("invalid retention token %q", token)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return nil, xerrors.Errorf("invalid retention count in %q", token)
		}
		unit := m[2][0]
		if _, ok := pol[unit]; ok {
			return nil, xerrors.Errorf("duplicate retention unit %q", string(unit))
		}
		pol[unit] = n
	}
	return pol, nil
}

// String renders the policy back to its configuration form.
func (p Policy) String() string {
	var tokens []string
	for _, u := range unitOrder {
		if n, ok := p[u]; ok {
			tokens = append(tokens, strconv.Itoa(n)+string(u))
		}
	}
	return strings.Join(tokens, ",")
}

var autoNameRe = regexp.MustCompile(`^planb-[0-9]{8}T[0-9]{4}Z$`)

// ParseSnapshotTime extracts the UTC timestamp of a retention-managed
// snapshot name. ok is false for archive (or malformed) names.
func ParseSnapshotTime(name string) (t time.Time, ok bool) {
	if !autoNameRe.MatchString(name) {
		return time.Time{}, false
	}
	t, err := time.Parse(config.SnapshotTimeFormat, strings.TrimPrefix(name, config.SnapshotPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SnapshotName formats the retention-managed name for the given time.
func SnapshotName(t time.Time) string {
	return config.SnapshotPrefix + t.UTC().Format(config.SnapshotTimeFormat)
}

// weekNumber is the Sunday-anchored week of year (days before the first
// Sunday are week 0).
func weekNumber(t time.Time) int {
	return (t.YearDay() + 7 - int(t.Weekday())) / 7
}

// periodLabel is the unqualified bucket label: two snapshots are in the
// same bucket window when their labels match and they are less than one
// unit apart.
func periodLabel(unit byte, t time.Time) int {
	switch unit {
	case 'h':
		return t.Hour()
	case 'd':
		return t.Day()
	case 'w':
		return weekNumber(t)
	case 'm':
		return int(t.Month())
	default: // 'y'
		return t.Year()
	}
}

type autoSnapshot struct {
	name string
	t    time.Time
}

// Select decides which retention-managed snapshots to delete. The input
// may be in any order; deletions come back newest first. Names outside the
// planb- namespace are ignored entirely.
//
// Per bucket unit the oldest snapshot of each period window is retained,
// walking windows from newest to oldest until the unit's count is
// exhausted. The newest automatic snapshot is always retained and charged
// to no bucket.
func Select(snapshots []string, pol Policy) (deleted []string) {
	var autos []autoSnapshot
	for _, name := range snapshots {
		if t, ok := ParseSnapshotTime(name); ok {
			autos = append(autos, autoSnapshot{name: name, t: t})
		}
	}
	sort.Slice(autos, func(i, j int) bool { return autos[i].t.After(autos[j].t) })

	kept := make(map[string]bool, len(autos))
	if len(autos) > 0 {
		kept[autos[0].name] = true
	}

	for _, unit := range unitOrder {
		count, want := 0, pol[unit]
		for i := 1; i < len(autos) && count < want; i++ {
			// A snapshot is the oldest of its window when the next older
			// one carries a different label or is more than a unit away.
			advanced := true
			if i+1 < len(autos) {
				next := autos[i+1]
				advanced = periodLabel(unit, autos[i].t) != periodLabel(unit, next.t) ||
					autos[i].t.Sub(next.t) > unitSeconds[unit]
			}
			if advanced {
				kept[autos[i].name] = true
				count++
			}
		}
	}

	for _, s := range autos {
		if !kept[s.name] {
			deleted = append(deleted, s.name)
		}
	}
	return deleted
}

// Apply lists the dataset's snapshots, selects per policy and deletes. A
// missing dataset counts as empty. Returns the deleted names in deletion
// order.
func Apply(ctx context.Context, ds *storage.Dataset, pol Policy) ([]string, error) {
	snapshots, err := ds.SnapshotList(ctx)
	if err != nil {
		if xerrors.Is(err, storage.ErrDatasetNotFound) {
			return nil, nil
		}
		return nil, err
	}

	doomed := Select(snapshots, pol)
	var deleted []string
	for _, name := range doomed {
		if err := ds.SnapshotDelete(ctx, name); err != nil {
			return deleted, xerrors.Errorf("pruning %q stopped at %q: %w", ds.Name(), name, err)
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		log.Infof(ctx, "retention: pruned %d snapshot(s) from %q", len(deleted), ds.Name())
	}
	return deleted, nil
}
