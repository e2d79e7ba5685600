package scheduler

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// ParseBlacklistHours parses a comma-separated hour spec like "9-17,22"
// into the set of local hours during which backups must not start.
// Ranges are inclusive on both ends.
func ParseBlacklistHours(spec string) (map[int]bool, error) {
	hours := make(map[int]bool)
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return hours, nil
	}

	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		first, last := token, token
		if i := strings.IndexByte(token, '-'); i >= 0 {
			first, last = token[:i], token[i+1:]
		}
		lo, err := parseHour(first)
		if err != nil {
			return nil, xerrors.Errorf("invalid blacklist hours %q: %v", spec, err)
		}
		hi, err := parseHour(last)
		if err != nil {
			return nil, xerrors.Errorf("invalid blacklist hours %q: %v", spec, err)
		}
		if hi < lo {
			return nil, xerrors.Errorf("invalid blacklist hours %q: range %s is reversed", spec, token)
		}
		for h := lo; h <= hi; h++ {
			hours[h] = true
		}
	}
	return hours, nil
}

func parseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, xerrors.Errorf("%q is not an hour", s)
	}
	if h < 0 || h > 23 {
		return 0, xerrors.Errorf("hour %d out of range", h)
	}
	return h, nil
}

// InBlacklistHours reports whether now's local hour falls in the most
// specific non-empty spec: fileset wins over group, group over global.
func InBlacklistHours(now time.Time, filesetSpec, groupSpec, globalSpec string) (bool, error) {
	spec := globalSpec
	if strings.TrimSpace(groupSpec) != "" {
		spec = groupSpec
	}
	if strings.TrimSpace(filesetSpec) != "" {
		spec = filesetSpec
	}

	hours, err := ParseBlacklistHours(spec)
	if err != nil {
		return false, err
	}
	return hours[now.Local().Hour()], nil
}
