package objsync

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"
)

// ExcludeRule drops matching remote paths from the listing. Container
// "*" applies to every container.
type ExcludeRule struct {
	Container string
	Pattern   *regexp.Regexp
}

// ParseExcludeRule parses "container|regex".
func ParseExcludeRule(s string) (ExcludeRule, error) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ExcludeRule{}, xerrors.Errorf("invalid exclude rule %q: want container|regex", s)
	}
	re, err := regexp.Compile(parts[1])
	if err != nil {
		return ExcludeRule{}, xerrors.Errorf("invalid exclude rule %q: %v", s, err)
	}
	return ExcludeRule{Container: parts[0], Pattern: re}, nil
}

// TranslateRule rewrites a remote path to its local form. Rules apply
// after exclusion; the first rule whose pattern matches wins.
type TranslateRule struct {
	Container   string
	Pattern     *regexp.Regexp
	Replacement string
}

// ParseTranslateRule parses "container|pattern|replacement".
func ParseTranslateRule(s string) (TranslateRule, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return TranslateRule{}, xerrors.Errorf("invalid translate rule %q: want container|pattern|replacement", s)
	}
	re, err := regexp.Compile(parts[1])
	if err != nil {
		return TranslateRule{}, xerrors.Errorf("invalid translate rule %q: %v", s, err)
	}
	return TranslateRule{Container: parts[0], Pattern: re, Replacement: parts[2]}, nil
}

func ruleApplies(ruleContainer, container string) bool {
	return ruleContainer == "*" || ruleContainer == container
}

// Excluded reports whether the remote path is filtered out of the
// listing.
func (c *Config) Excluded(container, path string) bool {
	for _, rule := range c.Excludes {
		if ruleApplies(rule.Container, container) && rule.Pattern.MatchString(path) {
			return true
		}
	}
	return false
}

// TranslatePath maps a remote path to its local relative form.
func (c *Config) TranslatePath(container, path string) string {
	for _, rule := range c.Translations {
		if ruleApplies(rule.Container, container) && rule.Pattern.MatchString(path) {
			return rule.Pattern.ReplaceAllString(path, rule.Replacement)
		}
	}
	return path
}
