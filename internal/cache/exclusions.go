package cache

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ExclusionList names the models whose responses bypass the cache even on
// the cached version. A rule is either an exact model name or a Go regular
// expression. The nil list excludes nothing.
type ExclusionList struct {
	exact map[string]struct{}
	// pattern is every regexp rule joined into one alternation.
	pattern *regexp.Regexp
	rules   int
}

// NewExclusionList compiles the rules. Blank entries are ignored; an invalid
// pattern fails so misconfiguration surfaces at startup.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

	for _, name := range exact {
		if name = strings.TrimSpace(name); name != "" {
			el.exact[name] = struct{}{}
		}
	}
	el.rules = len(el.exact)

	var alts []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		alts = append(alts, "(?:"+p+")")
	}
	if len(alts) > 0 {
		el.pattern = regexp.MustCompile(strings.Join(alts, "|"))
		el.rules += len(alts)
	}

	return el, nil
}

// Matches reports whether model is excluded. A request without a model is
// never excluded.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil || model == "" {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	return el.pattern != nil && el.pattern.MatchString(model)
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return el.rules
}

// ExactNames returns the exact-match rules, sorted.
func (el *ExclusionList) ExactNames() []string {
	if el == nil {
		return nil
	}
	names := make([]string, 0, len(el.exact))
	for n := range el.exact {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
