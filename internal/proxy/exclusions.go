package proxy

import (
	"fmt"
	"regexp"
)

// ExclusionList decides which models are barred from the response cache.
// Some models answer with time- or context-sensitive content that must never
// be replayed; operators list them exactly or by pattern.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles an exclusion list from exact model names and
// regular-expression patterns. A bad pattern fails construction rather than
// silently matching nothing.
func NewExclusionList(exact []string, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}
	for _, name := range exact {
		el.exact[name] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclusions: compile %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Matches reports whether model is excluded from caching.
func (el *ExclusionList) Matches(model string) bool {
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	return len(el.exact) + len(el.patterns)
}
