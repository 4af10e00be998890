package session

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// envFilter restricts client supplied variables to names matching an
// allowed glob (LANG, LC_*, ...). With no patterns every name passes.
// Invalid patterns never match.
type envFilter struct {
	enabled  bool
	patterns []string
}

func newEnvFilter(patterns []string) envFilter {
	var f envFilter
	for _, p := range patterns {
		if p == "" {
			continue
		}
		f.enabled = true
		if doublestar.ValidatePattern(p) {
			f.patterns = append(f.patterns, p)
		}
	}
	return f
}

func (f envFilter) allowed(key string) bool {
	if !f.enabled {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

// rejected returns the sorted names in env that the filter does not allow.
func (f envFilter) rejected(env map[string]string) []string {
	var out []string
	for k := range env {
		if !f.allowed(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
