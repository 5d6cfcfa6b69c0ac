package feed

import (
	"regexp"
	"strings"

	"github.com/reconly/reconly/internal/store"
)

// Filter scopes.
const (
	ScopeTitle   = "title"
	ScopeContent = "content"
	ScopeBoth    = "both"
)

// ContentFilter is a predicate over (title, content) built from a
// source's include/exclude rules. A rule prefixed with "re:" is a
// regular expression; anything else is a case-insensitive substring.
type ContentFilter struct {
	include []rule
	exclude []rule
	scope   string
}

type rule struct {
	substr string
	re     *regexp.Regexp
}

func compileRules(raw []string) []rule {
	var out []rule
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(r, "re:"); ok {
			if re, err := regexp.Compile("(?i)" + rest); err == nil {
				out = append(out, rule{re: re})
				continue
			}
			// an invalid regex degrades to a substring match on the raw rule
		}
		out = append(out, rule{substr: strings.ToLower(r)})
	}
	return out
}

func (r rule) matches(text string) bool {
	if r.re != nil {
		return r.re.MatchString(text)
	}
	return strings.Contains(strings.ToLower(text), r.substr)
}

// NewContentFilter builds a filter from a source's keyword config.
func NewContentFilter(src store.Source) *ContentFilter {
	scope := src.FilterScope
	if scope == "" {
		scope = ScopeBoth
	}
	return &ContentFilter{
		include: compileRules(src.IncludeKeywords),
		exclude: compileRules(src.ExcludeKeywords),
		scope:   scope,
	}
}

// Empty reports whether the filter has no rules at all.
func (f *ContentFilter) Empty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0
}

// Matches reports whether an item passes: at least one include rule
// must match (when include rules exist) and no exclude rule may match.
func (f *ContentFilter) Matches(title, content string) bool {
	var text string
	switch f.scope {
	case ScopeTitle:
		text = title
	case ScopeContent:
		text = content
	default:
		text = title + "\n" + content
	}

	for _, r := range f.exclude {
		if r.matches(text) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, r := range f.include {
		if r.matches(text) {
			return true
		}
	}
	return false
}

// Apply filters a slice of items in place order.
func (f *ContentFilter) Apply(items []Item) []Item {
	if f.Empty() {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if f.Matches(it.Title, it.Content) {
			out = append(out, it)
		}
	}
	return out
}
