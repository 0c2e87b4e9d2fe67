// Package category infers and filters event categories against a curated
// keyword registry.
package category

import (
	"regexp"
	"strings"
)

// Registry maps canonical category names to compiled keyword patterns.
// Build one at process start with New (or Default) and pass it explicitly;
// there is no package-level mutable state, so tests can substitute a
// smaller registry.
type Registry struct {
	names    []string // canonical names in registration order
	patterns map[string]*regexp.Regexp
	known    map[string]string // lowercased name -> canonical name
}

// New compiles a name -> keyword-list map into a Registry. Each category
// becomes one case-insensitive, word-boundary-anchored alternation so that
// Infer is a single regexp scan per category.
func New(keywords map[string][]string, order []string) *Registry {
	r := &Registry{
		names:    make([]string, 0, len(keywords)),
		patterns: make(map[string]*regexp.Regexp, len(keywords)),
		known:    make(map[string]string, len(keywords)),
	}

	for _, name := range order {
		kws, ok := keywords[name]
		if !ok || len(kws) == 0 {
			continue
		}
		escaped := make([]string, len(kws))
		for i, kw := range kws {
			escaped[i] = regexp.QuoteMeta(kw)
		}
		pattern := `(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`
		r.names = append(r.names, name)
		r.patterns[name] = regexp.MustCompile(pattern)
		r.known[strings.ToLower(name)] = name
	}

	return r
}

// Infer returns the canonical names of every category whose keywords
// appear in title or description. An event can match several categories.
func (r *Registry) Infer(title, description string) []string {
	text := strings.TrimSpace(title + " " + description)
	if text == "" {
		return nil
	}

	var matched []string
	for _, name := range r.names {
		if r.patterns[name].MatchString(text) {
			matched = append(matched, name)
		}
	}
	return matched
}

// FilterKnown maps arbitrary external strings to canonical category names
// (case-insensitive), silently dropping unrecognized values. This keeps
// garbage emitted by upstream CATEGORIES fields out of the category table.
func (r *Registry) FilterKnown(names []string) []string {
	var result []string
	for _, name := range names {
		if canonical, ok := r.known[strings.ToLower(strings.TrimSpace(name))]; ok {
			result = append(result, canonical)
		}
	}
	return result
}

// NormalizeTags flattens a raw taxonomy field into an ordered list of
// distinct display strings. Each value may itself be comma-separated;
// entries are trimmed and deduplicated case-insensitively, first spelling
// wins.
func NormalizeTags(values []string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := strings.ToLower(part)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

// SplitRaw splits a comma-separated category string (as stored on feed
// rows) into normalized tags.
func SplitRaw(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return NormalizeTags([]string{raw})
}

// Slugify converts a category or event title into a url-safe slug.
var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func Slugify(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = slugRe.ReplaceAllString(value, "-")
	return strings.Trim(value, "-")
}
