// Package matching decides which paths beneath a monitored root are tracked.
//
// A path is tracked when it passes, in order:
//   - the optional gitignore-style ignore file,
//   - the extension allow-list (empty list allows every extension),
//   - the ordered wildcard rules, where the last rule whose pattern matches
//     decides inclusion and a path matched by no rule is included.
package matching

import (
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// WildcardRule includes or excludes every path matching Pattern.
// '*' matches any run of characters including '/', '?' matches one character.
type WildcardRule struct {
	Pattern string
	Include bool
}

// Rules is the combined extension filter and wildcard rule list.
// Rules are built once and then only read.
type Rules struct {
	extensions []string
	wildcards  []WildcardRule

	ignoreFile string
	ignored    *ignore.GitIgnore
}

// New creates an empty rule set that matches every path
func New() *Rules {
	return &Rules{}
}

// SetExtensions replaces the extension allow-list. Entries may be given with
// or without the leading dot and are compared case-insensitively.
func (r *Rules) SetExtensions(exts ...string) *Rules {
	r.extensions = r.extensions[:0]
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !slices.Contains(r.extensions, ext) {
			r.extensions = append(r.extensions, ext)
		}
	}
	return r
}

// AddWildcard appends a rule. Later rules take precedence over earlier ones.
func (r *Rules) AddWildcard(pattern string, include bool) *Rules {
	r.wildcards = append(r.wildcards, WildcardRule{
		Pattern: filepath.ToSlash(pattern),
		Include: include,
	})
	return r
}

// SetIgnoreFile compiles the gitignore-style file rel (relative to root).
// A missing file is not an error; the name is kept so a later load can pick
// it up.
func (r *Rules) SetIgnoreFile(root, rel string) error {
	r.ignoreFile = filepath.ToSlash(rel)
	r.ignored = nil
	if rel == "" {
		return nil
	}

	compiled, err := ignore.CompileIgnoreFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to compile ignore file %s: %w", rel, err)
	}
	r.ignored = compiled
	return nil
}

// SetIgnoreFileName records the ignore file name without reading it. Rules
// restored from a cache file use it to compare against the live rules.
func (r *Rules) SetIgnoreFileName(rel string) *Rules {
	r.ignoreFile = filepath.ToSlash(rel)
	r.ignored = nil
	return r
}

// Extensions returns a copy of the extension allow-list
func (r *Rules) Extensions() []string {
	return slices.Clone(r.extensions)
}

// Wildcards returns a copy of the wildcard rules in evaluation order
func (r *Rules) Wildcards() []WildcardRule {
	return slices.Clone(r.wildcards)
}

// IgnoreFile returns the configured ignore file name, if any
func (r *Rules) IgnoreFile() string {
	return r.ignoreFile
}

// Matches reports whether the slash-separated relative path is tracked
func (r *Rules) Matches(rel string) bool {
	if r == nil {
		return true
	}
	rel = filepath.ToSlash(rel)

	if r.ignoreFile != "" && rel == r.ignoreFile {
		return false
	}
	if r.ignored != nil && r.ignored.MatchesPath(rel) {
		return false
	}

	if len(r.extensions) > 0 {
		ext := strings.ToLower(path.Ext(rel))
		if !slices.Contains(r.extensions, ext) {
			return false
		}
	}

	included := true
	for _, rule := range r.wildcards {
		if MatchWildcard(rule.Pattern, rel) {
			included = rule.Include
		}
	}
	return included
}

// Equal reports whether both rule sets filter identically, ignoring the
// contents of an ignore file.
func (r *Rules) Equal(other *Rules) bool {
	if r == nil || other == nil {
		return r == other
	}
	return slices.Equal(r.extensions, other.extensions) &&
		slices.Equal(r.wildcards, other.wildcards) &&
		r.ignoreFile == other.ignoreFile
}

// Clone returns an independent copy sharing the compiled ignore file
func (r *Rules) Clone() *Rules {
	if r == nil {
		return New()
	}
	return &Rules{
		extensions: slices.Clone(r.extensions),
		wildcards:  slices.Clone(r.wildcards),
		ignoreFile: r.ignoreFile,
		ignored:    r.ignored,
	}
}

// String renders the rules for logs
func (r *Rules) String() string {
	var b strings.Builder
	b.WriteString("ext=[")
	b.WriteString(strings.Join(r.extensions, ","))
	b.WriteString("] rules=[")
	for i, rule := range r.wildcards {
		if i > 0 {
			b.WriteString(",")
		}
		if rule.Include {
			b.WriteString("+")
		} else {
			b.WriteString("-")
		}
		b.WriteString(rule.Pattern)
	}
	b.WriteString("]")
	return b.String()
}
