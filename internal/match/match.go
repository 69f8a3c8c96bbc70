// Copyright 2025 Snapindex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package match compiles the include/exclude patterns of a backup group into
// an ordered accept/reject filter with a "worthless subtree" predicate the
// walker uses to prune directories that can contribute no includes.
package match

import (
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

const sep = string(filepath.Separator)

// IncludePattern is one compiled include glob. Depth is the number of path
// separators of the pattern when its only wildcard is trailing (or absent),
// -1 otherwise; Prefix is the static text before the first wildcard.
type IncludePattern struct {
	Spec   string
	Depth  int
	Prefix string
}

// Matcher evaluates exclude globs, optional gitignore-style rules and
// include patterns against walked paths.
type Matcher struct {
	excludes  []string
	includes  []IncludePattern
	gitignore *ignore.GitIgnore
}

// New compiles semicolon-separated exclude and include pattern lists.
// ignoreLines, if non-empty, are additional exclude rules in gitignore
// syntax (the contents of a .backupignore file).
func New(excludeVal, includeVal string, ignoreLines []string) *Matcher {
	m := &Matcher{
		excludes: ParseExcludePatterns(excludeVal),
		includes: ParseIncludePatterns(includeVal),
	}
	if len(ignoreLines) > 0 {
		m.gitignore = ignore.CompileIgnoreLines(ignoreLines...)
	}
	return m
}

// SanitizePattern canonicalizes directory separators of a pattern to the
// platform separator.
func SanitizePattern(p string) string {
	p = strings.TrimSpace(p)
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		ch := p[i]
		switch {
		case ch == '/':
			b.WriteString(sep)
		case ch == '\\' && i+1 < len(p) && p[i+1] == '\\':
			b.WriteString(sep)
			i++
		case ch == '\\' && (i+1 >= len(p) || p[i+1] != '['):
			b.WriteString(sep)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// ParseExcludePatterns splits a semicolon-separated pattern list. A bare
// name without separator or wildcard is normalized to "*/name" so it matches
// at any depth.
func ParseExcludePatterns(val string) []string {
	if val == "" {
		return nil
	}
	toks := strings.Split(val, ";")
	excludes := make([]string, 0, len(toks))
	for _, tok := range toks {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !strings.ContainsAny(tok, "/\\*") {
			tok = "*/" + tok
		}
		excludes = append(excludes, SanitizePattern(tok))
	}
	return excludes
}

// ParseIncludePatterns splits and compiles a semicolon-separated include
// list, computing each pattern's depth and static prefix.
func ParseIncludePatterns(val string) []IncludePattern {
	if val == "" {
		return nil
	}
	toks := strings.Split(val, ";")
	includes := make([]IncludePattern, 0, len(toks))
	for _, tok := range toks {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		spec := SanitizePattern(tok)

		depth := -1
		star := strings.IndexByte(spec, '*')
		if star == -1 || star == len(spec)-1 {
			depth = strings.Count(spec, sep)
		}

		prefix := spec
		if f := strings.IndexAny(spec, ":[*"); f != -1 {
			prefix = spec[:f]
		}

		includes = append(includes, IncludePattern{Spec: spec, Depth: depth, Prefix: prefix})
	}
	return includes
}

// IsExcluded reports whether path matches any exclude pattern or gitignore
// rule.
func (m *Matcher) IsExcluded(path string) bool {
	for _, pat := range m.excludes {
		if pat != "" && amatch(path, pat) {
			return true
		}
	}
	if m.gitignore != nil && m.gitignore.MatchesPath(filepath.ToSlash(path)) {
		return true
	}
	return false
}

// IsIncluded reports whether path matches any include pattern. With no
// include patterns everything is included.
func (m *Matcher) IsIncluded(path string) bool {
	included, _ := m.IncludedWithWorthless(path)
	return included
}

// IncludedWithWorthless evaluates the include patterns and additionally
// reports whether descending below path is worthless: no include pattern
// can match anything underneath it. The walker prunes such subtrees.
func (m *Matcher) IncludedWithWorthless(path string) (included, addingWorthless bool) {
	pathLevel := 0
	for i := 0; i < len(path); i++ {
		if path[i] == filepath.Separator {
			pathLevel++
		} else if i == len(path)-1 {
			pathLevel++
		}
	}

	addingWorthless = true
	hasPattern := false
	for _, inc := range m.includes {
		if inc.Spec == "" {
			continue
		}
		hasPattern = true
		if amatch(path, inc.Spec) {
			return true, false
		}
		if inc.Depth == -1 {
			addingWorthless = false
		} else if (strings.HasPrefix(path, inc.Prefix) || strings.HasPrefix(inc.Prefix, path)) &&
			pathLevel <= inc.Depth {
			// Inside the static prefix and not yet past the pattern's
			// depth, or an ancestor on the way to the prefix.
			addingWorthless = false
		}
	}
	if !hasPattern {
		return true, false
	}
	return false, addingWorthless
}

// amatch matches a path against a shell-style glob with '*', '?' and
// '[set]'. A backtracking scan, linear for patterns without nested stars.
func amatch(path, pattern string) bool {
	var pi, si int
	star := -1
	mark := 0
	for si < len(path) {
		if pi < len(pattern) {
			switch c := pattern[pi]; c {
			case '*':
				star = pi
				mark = si
				pi++
				continue
			case '?':
				pi++
				si++
				continue
			case '[':
				if ok, next := matchSet(path[si], pattern, pi); ok {
					pi = next
					si++
					continue
				}
			default:
				if c == path[si] {
					pi++
					si++
					continue
				}
			}
		}
		if star == -1 {
			return false
		}
		mark++
		si = mark
		pi = star + 1
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// matchSet matches one character against a [set] starting at pattern[pi].
// Returns whether it matched and the index after the closing bracket.
func matchSet(ch byte, pattern string, pi int) (bool, int) {
	i := pi + 1
	negate := false
	if i < len(pattern) && (pattern[i] == '^' || pattern[i] == '!') {
		negate = true
		i++
	}
	matched := false
	first := true
	for i < len(pattern) && (pattern[i] != ']' || first) {
		first = false
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			if pattern[i] <= ch && ch <= pattern[i+2] {
				matched = true
			}
			i += 3
			continue
		}
		if pattern[i] == ch {
			matched = true
		}
		i++
	}
	if i >= len(pattern) {
		// Unterminated set never matches.
		return false, pi
	}
	return matched != negate, i + 1
}
