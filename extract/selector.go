// extract/selector.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package extract

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mmp/mbk/manifest"
)

// Selector picks entries by domain and relative path, each given as a
// glob pattern; an empty pattern matches everything. An entry is also
// selected if one of its parent directories matches, so that selecting
// a directory selects everything under it.
type Selector struct {
	Domain string
	Path   string
}

// All returns a selector that matches every entry.
func All() Selector {
	return Selector{}
}

// ParseSelector parses a selector of the form "domain/path", where both
// parts may be glob patterns. A selector without a slash selects an
// entire domain; "" and "*" select everything.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" || s == "**" {
		return All(), nil
	}
	var sel Selector
	if i := strings.IndexByte(s, '/'); i >= 0 {
		sel = Selector{Domain: s[:i], Path: strings.Trim(s[i+1:], "/")}
	} else {
		sel = Selector{Domain: s}
	}
	return sel, sel.validate()
}

func (s Selector) validate() error {
	for _, p := range []string{s.Domain, s.Path} {
		if p != "" && !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%q: %w", s.String(), manifest.ErrBadPattern)
		}
	}
	return nil
}

func (s Selector) String() string {
	d := s.Domain
	if d == "" {
		d = "*"
	}
	if s.Path == "" {
		return d
	}
	return d + "/" + s.Path
}

// Match reports whether the selector matches e.
func (s Selector) Match(e *manifest.Entry) bool {
	if !manifest.MatchPattern(s.Domain, e.Domain) {
		return false
	}
	if s.Path == "" || manifest.MatchPattern(s.Path, e.RelativePath) {
		return true
	}
	for _, dir := range manifest.Ancestors(e.RelativePath) {
		if manifest.MatchPattern(s.Path, dir) {
			return true
		}
	}
	return false
}

// SelectorResult records how many entries a selector matched.
type SelectorResult struct {
	Selector Selector
	Matched  int
}

// resolve expands the selectors against the index, eagerly. Entries
// matched by more than one selector are only returned once.
func resolve(ix *manifest.Index, sels []Selector) ([]manifest.Entry, []SelectorResult, error) {
	if len(sels) == 0 {
		sels = []Selector{All()}
	}

	var entries []manifest.Entry
	seen := make(map[string]bool)
	results := make([]SelectorResult, len(sels))
	for i, s := range sels {
		if err := s.validate(); err != nil {
			return nil, nil, err
		}
		seq, err := ix.List(s.Domain, "")
		if err != nil {
			return nil, nil, err
		}
		results[i].Selector = s
		for e := range seq {
			if !s.Match(&e) {
				continue
			}
			results[i].Matched++
			if !seen[e.FileID] {
				seen[e.FileID] = true
				entries = append(entries, e)
			}
		}
		if results[i].Matched == 0 {
			log.Warning("%s: no matching files in backup", s)
		}
	}
	return entries, results, nil
}
