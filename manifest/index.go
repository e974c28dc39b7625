// manifest/index.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest loads a backup's Manifest.db, the index that maps each
// (domain, relative path) to its content-addressing key and per-file
// metadata, and provides lookups and listings over it.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	u "github.com/mmp/mbk/util"
	_ "modernc.org/sqlite"
)

var (
	ErrDuplicateKey    = errors.New("duplicate content key")
	ErrKeyMismatch     = errors.New("content key doesn't match domain and path")
	ErrMalformedRecord = errors.New("malformed file record")
	ErrBadPattern      = doublestar.ErrBadPattern
)

// IndexError reports a structural problem with a backup's manifest. The
// manifest as a whole can't be trusted after one of these.
type IndexError struct {
	FileID string
	Err    error
	Detail string
}

func (e *IndexError) Error() string {
	s := "manifest"
	if e.FileID != "" {
		s += ": " + e.FileID
	}
	s += ": " + e.Err.Error()
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

func (e *IndexError) Unwrap() error { return e.Err }

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Index

// Index is an in-memory copy of a manifest. It's immutable once loaded
// and safe for concurrent use.
type Index struct {
	// Sorted by domain, then relative path.
	entries []Entry
	byKey   map[string]int
	// Children of each directory, keyed by domain + "/" + dir.
	children map[string][]int
	domains  []string
}

func dirKey(domain, dir string) string {
	return domain + "/" + dir
}

// sqliteDSN returns a read-only connection string for the database at
// path.
func sqliteDSN(dbPath string, readOnly bool) string {
	dsn := (&url.URL{Scheme: "file", Path: dbPath}).String()
	if readOnly {
		dsn += "?mode=ro"
	}
	return dsn
}

// Open loads the Files table of the Manifest.db at dbPath. Every entry is
// checked for a content key that matches its domain and path, and for
// uniqueness; any inconsistency is returned as an *IndexError.
func Open(ctx context.Context, dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath, true))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT fileID, domain, relativePath, flags, file FROM Files`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dbPath, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var rec []byte
		var flags sql.NullInt64
		if err := rows.Scan(&e.FileID, &e.Domain, &e.RelativePath, &flags, &rec); err != nil {
			return nil, &IndexError{Err: ErrMalformedRecord, Detail: err.Error()}
		}
		e.Flags = Flags(flags.Int64)
		if !e.Flags.Known() {
			log.Debug("%s/%s: %s", e.Domain, e.RelativePath, e.Flags)
		}
		if len(rec) > 0 {
			if err := decodeRecord(rec, &e); err != nil {
				return nil, &IndexError{FileID: e.FileID, Err: ErrMalformedRecord,
					Detail: err.Error()}
			}
		}
		if e.Mode&modeTypeMask == 0 {
			e.Mode |= e.Flags.typeBits()
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", dbPath, err)
	}

	ix, err := newIndex(entries)
	if err != nil {
		return nil, err
	}
	log.Verbose("%s: %d entries in %d domains", dbPath, len(ix.entries), len(ix.domains))
	return ix, nil
}

// New builds an Index from the given entries, applying the same checks
// as Open.
func New(entries []Entry) (*Index, error) {
	return newIndex(append([]Entry(nil), entries...))
}

func newIndex(entries []Entry) (*Index, error) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Domain != entries[j].Domain {
			return entries[i].Domain < entries[j].Domain
		}
		return entries[i].RelativePath < entries[j].RelativePath
	})

	ix := &Index{
		entries:  entries,
		byKey:    make(map[string]int, len(entries)),
		children: make(map[string][]int),
	}
	for i := range entries {
		e := &entries[i]
		key := ContentKey(e.Domain, e.RelativePath)
		if strings.ToLower(e.FileID) != key {
			return nil, &IndexError{FileID: e.FileID, Err: ErrKeyMismatch,
				Detail: e.Path()}
		}
		e.FileID = key
		if _, ok := ix.byKey[key]; ok {
			return nil, &IndexError{FileID: e.FileID, Err: ErrDuplicateKey,
				Detail: e.Path()}
		}
		ix.byKey[key] = i

		if len(ix.domains) == 0 || ix.domains[len(ix.domains)-1] != e.Domain {
			ix.domains = append(ix.domains, e.Domain)
		}
		if e.RelativePath != "" {
			dk := dirKey(e.Domain, e.Dir())
			ix.children[dk] = append(ix.children[dk], i)
		}
	}
	return ix, nil
}

// Len returns the number of entries in the index.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Domains returns the names of all of the domains in the index, sorted.
func (ix *Index) Domains() []string {
	return append([]string(nil), ix.domains...)
}

// Lookup returns the entry for the given domain and relative path.
func (ix *Index) Lookup(domain, relativePath string) (Entry, bool) {
	return ix.Get(ContentKey(domain, strings.Trim(relativePath, "/")))
}

// Get returns the entry with the given content-addressing key.
func (ix *Index) Get(fileID string) (Entry, bool) {
	i, ok := ix.byKey[strings.ToLower(fileID)]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[i], true
}

// ListDir returns the entries directly inside the given directory of a
// domain; dir is "" for the top level.
func (ix *Index) ListDir(domain, dir string) []Entry {
	idx := ix.children[dirKey(domain, strings.Trim(dir, "/"))]
	e := make([]Entry, len(idx))
	for i, j := range idx {
		e[i] = ix.entries[j]
	}
	return e
}

// All returns a sequence of every entry in the index, in domain and path
// order.
func (ix *Index) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range ix.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// List returns a sequence of the entries whose domain and relative path
// match the given glob patterns (doublestar syntax, so "**" matches
// across directories). An empty pattern matches everything. Each range
// over the returned sequence starts again from the beginning.
func (ix *Index) List(domainPattern, pathPattern string) (iter.Seq[Entry], error) {
	for _, p := range []string{domainPattern, pathPattern} {
		if p != "" && !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%q: %w", p, ErrBadPattern)
		}
	}

	return func(yield func(Entry) bool) {
		for _, e := range ix.entries {
			if !MatchPattern(domainPattern, e.Domain) || !MatchPattern(pathPattern, e.RelativePath) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}, nil
}

// MatchPattern reports whether name matches the glob pattern, which
// must already have been validated. The empty pattern matches anything.
func MatchPattern(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, _ := doublestar.Match(pattern, name)
	return ok
}

// Ancestors returns the relative paths of the directories that contain
// relativePath, from the top down.
func Ancestors(relativePath string) []string {
	var a []string
	for d := path.Dir(relativePath); d != "." && d != "/"; d = path.Dir(d) {
		a = append([]string{d}, a...)
	}
	return a
}
