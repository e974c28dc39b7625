// extract/sink.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/mbk/manifest"
)

// Sink is the destination of a restore.
type Sink interface {
	String() string

	// AcceptDomain is called once for each domain that will be restored,
	// before anything is written for any domain. Entries in domains that
	// aren't accepted are skipped.
	AcceptDomain(domain string) error

	// Mkdir creates the directory for e; it must succeed if the
	// directory already exists.
	Mkdir(e *manifest.Entry) error

	// Symlink creates the symbolic link for e.
	Symlink(e *manifest.Entry) error

	// WriteFile stores the contents of the regular file e, read from r.
	// If it fails, nothing may be left at e's path. Failures to write
	// to the destination are reported as an *IOError.
	WriteFile(ctx context.Context, e *manifest.Entry, r io.Reader) (int64, error)
}

// IOError reports a failure to write to the destination.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

var ErrReadOnlyDomain = errors.New("domain is read-only")

// partialSuffix is appended to the names of files while they're being
// written.
const partialSuffix = ".partial"

// DefaultReadOnlyDomains hold system data that a restore into a device
// image shouldn't touch.
var DefaultReadOnlyDomains = []string{
	"SystemPreferencesDomain",
	"KeychainDomain",
	"ManagedPreferencesDomain",
	"DatabaseDomain",
	"RootDomain",
	"WirelessDomain",
	"SysContainerDomain-*",
	"SysSharedContainerDomain-*",
}

// DirSink writes entries into a local directory as Root/domain/path.
type DirSink struct {
	Root string
	// ReadOnlyDomains holds glob patterns of domains that are refused.
	ReadOnlyDomains []string
	// PreserveMode applies the permission bits recorded in the manifest;
	// otherwise files are written 0644 and directories 0755.
	PreserveMode bool
}

func (s *DirSink) String() string {
	return s.Root
}

func (s *DirSink) AcceptDomain(domain string) error {
	for _, pat := range s.ReadOnlyDomains {
		if manifest.MatchPattern(pat, domain) {
			return fmt.Errorf("%s: %w", domain, ErrReadOnlyDomain)
		}
	}
	return nil
}

// path returns the local path for e; entries that would land outside of
// the root are rejected. That includes paths that go through a symbolic
// link below the root, since a link restored from the backup may point
// anywhere. If leaf is set, e's own path may not be a link either.
func (s *DirSink) path(e *manifest.Entry, leaf bool) (string, error) {
	escapes := func(detail string) error {
		return &manifest.IndexError{FileID: e.FileID, Err: manifest.ErrMalformedRecord,
			Detail: fmt.Sprintf("%q: %s", e.Path(), detail)}
	}
	rel := filepath.Join(e.Domain, filepath.FromSlash(e.RelativePath))
	if e.Domain == "" || !filepath.IsLocal(rel) {
		return "", escapes("path escapes destination")
	}

	parts := strings.Split(rel, string(filepath.Separator))
	if !leaf {
		parts = parts[:len(parts)-1]
	}
	p := s.Root
	for _, part := range parts {
		p = filepath.Join(p, part)
		fi, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			break
		} else if err != nil {
			return "", &IOError{Path: p, Err: err}
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", escapes("path goes through symbolic link " + p)
		}
	}
	return filepath.Join(s.Root, rel), nil
}

func (s *DirSink) Mkdir(e *manifest.Entry) error {
	p, err := s.path(e, true)
	if err != nil {
		return err
	}
	mode := os.FileMode(0755)
	if s.PreserveMode {
		// We need to be able to write into it.
		mode = e.FileMode().Perm() | 0700
	}
	if err := os.MkdirAll(p, mode); err != nil {
		return &IOError{Path: p, Err: err}
	}
	if s.PreserveMode {
		if err := os.Chmod(p, mode); err != nil {
			return &IOError{Path: p, Err: err}
		}
	}
	return nil
}

func (s *DirSink) Symlink(e *manifest.Entry) error {
	p, err := s.path(e, false)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return &IOError{Path: p, Err: err}
	}
	if target, err := os.Readlink(p); err == nil && target == e.Target {
		return nil
	}
	os.Remove(p)
	if err := os.Symlink(e.Target, p); err != nil {
		return &IOError{Path: p, Err: err}
	}
	return nil
}

func (s *DirSink) WriteFile(ctx context.Context, e *manifest.Entry, r io.Reader) (int64, error) {
	p, err := s.path(e, false)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return 0, &IOError{Path: p, Err: err}
	}

	// The contents go to a .partial file that is only renamed into place
	// once everything has been written. A stale one, or a link by that
	// name, is removed rather than opened.
	partial := p + partialSuffix
	os.Remove(partial)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, &IOError{Path: p, Err: err}
	}
	n, err := io.Copy(&destWriter{w: f, path: p}, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &IOError{Path: p, Err: cerr}
	}
	if err == nil && s.PreserveMode {
		if cerr := os.Chmod(partial, e.FileMode().Perm()); cerr != nil {
			err = &IOError{Path: p, Err: cerr}
		}
	}
	if err == nil && !e.ModTime.IsZero() {
		if cerr := os.Chtimes(partial, e.ModTime, e.ModTime); cerr != nil {
			err = &IOError{Path: p, Err: cerr}
		}
	}
	if err == nil {
		if rerr := os.Rename(partial, p); rerr != nil {
			err = &IOError{Path: p, Err: rerr}
		}
	}
	if err != nil {
		os.Remove(partial)
		return n, err
	}
	return n, nil
}

// destWriter reports write errors as IOErrors so that they can be told
// apart from errors reading the backup.
type destWriter struct {
	w    io.Writer
	path string
}

func (d *destWriter) Write(b []byte) (int, error) {
	n, err := d.w.Write(b)
	if err != nil {
		err = &IOError{Path: d.path, Err: err}
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
