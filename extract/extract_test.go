// extract/extract_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mmp/mbk/backup"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	b     *backup.Backup
	ix    *manifest.Index
	ul    *keybag.Unlocked
	files map[string][]byte
}

// newFixture creates a backup protected with "correct-horse" holding
// ten files: six under DomainA and four under DomainB.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "backup")
	w, err := backup.Create(root, []byte("correct-horse"), backup.WriterOptions{
		Params: keybag.Params{Iterations: 10, DoubleProtectionIterations: 10},
		Device: backup.DeviceInfo{DeviceName: "Fixture"},
	})
	require.NoError(t, err)

	f := &fixture{files: make(map[string][]byte)}
	mtime := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		domain, rel := "DomainA", fmt.Sprintf("Documents/d%d/file%d.txt", i%2, i)
		if i >= 6 {
			domain, rel = "DomainB", fmt.Sprintf("Media/file%d.bin", i)
		}
		b := make([]byte, rand.Intn(100000))
		rand.Read(b)
		require.NoError(t, w.AddFile(domain, rel, bytes.NewReader(b), 0600, mtime))
		f.files[domain+"/"+rel] = b
	}
	require.NoError(t, w.AddSymlink("DomainA", "Documents/latest", "d0/file0.txt", mtime))
	require.NoError(t, w.Close(context.Background()))

	f.b, err = backup.OpenDir(root)
	require.NoError(t, err)
	_, err = f.b.Unlock([]byte("wrong-pw"))
	require.ErrorIs(t, err, keybag.ErrWrongPassword)
	f.ul, err = f.b.Unlock([]byte("correct-horse"))
	require.NoError(t, err)
	f.ix, err = f.b.Index(context.Background(), f.ul)
	require.NoError(t, err)
	return f
}

// checkFiles verifies that exactly the fixture files with the given
// domain prefix are present under dest, byte for byte.
func (f *fixture) checkFiles(t *testing.T, dest, prefix string) {
	t.Helper()
	n := 0
	for path, contents := range f.files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(path)))
		if !strings.HasPrefix(path, prefix) {
			assert.Error(t, err, path)
			continue
		}
		n++
		require.NoError(t, err, path)
		assert.True(t, bytes.Equal(contents, got), "%s: contents differ", path)
	}
	assert.Greater(t, n, 0)
	assertNoPartial(t, dest)
}

func assertNoPartial(t *testing.T, dest string) {
	t.Helper()
	filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err == nil {
			assert.False(t, strings.HasSuffix(path, partialSuffix), path)
		}
		return nil
	})
}

func TestParseSelector(t *testing.T) {
	for _, c := range []struct {
		in       string
		expected Selector
	}{
		{"", All()},
		{"*", All()},
		{"HomeDomain", Selector{Domain: "HomeDomain"}},
		{"DomainA/*", Selector{Domain: "DomainA", Path: "*"}},
		{"AppDomain-*/Library/**/*.plist", Selector{Domain: "AppDomain-*", Path: "Library/**/*.plist"}},
		{"CameraRollDomain/Media/", Selector{Domain: "CameraRollDomain", Path: "Media"}},
	} {
		s, err := ParseSelector(c.in)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
		} else if s != c.expected {
			t.Errorf("%q: got %+v, expected %+v", c.in, s, c.expected)
		}
	}

	if _, err := ParseSelector("Domain/[abc"); !errors.Is(err, manifest.ErrBadPattern) {
		t.Errorf("bad pattern: got %v", err)
	}
}

func TestSelectorMatch(t *testing.T) {
	e := manifest.Entry{Domain: "DomainA", RelativePath: "Documents/d0/file0.txt"}
	for sel, expected := range map[Selector]bool{
		All():                                  true,
		{Domain: "DomainA", Path: "*"}:         true,
		{Domain: "DomainA", Path: "Documents"}: true,
		{Domain: "Domain?"}:                    true,
		{Domain: "DomainB"}:                    false,
		{Domain: "DomainA", Path: "*.txt"}:     false,
		{Domain: "DomainA", Path: "**/*.txt"}:  true,
		{Domain: "DomainA", Path: "Docs"}:      false,
	} {
		if got := sel.Match(&e); got != expected {
			t.Errorf("%s: got %v, expected %v", sel, got, expected)
		}
	}
}

func TestExtractDomain(t *testing.T) {
	f := newFixture(t)
	dest := t.TempDir()
	x := New(f.b, f.ix, f.ul, Options{Concurrency: 3})

	sel, err := ParseSelector("DomainA/*")
	require.NoError(t, err)
	job := x.Extract(context.Background(), []Selector{sel}, dest)

	var events []Event
	for ev := range job.Events() {
		events = append(events, ev)
	}
	res := job.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)
	f.checkFiles(t, dest, "DomainA/")

	require.NotEmpty(t, events)
	assert.Equal(t, Started, events[0].Kind)
	assert.Equal(t, 6, events[0].Total)
	last := events[len(events)-1]
	assert.Equal(t, Finished, last.Kind)
	assert.Equal(t, 6, last.Done)
	done := 0
	for _, ev := range events {
		if ev.Kind == EntryDone {
			done++
		}
	}
	assert.Equal(t, 6, done)

	target, err := os.Readlink(filepath.Join(dest, "DomainA", "Documents", "latest"))
	require.NoError(t, err)
	assert.Equal(t, "d0/file0.txt", target)

	// Modification times are restored.
	fi, err := os.Stat(filepath.Join(dest, "DomainA", "Documents", "d1", "file1.txt"))
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)))

	// Extracting again overwrites in place.
	res = x.Extract(context.Background(), []Selector{sel}, dest).Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.Succeeded)
}

func TestExtractMissingBlob(t *testing.T) {
	f := newFixture(t)
	e, ok := f.ix.Lookup("DomainB", "Media/file8.bin")
	require.True(t, ok)
	d := f.b.Store().(*storage.Disk)
	require.NoError(t, os.Remove(d.BlobPath(e.FileID)))

	dest := t.TempDir()
	res := New(f.b, f.ix, f.ul, Options{}).Extract(context.Background(), nil, dest).Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	failures := res.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, e.Path(), failures[0].Path)
	var be *storage.BlobError
	assert.ErrorAs(t, failures[0].Err, &be)
	assert.ErrorIs(t, failures[0].Err, storage.ErrBlobNotFound)

	_, err := os.Stat(filepath.Join(dest, "DomainB", "Media", "file8.bin"))
	assert.True(t, os.IsNotExist(err))
	assertNoPartial(t, dest)

	summary := res.Summary()
	assert.Contains(t, summary[0], "9 succeeded")
	assert.Contains(t, summary, e.Path()+": "+storage.ErrBlobNotFound.Error())
}

func TestExtractCorrupt(t *testing.T) {
	f := newFixture(t)
	e, ok := f.ix.Lookup("DomainA", "Documents/d1/file3.txt")
	require.True(t, ok)
	if e.Size == 0 {
		t.Skip("empty file")
	}
	d := f.b.Store().(*storage.Disk)
	p := d.BlobPath(e.FileID)
	ct, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, ct[:len(ct)-1], 0600))

	dest := t.TempDir()
	res := New(f.b, f.ix, f.ul, Options{}).Extract(context.Background(),
		[]Selector{{Domain: "DomainA"}}, dest).Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	assert.Equal(t, e.Path(), res.Failures()[0].Path)
	assertNoPartial(t, dest)
	_, err = os.Stat(filepath.Join(dest, "DomainA", "Documents", "d1", "file3.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractNoMatch(t *testing.T) {
	f := newFixture(t)
	dest := t.TempDir()
	res := New(f.b, f.ix, f.ul, Options{}).Extract(context.Background(),
		[]Selector{{Domain: "NoSuchDomain", Path: "*"}}, dest).Wait()
	require.NoError(t, res.Err)
	assert.Zero(t, res.Succeeded+res.Failed+res.Skipped)
	require.Len(t, res.Selectors, 1)
	assert.Zero(t, res.Selectors[0].Matched)
	assert.Contains(t, res.Summary(), "NoSuchDomain/*: no matching files")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractBadSelector(t *testing.T) {
	f := newFixture(t)
	res := New(f.b, f.ix, f.ul, Options{}).Extract(context.Background(),
		[]Selector{{Domain: "[x"}}, t.TempDir()).Wait()
	assert.ErrorIs(t, res.Err, manifest.ErrBadPattern)
}

func TestExtractCancel(t *testing.T) {
	f := newFixture(t)
	dest := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(f.b, f.ix, f.ul, Options{Concurrency: 2}).Extract(ctx, nil, dest).Wait()
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 10, res.Skipped)
	assert.Zero(t, res.Succeeded)
	assertNoPartial(t, dest)
}

func TestRestoreReadOnlyDomain(t *testing.T) {
	f := newFixture(t)
	dest := t.TempDir()
	sink := &DirSink{Root: dest, ReadOnlyDomains: []string{"DomainB", "KeychainDomain"}}
	res := New(f.b, f.ix, f.ul, Options{}).Restore(context.Background(), nil, sink).Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.Succeeded)
	assert.Equal(t, 4, res.Skipped)
	for _, o := range res.Failures() {
		assert.ErrorIs(t, o.Err, ErrReadOnlyDomain)
	}
	f.checkFiles(t, dest, "DomainA/")

	// Nothing at all was written for the refused domain.
	_, err := os.Stat(filepath.Join(dest, "DomainB"))
	assert.True(t, os.IsNotExist(err))
}

// failingSink fails every file write as a full disk would.
type failingSink struct {
	DirSink
}

func (s *failingSink) WriteFile(ctx context.Context, e *manifest.Entry, r io.Reader) (int64, error) {
	return 0, &IOError{Path: e.Path(), Err: syscall.ENOSPC}
}

func TestSystemicIOErrors(t *testing.T) {
	f := newFixture(t)
	sink := &failingSink{DirSink{Root: t.TempDir()}}
	res := New(f.b, f.ix, f.ul, Options{Concurrency: 1, MaxIOErrors: 3}).
		Restore(context.Background(), nil, sink).Wait()
	assert.ErrorIs(t, res.Err, ErrSystemic)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 7, res.Skipped)
	assert.Zero(t, res.Succeeded)

	// With no limit, every file is attempted.
	res = New(f.b, f.ix, f.ul, Options{MaxIOErrors: -1}).
		Restore(context.Background(), nil, sink).Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, 10, res.Failed)
	assert.Len(t, res.Summary(), 2)
}

func TestDirSinkEscape(t *testing.T) {
	s := &DirSink{Root: t.TempDir()}
	e := &manifest.Entry{Domain: "D", RelativePath: "../../etc/passwd", Flags: manifest.FlagFile}
	_, err := s.WriteFile(context.Background(), e, strings.NewReader("x"))
	assert.ErrorIs(t, err, manifest.ErrMalformedRecord)

	// Nothing is written through a link, whether it came from the backup
	// or was already there.
	outside := t.TempDir()
	link := &manifest.Entry{Domain: "D", RelativePath: "evil", Flags: manifest.FlagSymlink, Target: outside}
	require.NoError(t, s.Symlink(link))
	e = &manifest.Entry{Domain: "D", RelativePath: "evil/pwned.txt", Flags: manifest.FlagFile}
	_, err = s.WriteFile(context.Background(), e, strings.NewReader("x"))
	assert.ErrorIs(t, err, manifest.ErrMalformedRecord)
	e = &manifest.Entry{Domain: "D", RelativePath: "evil", Flags: manifest.FlagDir, Mode: 0755}
	assert.ErrorIs(t, s.Mkdir(e), manifest.ErrMalformedRecord)
	e = &manifest.Entry{Domain: "D", RelativePath: "evil/sub/link", Flags: manifest.FlagSymlink, Target: "x"}
	assert.ErrorIs(t, s.Symlink(e), manifest.ErrMalformedRecord)

	require.NoError(t, os.Symlink(filepath.Join(outside, "f"), filepath.Join(s.Root, "D", "f"+partialSuffix)))
	e = &manifest.Entry{Domain: "D", RelativePath: "f", Flags: manifest.FlagFile, Size: 1}
	_, err = s.WriteFile(context.Background(), e, strings.NewReader("x"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(s.Root, "D", "f"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractThroughSymlink(t *testing.T) {
	outside := t.TempDir()
	link := manifest.Entry{Domain: "DomainA", RelativePath: "evil", Flags: manifest.FlagSymlink,
		Mode: 0120777, Target: outside}
	file := manifest.Entry{Domain: "DomainA", RelativePath: "evil/pwned.txt", Flags: manifest.FlagFile,
		Mode: 0100644, Size: 5}
	link.FileID = manifest.ContentKey(link.Domain, link.RelativePath)
	file.FileID = manifest.ContentKey(file.Domain, file.RelativePath)
	ix, err := manifest.New([]manifest.Entry{link, file})
	require.NoError(t, err)

	st := storage.NewMemory()
	_, err = st.WriteBlob(file.FileID, strings.NewReader("pwned"))
	require.NoError(t, err)

	dest := t.TempDir()
	res := NewFromStore(st, ix, nil, Options{}).Extract(context.Background(), []Selector{All()}, dest).Wait()
	assert.Zero(t, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	_, err = os.Stat(filepath.Join(outside, "pwned.txt"))
	assert.True(t, os.IsNotExist(err))
	assertNoPartial(t, dest)
}
