// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/mbk/decrypt"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

var testParams = keybag.Params{Iterations: 10, DoubleProtectionIterations: 10}

const testPassword = "correct-horse"

// makeBackup writes a backup with ten files: six in DomainA and four in
// DomainB. It returns the contents of each, keyed by "domain/path".
func makeBackup(t *testing.T, root string, encryptManifest bool) map[string][]byte {
	t.Helper()
	w, err := Create(root, []byte(testPassword), WriterOptions{
		Params:          testParams,
		EncryptManifest: encryptManifest,
		Device:          DeviceInfo{DeviceName: "Test Phone", ProductVersion: "17.1", TargetIdentifier: "0123abcd"},
		Date:            time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	files := make(map[string][]byte)
	mtime := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	sizes := []int{0, 1, 15, 16, 17, 4096, 100, 65537, 3, 1000}
	for i, size := range sizes {
		domain, rel := "DomainA", fmt.Sprintf("Library/f%d", i)
		if i >= 6 {
			domain, rel = "DomainB", fmt.Sprintf("Media/DCIM/img%d.jpg", i)
		}
		b := make([]byte, size)
		rand.Read(b)
		require.NoError(t, w.AddFile(domain, rel, bytes.NewReader(b), 0644, mtime))
		files[domain+"/"+rel] = b
	}
	require.NoError(t, w.AddSymlink("DomainA", "link", "Library/f1", mtime))
	require.NoError(t, w.Close(context.Background()))
	return files
}

func readAll(t *testing.T, st storage.Store, ul *keybag.Unlocked, e manifest.Entry) []byte {
	t.Helper()
	rc, err := decrypt.Open(context.Background(), st, ul, &e)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestCreateAndOpen(t *testing.T) {
	for _, encManifest := range []bool{false, true} {
		t.Run(fmt.Sprintf("encrypted-manifest=%v", encManifest), func(t *testing.T) {
			root := filepath.Join(t.TempDir(), "backup")
			files := makeBackup(t, root, encManifest)

			b, err := OpenDir(root)
			require.NoError(t, err)
			assert.True(t, b.Encrypted())
			assert.Equal(t, "Test Phone", b.DeviceName())
			assert.Equal(t, encManifest, len(b.Manifest.ManifestKey) > 0)
			require.NotNil(t, b.Status)
			assert.True(t, b.Status.IsFullBackup)

			_, err = b.Unlock([]byte("wrong-pw"))
			assert.ErrorIs(t, err, keybag.ErrWrongPassword)

			if encManifest {
				_, err = b.Index(context.Background(), nil)
				assert.ErrorIs(t, err, ErrLocked)
			}

			ul, err := b.Unlock([]byte(testPassword))
			require.NoError(t, err)
			defer ul.Close()

			ix, err := b.Index(context.Background(), ul)
			require.NoError(t, err)
			assert.Equal(t, []string{"DomainA", "DomainB"}, ix.Domains())

			for path, contents := range files {
				i := bytes.IndexByte([]byte(path), '/')
				e, ok := ix.Lookup(path[:i], path[i+1:])
				require.True(t, ok, path)
				assert.Equal(t, int64(len(contents)), e.Size, path)
				assert.Equal(t, keybag.ClassCompleteUntilFirstUserAuthentication, e.Class)
				assert.True(t, bytes.Equal(contents, readAll(t, b.Store(), ul, e)), path)
			}

			// Parent directories were added implicitly.
			d, ok := ix.Lookup("DomainB", "Media/DCIM")
			require.True(t, ok)
			assert.True(t, d.IsDir())

			l, ok := ix.Lookup("DomainA", "link")
			require.True(t, ok)
			assert.True(t, l.IsSymlink())
			assert.Equal(t, "Library/f1", l.Target)
		})
	}
}

func TestWriterErrors(t *testing.T) {
	root := filepath.Join(t.TempDir(), "b")
	w, err := Create(root, []byte("pw"), WriterOptions{Params: testParams})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, w.AddFile("D", "a/b", bytes.NewReader([]byte("x")), 0644, now))
	err = w.AddFile("D", "a/b", bytes.NewReader([]byte("y")), 0644, now)
	assert.ErrorIs(t, err, manifest.ErrDuplicateKey)
	err = w.AddFile("D", "a/b/c", bytes.NewReader(nil), 0644, now)
	assert.Error(t, err, "file under a file")
	err = w.AddFile("D", "a/../b", bytes.NewReader(nil), 0644, now)
	assert.Error(t, err, "unclean path")

	// An explicit directory after an implied one is fine.
	assert.NoError(t, w.AddDir("D", "a", 0700, now))
	require.NoError(t, w.Close(context.Background()))

	_, err = Create(root, []byte("pw"), WriterOptions{Params: testParams})
	assert.Error(t, err, "non-empty directory")
	_, err = Create(filepath.Join(t.TempDir(), "x"), nil, WriterOptions{Params: testParams})
	assert.Error(t, err, "no password")
}

func TestAddTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deeper"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "deeper", "b.txt"), []byte("world"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "skip.tmp"), []byte("x"), 0600))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "ln")))

	root := filepath.Join(t.TempDir(), "b")
	w, err := Create(root, []byte("pw"), WriterOptions{Params: testParams, ExcludedPaths: []string{".tmp"}})
	require.NoError(t, err)
	require.NoError(t, w.AddTree("HomeDomain", src))
	require.NoError(t, w.Close(context.Background()))

	b, err := OpenDir(root)
	require.NoError(t, err)
	ul, err := b.Unlock([]byte("pw"))
	require.NoError(t, err)
	ix, err := b.Index(context.Background(), ul)
	require.NoError(t, err)

	e, ok := ix.Lookup("HomeDomain", "sub/deeper/b.txt")
	require.True(t, ok)
	assert.Equal(t, "world", string(readAll(t, b.Store(), ul, e)))
	assert.Equal(t, os.FileMode(0600), e.FileMode().Perm())

	_, ok = ix.Lookup("HomeDomain", "sub/skip.tmp")
	assert.False(t, ok)
	ln, ok := ix.Lookup("HomeDomain", "ln")
	require.True(t, ok)
	assert.Equal(t, "a.txt", ln.Target)
	// a.txt, ln, sub, sub/deeper, sub/deeper/b.txt
	assert.Equal(t, 5, ix.Len())
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenDir(dir)
	assert.ErrorIs(t, err, ErrNotBackup)

	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyMBDB), []byte("mbdb"), 0600))
	_, err = OpenDir(dir)
	assert.ErrorIs(t, err, ErrLegacyFormat)

	_, err = OpenDir(filepath.Join(dir, "nonexistent"))
	assert.Error(t, err)
}

func TestUnencrypted(t *testing.T) {
	root := t.TempDir()
	st, err := storage.NewDisk(root)
	require.NoError(t, err)

	contents := []byte("plain contents")
	e := manifest.Entry{Domain: "HomeDomain", RelativePath: "notes.txt",
		Flags: manifest.FlagFile, Size: int64(len(contents)), Mode: 0644}
	e.FileID = manifest.ContentKey(e.Domain, e.RelativePath)
	_, err = st.WriteBlob(e.FileID, bytes.NewReader(contents))
	require.NoError(t, err)
	require.NoError(t, manifest.Create(context.Background(), st.MetadataPath(ManifestDB),
		[]manifest.Entry{e}))
	m, err := plist.Marshal(Manifest{Lockdown: Lockdown{DeviceName: "Old Phone"}}, plist.BinaryFormat)
	require.NoError(t, err)
	require.NoError(t, st.WriteMetadata(ManifestPlist, m))

	b, err := Open(st)
	require.NoError(t, err)
	assert.False(t, b.Encrypted())
	assert.Equal(t, "Old Phone", b.DeviceName())
	_, err = b.Unlock([]byte("anything"))
	assert.ErrorIs(t, err, ErrNotEncrypted)

	ix, err := b.Index(context.Background(), nil)
	require.NoError(t, err)
	got, ok := ix.Lookup("HomeDomain", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, contents, readAll(t, st, nil, got))
}

func TestListDeleteChangePassword(t *testing.T) {
	dir := t.TempDir()
	makeBackup(t, filepath.Join(dir, "one"), false)

	w, err := Create(filepath.Join(dir, "two"), []byte("pw"), WriterOptions{
		Params: testParams,
		Device: DeviceInfo{DeviceName: "Newer"},
		Date:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "not-a-backup"), 0755))

	infos, err := List(dir)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "Newer", infos[0].DeviceName)
	assert.Equal(t, "Test Phone", infos[1].DeviceName)
	assert.Equal(t, "0123abcd", infos[1].ID)
	assert.True(t, infos[1].Encrypted)
	assert.Greater(t, infos[1].Size, int64(65537))

	one := filepath.Join(dir, "one")
	require.NoError(t, ChangePassword(one, []byte(testPassword), []byte("battery-staple"), testParams))
	b, err := OpenDir(one)
	require.NoError(t, err)
	_, err = b.Unlock([]byte(testPassword))
	assert.ErrorIs(t, err, keybag.ErrWrongPassword)
	ul, err := b.Unlock([]byte("battery-staple"))
	require.NoError(t, err)
	// File keys are unchanged, so the contents are still readable.
	ix, err := b.Index(context.Background(), ul)
	require.NoError(t, err)
	e, ok := ix.Lookup("DomainA", "Library/f5")
	require.True(t, ok)
	assert.Len(t, readAll(t, b.Store(), ul, e), 4096)

	assert.ErrorIs(t, Delete(filepath.Join(dir, "not-a-backup")), ErrNotBackup)
	require.NoError(t, Delete(one))
	_, err = os.Stat(one)
	assert.True(t, os.IsNotExist(err))
}

func TestFsck(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backup")
	makeBackup(t, root, false)
	b, err := OpenDir(root)
	require.NoError(t, err)
	ul, err := b.Unlock([]byte(testPassword))
	require.NoError(t, err)
	ix, err := b.Index(context.Background(), ul)
	require.NoError(t, err)

	ctx := context.Background()
	r, err := b.Fsck(ctx, ix, ul, FsckOptions{Decrypt: true, Concurrency: 3})
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, 10, r.Files)
	assert.Equal(t, 10, r.Checked)
	assert.Empty(t, r.Unreferenced)

	d := b.Store().(*storage.Disk)
	missing, _ := ix.Lookup("DomainA", "Library/f2")
	require.NoError(t, os.Remove(d.BlobPath(missing.FileID)))

	corrupt, _ := ix.Lookup("DomainB", "Media/DCIM/img7.jpg")
	ct, err := os.ReadFile(d.BlobPath(corrupt.FileID))
	require.NoError(t, err)
	ct[len(ct)-17] ^= 0xff
	require.NoError(t, os.WriteFile(d.BlobPath(corrupt.FileID), ct, 0600))

	stray := manifest.ContentKey("Nowhere", "stray")
	_, err = d.WriteBlob(stray, bytes.NewReader([]byte("stray")))
	require.NoError(t, err)

	// Without decryption, only the missing blob is noticed.
	r, err = b.Fsck(ctx, ix, ul, FsckOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{missing.Path()}, r.Missing)
	assert.Empty(t, r.Corrupt)
	assert.Equal(t, []string{stray}, r.Unreferenced)

	r, err = b.Fsck(ctx, ix, ul, FsckOptions{Decrypt: true})
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Equal(t, []string{missing.Path()}, r.Missing)
	require.Contains(t, r.Corrupt, corrupt.Path())
	assert.ErrorIs(t, r.Corrupt[corrupt.Path()], decrypt.ErrPadding)
	assert.Len(t, r.Summary(), 2)

	_, err = b.Fsck(ctx, ix, nil, FsckOptions{Decrypt: true})
	assert.ErrorIs(t, err, ErrLocked)
}
