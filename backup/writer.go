// backup/writer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/mbk/decrypt"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	"howett.net/plist"
)

// WriterOptions controls the creation of a backup.
type WriterOptions struct {
	Params keybag.Params
	// Class protects files unless specified otherwise; the default is
	// ClassCompleteUntilFirstUserAuthentication.
	Class keybag.Class
	// EncryptManifest encrypts Manifest.db as newer devices do.
	EncryptManifest bool
	Device          DeviceInfo
	// Date defaults to the time Create is called.
	Date time.Time
	// ExcludedPaths lists substrings of local paths that AddTree skips.
	ExcludedPaths []string
}

// Writer creates a new encrypted backup in a local directory. Files are
// encrypted as they are added; the manifest and property lists are
// written by Close.
type Writer struct {
	disk    *storage.Disk
	kb      *keybag.KeyBag
	ul      *keybag.Unlocked
	opts    WriterOptions
	entries []manifest.Entry
	// From content key to index in entries.
	index  map[string]int
	closed bool
}

// Create starts a new backup in root, which must not exist or be empty.
func Create(root string, password []byte, opts WriterOptions) (*Writer, error) {
	if len(password) == 0 {
		return nil, errors.New("a password is required to create a backup")
	}
	if opts.Class == 0 {
		opts.Class = keybag.ClassCompleteUntilFirstUserAuthentication
	}
	if opts.Date.IsZero() {
		opts.Date = time.Now()
	}

	kb, ul, err := keybag.New(password, opts.Params)
	if err != nil {
		return nil, err
	}
	if _, ok := ul.ClassKey(opts.Class); !ok {
		ul.Close()
		return nil, fmt.Errorf("%s: %w", opts.Class, keybag.ErrNoClassKey)
	}

	d, err := storage.CreateDisk(root)
	if err != nil {
		ul.Close()
		return nil, err
	}
	return &Writer{
		disk:  d,
		kb:    kb,
		ul:    ul,
		opts:  opts,
		index: make(map[string]int),
	}, nil
}

func cleanPath(relPath string) (string, error) {
	p := strings.Trim(path.Clean("/"+relPath), "/")
	if p == "" || p != strings.Trim(relPath, "/") {
		return "", fmt.Errorf("%s: path isn't clean", relPath)
	}
	return p, nil
}

// check returns an error if e can't be added to the backup: if it's
// already present or one of its parent directories is a file.
func (w *Writer) check(e *manifest.Entry) error {
	if w.closed {
		return errors.New("backup writer already closed")
	}
	for _, dir := range manifest.Ancestors(e.RelativePath) {
		if i, ok := w.index[manifest.ContentKey(e.Domain, dir)]; ok && !w.entries[i].IsDir() {
			return fmt.Errorf("%s/%s: not a directory", e.Domain, dir)
		}
	}
	if i, ok := w.index[e.FileID]; ok && !(e.IsDir() && w.entries[i].IsDir()) {
		return &manifest.IndexError{FileID: e.FileID, Err: manifest.ErrDuplicateKey,
			Detail: e.Path()}
	}
	return nil
}

// add records e in the manifest, first adding entries for any of its
// parent directories that haven't been added yet.
func (w *Writer) add(e manifest.Entry) error {
	e.FileID = manifest.ContentKey(e.Domain, e.RelativePath)
	if err := w.check(&e); err != nil {
		return err
	}
	for _, dir := range manifest.Ancestors(e.RelativePath) {
		key := manifest.ContentKey(e.Domain, dir)
		if _, ok := w.index[key]; ok {
			continue
		}
		w.index[key] = len(w.entries)
		w.entries = append(w.entries, manifest.Entry{
			FileID: key, Domain: e.Domain, RelativePath: dir,
			Flags: manifest.FlagDir, Mode: 0755, ModTime: e.ModTime,
		})
	}

	if i, ok := w.index[e.FileID]; ok {
		// Directories implied by earlier files get their real metadata
		// now.
		w.entries[i] = e
		return nil
	}
	w.index[e.FileID] = len(w.entries)
	w.entries = append(w.entries, e)
	return nil
}

// AddFile encrypts the contents of r under a new per-file key and adds it
// to the backup.
func (w *Writer) AddFile(domain, relPath string, r io.Reader, mode os.FileMode, mtime time.Time) error {
	return w.AddFileClass(domain, relPath, r, mode, mtime, w.opts.Class)
}

// AddFileClass is like AddFile but protects the file with the given
// class.
func (w *Writer) AddFileClass(domain, relPath string, r io.Reader, mode os.FileMode,
	mtime time.Time, class keybag.Class) error {
	rel, err := cleanPath(relPath)
	if err != nil {
		return err
	}
	e := manifest.Entry{
		FileID:       manifest.ContentKey(domain, rel),
		Domain:       domain,
		RelativePath: rel,
		Flags:        manifest.FlagFile,
		Mode:         uint32(mode.Perm()),
		ModTime:      mtime,
		Class:        class,
	}
	if err := w.check(&e); err != nil {
		return err
	}

	fileKey := make([]byte, keybag.ClassKeySize)
	if _, err := io.ReadFull(rand.Reader, fileKey); err != nil {
		return err
	}
	defer zero(fileKey)
	if e.WrappedKey, err = w.ul.WrapKey(class, fileKey); err != nil {
		return fmt.Errorf("%s: %w", e.Path(), err)
	}

	// Encrypt on the fly as the blob is written.
	pr, pw := io.Pipe()
	go func() {
		enc, err := decrypt.NewWriter(pw, fileKey)
		if err == nil {
			e.Size, err = io.Copy(enc, r)
		}
		if err == nil {
			err = enc.Close()
		}
		pw.CloseWithError(err)
	}()
	_, err = w.disk.WriteBlob(e.FileID, pr)
	pr.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", e.Path(), err)
	}

	log.Debug("%s: added %d bytes", e.Path(), e.Size)
	return w.add(e)
}

// AddDir adds a directory. Directories are also added implicitly for the
// parents of files.
func (w *Writer) AddDir(domain, relPath string, mode os.FileMode, mtime time.Time) error {
	rel, err := cleanPath(relPath)
	if err != nil {
		return err
	}
	return w.add(manifest.Entry{
		Domain: domain, RelativePath: rel, Flags: manifest.FlagDir,
		Mode: uint32(mode.Perm()), ModTime: mtime,
	})
}

func (w *Writer) AddSymlink(domain, relPath, target string, mtime time.Time) error {
	rel, err := cleanPath(relPath)
	if err != nil {
		return err
	}
	return w.add(manifest.Entry{
		Domain: domain, RelativePath: rel, Flags: manifest.FlagSymlink,
		Mode: 0755, ModTime: mtime, Target: target,
	})
}

// AddTree adds the contents of the local directory dirpath (and its
// subdirectories) to the given domain. If we're unable to back up
// individual files or directories along the way, an error is logged but
// the walk continues; we don't want to report failure if, for example,
// we don't have permissions to read a file.
func (w *Writer) AddTree(domain, dirpath string) error {
	return w.addTree(domain, dirpath, "")
}

func (w *Writer) addTree(domain, dirpath, rel string) error {
	entries, err := os.ReadDir(dirpath)
	if err != nil {
		return err
	}

	isExcluded := func(path string) bool {
		for _, excl := range w.opts.ExcludedPaths {
			if strings.Contains(path, excl) {
				return true
			}
		}
		return false
	}

	for _, de := range entries {
		p := filepath.Join(dirpath, de.Name())
		if isExcluded(p) {
			log.Verbose("%s: excluding from backup", p)
			continue
		}
		f, err := de.Info()
		if err != nil {
			log.Error("%s: %s", p, err)
			continue
		}
		r := path.Join(rel, de.Name())

		log.Debug("%s: backing up", p)
		switch {
		case f.IsDir():
			if err := w.AddDir(domain, r, f.Mode(), f.ModTime()); err != nil {
				log.Error("%s: %s", p, err)
				continue
			}
			if err := w.addTree(domain, p, r); err != nil {
				log.Error("%s: %s", p, err)
			}
		case f.Mode().IsRegular():
			in, err := os.Open(p)
			if err != nil {
				log.Error("%s: %s", p, err)
				continue
			}
			err = w.AddFile(domain, r, in, f.Mode(), f.ModTime())
			in.Close()
			if err != nil {
				log.Error("%s: %s", p, err)
			}
		case f.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				log.Error("%s: %s", p, err)
				continue
			}
			if err := w.AddSymlink(domain, r, target, f.ModTime()); err != nil {
				log.Error("%s: %s", p, err)
			}
		default:
			log.Warning("%s: skipping special file", p)
		}
	}
	return nil
}

// Close writes the manifest and property lists that make the backup
// complete, and forgets the class keys.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.ul.Close()

	m := Manifest{
		IsEncrypted:    true,
		BackupKeyBag:   w.kb.Marshal(),
		Version:        "10.0",
		Date:           w.opts.Date,
		WasPasscodeSet: true,
		Lockdown: Lockdown{
			DeviceName:     w.opts.Device.DeviceName,
			ProductVersion: w.opts.Device.ProductVersion,
			ProductType:    w.opts.Device.ProductType,
			BuildVersion:   w.opts.Device.BuildVersion,
			UniqueDeviceID: w.opts.Device.TargetIdentifier,
			SerialNumber:   w.opts.Device.SerialNumber,
		},
	}

	dbPath := w.disk.MetadataPath(ManifestDB)
	if w.opts.EncryptManifest {
		tmp, err := os.MkdirTemp("", "mbk-manifest")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		plain := filepath.Join(tmp, ManifestDB)
		if err := manifest.Create(ctx, plain, w.entries); err != nil {
			return err
		}

		key := make([]byte, keybag.ClassKeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return err
		}
		defer zero(key)
		class := keybag.ClassNone
		if _, ok := w.ul.ClassKey(class); !ok {
			class = w.opts.Class
		}
		wrapped, err := w.ul.WrapKey(class, key)
		if err != nil {
			return err
		}
		m.ManifestKey = make([]byte, 4, 4+len(wrapped))
		binary.LittleEndian.PutUint32(m.ManifestKey, uint32(class))
		m.ManifestKey = append(m.ManifestKey, wrapped...)

		if err := decrypt.EncryptFile(plain, dbPath, key); err != nil {
			return err
		}
	} else if err := manifest.Create(ctx, dbPath, w.entries); err != nil {
		return err
	}

	device := w.opts.Device
	if device.LastBackupDate.IsZero() {
		device.LastBackupDate = w.opts.Date
	}
	if device.DisplayName == "" {
		device.DisplayName = device.DeviceName
	}
	status := Status{
		IsFullBackup:  true,
		Version:       "3.3",
		BackupState:   "new",
		SnapshotState: "finished",
		UUID:          strings.ToUpper(uuid.NewString()),
		Date:          w.opts.Date,
	}

	for _, md := range []struct {
		name   string
		v      interface{}
		format int
	}{
		{ManifestPlist, m, plist.BinaryFormat},
		{InfoPlist, device, plist.XMLFormat},
		{StatusPlist, status, plist.BinaryFormat},
	} {
		b, err := plist.MarshalIndent(md.v, md.format, "\t")
		if err != nil {
			return err
		}
		if err := w.disk.WriteMetadata(md.name, b); err != nil {
			return err
		}
	}

	log.Verbose("%s: wrote backup with %d entries", w.disk.Root(), len(w.entries))
	return nil
}
