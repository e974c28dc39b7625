// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Disk is a Store (and Writer) for a backup directory in the local
// filesystem. Blobs are stored in 256 shard directories named by the
// first two hex digits of their key: root/ab/abcdef.... Some older
// backups store blobs directly in the root directory; those are found
// too.
//
// Files ending in .rs hold Reed-Solomon parity data (see the rdso
// package) and files ending in .tmp are leftovers of interrupted writes;
// both are ignored.
type Disk struct {
	root string
}

// NewDisk returns a Store for the backup in the given directory.
func NewDisk(root string) (*Disk, error) {
	stat, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", root)
	}
	return &Disk{root: root}, nil
}

// CreateDisk makes a new, empty backup directory and returns a Store for
// it. The directory must not exist or must be empty.
func CreateDisk(root string) (*Disk, error) {
	if entries, err := os.ReadDir(root); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%s: directory not empty", root)
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &Disk{root: root}, nil
}

func (d *Disk) String() string {
	return "disk: " + d.root
}

// Root returns the backup directory.
func (d *Disk) Root() string {
	return d.root
}

// BlobPath returns the sharded path where the blob for key is (or would
// be) stored.
func (d *Disk) BlobPath(key string) string {
	return filepath.Join(d.root, key[:2], key)
}

func (d *Disk) MetadataPath(name string) string {
	return filepath.Join(d.root, name)
}

func (d *Disk) OpenBlob(key string) (io.ReadCloser, error) {
	if !ValidKey(key) {
		return nil, &BlobError{Key: key, Err: ErrInvalidKey}
	}

	for _, path := range []string{d.BlobPath(key), filepath.Join(d.root, key)} {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, &BlobError{Key: key, Err: err}
		}
	}
	return nil, &BlobError{Key: key, Err: ErrBlobNotFound}
}

func (d *Disk) BlobExists(key string) bool {
	if !ValidKey(key) {
		return false
	}
	for _, path := range []string{d.BlobPath(key), filepath.Join(d.root, key)} {
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return true
		}
	}
	return false
}

func ignoredFile(name string) bool {
	return strings.HasSuffix(name, ".rs") || strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".recovered")
}

func (d *Disk) Keys() (map[string]struct{}, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{})
	for _, e := range entries {
		switch {
		case e.IsDir() && isShardName(e.Name()):
			shard := filepath.Join(d.root, e.Name())
			blobs, err := os.ReadDir(shard)
			if err != nil {
				return nil, err
			}
			for _, b := range blobs {
				name := b.Name()
				if b.IsDir() || ignoredFile(name) {
					continue
				}
				if !ValidKey(name) || !strings.HasPrefix(name, e.Name()) {
					log.Warning("%s: unexpected file in shard directory", filepath.Join(shard, name))
					continue
				}
				keys[name] = struct{}{}
			}
		case !e.IsDir() && len(e.Name()) == 40 && ValidKey(e.Name()):
			// Older, unsharded layout.
			keys[e.Name()] = struct{}{}
		}
	}
	return keys, nil
}

func (d *Disk) WriteBlob(key string, r io.Reader) (int64, error) {
	if !ValidKey(key) {
		return 0, &BlobError{Key: key, Err: ErrInvalidKey}
	}
	w, err := createAtomic(d.BlobPath(key))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Abort()
		return n, err
	}
	return n, w.Close()
}

func (d *Disk) WriteMetadata(name string, data []byte) error {
	w, err := createAtomic(d.MetadataPath(name))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

func (d *Disk) ReadMetadata(name string) ([]byte, error) {
	b, err := os.ReadFile(d.MetadataPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrMetadataNotFound)
	}
	return b, err
}

func (d *Disk) MetadataExists(name string) bool {
	fi, err := os.Stat(d.MetadataPath(name))
	return err == nil && fi.Mode().IsRegular()
}

func (d *Disk) ListMetadata() (map[string]time.Time, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}

	m := make(map[string]time.Time)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || ignoredFile(name) || (len(name) == 40 && ValidKey(name)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		m[name] = info.ModTime()
	}
	return m, nil
}
