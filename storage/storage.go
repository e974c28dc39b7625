// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	u "github.com/mmp/mbk/util"
)

var (
	ErrBlobNotFound     = errors.New("blob not found")
	ErrInvalidKey       = errors.New("invalid content key")
	ErrMetadataNotFound = errors.New("metadata not found")
	ErrExists           = errors.New("already exists")
)

// BlobError reports a problem with a single blob. Blob errors concern
// one file only; callers processing many files should record them and
// continue.
type BlobError struct {
	Key string
	Err error
}

func (e *BlobError) Error() string {
	return e.Key + ": " + e.Err.Error()
}

func (e *BlobError) Unwrap() error { return e.Err }

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Content keys

// NumShards is the number of shard directories that blobs are spread
// across; the shard is given by the first two hex digits of the key.
const NumShards = 256

// ValidKey reports whether key looks like a content-addressing key:
// lowercase hexadecimal, long enough to have a shard prefix.
func ValidKey(key string) bool {
	if len(key) < 3 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// ShardPath returns the path of the blob for key relative to the root of
// a backup, using forward slashes.
func ShardPath(key string) string {
	return key[:2] + "/" + key
}

func isShardName(name string) bool {
	return len(name) == 2 && ValidKey(name+"0")
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Store provides read access to the contents of a backup: blobs named by
// content key, and a handful of named metadata files (the manifest, the
// key bag container, device info, ...).
//
// All methods are safe for concurrent use; stores are read-only views of
// a backup.
type Store interface {
	// String returns the name of the Store in the form of a string.
	String() string

	// OpenBlob returns an io.ReadCloser that provides the raw bytes of
	// the blob with the given key. If the blob isn't present, the error
	// is a *BlobError wrapping ErrBlobNotFound.
	OpenBlob(key string) (io.ReadCloser, error)

	// BlobExists reports whether a blob with the given key is present.
	BlobExists(key string) bool

	// Keys returns the set of all blob keys in the store.
	Keys() (map[string]struct{}, error)

	// ReadMetadata returns the contents of the named metadata file.
	ReadMetadata(name string) ([]byte, error)

	// MetadataExists indicates whether the named metadata is present.
	MetadataExists(name string) bool

	// ListMetadata returns a map from all of the existing metadata
	// to the time each one was last modified.
	ListMetadata() (map[string]time.Time, error)
}

// Writer is implemented by stores that can also be written to, as is
// done when creating or mirroring a backup. Writes of existing names
// fail with ErrExists.
type Writer interface {
	WriteBlob(key string, r io.Reader) (int64, error)
	WriteMetadata(name string, data []byte) error
}

// LocalPather is implemented by stores whose metadata lives in the local
// filesystem, so that consumers that need a real file (e.g., a database
// driver) can avoid making a copy.
type LocalPather interface {
	MetadataPath(name string) string
}

///////////////////////////////////////////////////////////////////////////
// Some utility stuff

type readerAndCloser struct {
	io.Reader
	io.Closer
}

// atomicFile writes to a temporary file that is only renamed to its final
// name once everything has safely reached the disk; an interrupted write
// leaves just a .tmp file behind.
type atomicFile struct {
	f    *os.File
	name string
}

func createAtomic(name string) (*atomicFile, error) {
	if _, err := os.Stat(name); err == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(name+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &atomicFile{f: f, name: name}, nil
}

func (a *atomicFile) Write(b []byte) (int, error) {
	return a.f.Write(b)
}

func (a *atomicFile) Abort() {
	a.f.Close()
	os.Remove(a.f.Name())
}

func (a *atomicFile) Close() error {
	if err := a.f.Sync(); err != nil {
		a.Abort()
		return err
	}
	if err := a.f.Close(); err != nil {
		os.Remove(a.f.Name())
		return err
	}
	return os.Rename(a.f.Name(), a.name)
}

///////////////////////////////////////////////////////////////////////////

// Copy copies every metadata file and blob from src to dst, skipping
// blobs that dst already has when dst is also a Store. It's used to
// mirror a backup to another location.
func Copy(src Store, dst Writer) error {
	md, err := src.ListMetadata()
	if err != nil {
		return err
	}
	var names []string
	for name := range md {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := src.ReadMetadata(name)
		if err != nil {
			return err
		}
		if err := dst.WriteMetadata(name, b); err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}

	keys, err := src.Keys()
	if err != nil {
		return err
	}
	dstStore, _ := dst.(Store)
	var copied, bytes int64
	for key := range keys {
		if dstStore != nil && dstStore.BlobExists(key) {
			continue
		}
		r, err := src.OpenBlob(key)
		if err != nil {
			return err
		}
		n, err := dst.WriteBlob(key, r)
		r.Close()
		if err != nil {
			return err
		}
		copied++
		bytes += n
	}
	log.Verbose("copied %d blobs (%s) and %d metadata files", copied,
		u.FmtBytes(bytes), len(names))
	return nil
}
