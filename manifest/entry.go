// manifest/entry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/mmp/mbk/keybag"
)

// Flags gives the kind of a manifest entry.
type Flags int

const (
	FlagFile    Flags = 1
	FlagDir     Flags = 2
	FlagSymlink Flags = 4
)

// Known reports whether f is one of the file, directory, and symlink
// values. Other values are extension-specified; such entries are loaded
// and listed but have no content that can be restored.
func (f Flags) Known() bool {
	return f == FlagFile || f == FlagDir || f == FlagSymlink
}

func (f Flags) String() string {
	switch f {
	case FlagFile:
		return "file"
	case FlagDir:
		return "dir"
	case FlagSymlink:
		return "symlink"
	default:
		return "flags(" + strconv.Itoa(int(f)) + ")"
	}
}

// POSIX file type bits, as stored in an entry's Mode.
const (
	modeTypeMask = 0170000
	modeDir      = 0040000
	modeRegular  = 0100000
	modeSymlink  = 0120000
)

// Entry describes one file, directory, or symlink in a backup.
type Entry struct {
	// FileID is the content-addressing key: hex(SHA1(domain-path)).
	FileID       string
	Domain       string
	RelativePath string
	Flags        Flags

	Size int64
	// Mode holds POSIX st_mode bits, including the file type.
	Mode    uint32
	ModTime time.Time
	UserID  int
	GroupID int

	// Class is the protection class whose key wraps WrappedKey. Both
	// are zero for entries without content and in unencrypted backups.
	Class      keybag.Class
	WrappedKey []byte

	// Target is the link target for symlinks.
	Target string
}

// ContentKey returns the content-addressing key for the file with the
// given domain and relative path.
func ContentKey(domain, relativePath string) string {
	h := sha1.Sum([]byte(domain + "-" + relativePath))
	return hex.EncodeToString(h[:])
}

func (e *Entry) IsDir() bool     { return e.Flags == FlagDir }
func (e *Entry) IsSymlink() bool { return e.Flags == FlagSymlink }
func (e *Entry) IsFile() bool    { return e.Flags == FlagFile }

// Encrypted reports whether the entry's content is encrypted with a
// per-file key.
func (e *Entry) Encrypted() bool {
	return len(e.WrappedKey) > 0
}

// Path returns the entry's domain and relative path joined with a slash.
func (e *Entry) Path() string {
	if e.RelativePath == "" {
		return e.Domain
	}
	return e.Domain + "/" + e.RelativePath
}

// Name returns the last element of the entry's relative path.
func (e *Entry) Name() string {
	return path.Base(e.RelativePath)
}

// Dir returns the relative path of the directory holding the entry; ""
// for entries at the top of their domain.
func (e *Entry) Dir() string {
	d := path.Dir(e.RelativePath)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

// FileMode converts the entry's POSIX mode to an os.FileMode.
func (e *Entry) FileMode() os.FileMode {
	m := os.FileMode(e.Mode & 0777)
	if e.Mode&04000 != 0 {
		m |= os.ModeSetuid
	}
	if e.Mode&02000 != 0 {
		m |= os.ModeSetgid
	}
	if e.Mode&01000 != 0 {
		m |= os.ModeSticky
	}
	switch {
	case e.IsDir():
		m |= os.ModeDir
	case e.IsSymlink():
		m |= os.ModeSymlink
	}
	return m
}

// typeBits returns the POSIX file type bits implied by the entry's
// flags.
func (f Flags) typeBits() uint32 {
	switch f {
	case FlagDir:
		return modeDir
	case FlagSymlink:
		return modeSymlink
	case FlagFile:
		return modeRegular
	default:
		return 0
	}
}
