// rdso/file.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	u "github.com/mmp/mbk/util"
)

// Suffix is appended to the name of a file to give the name of its
// Reed-Solomon encoding.
const Suffix = ".rs"

// Options controls the Reed-Solomon encoding of files.
type Options struct {
	NDataShards   int
	NParityShards int
	HashRate      int
}

var DefaultOptions = Options{NDataShards: 17, NParityShards: 3, HashRate: 1024 * 1024}

// hashRate returns the hash rate to use for a file of the given size:
// there's no point in segments much larger than the file.
func (o Options) hashRate(size int64) int {
	hr := int64(o.HashRate)
	for hr > 1024 && int64(o.NDataShards)*hr/2 >= size {
		hr /= 2
	}
	return int(hr)
}

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
func EncodeFile(fn, rsfn string, opts Options) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	tmp := rsfn + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = Encode(f, fi.Size(), out, opts.NDataShards, opts.NParityShards, opts.hashRate(fi.Size()))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, rsfn)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	if err := Check(f, rs, log); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RestoreFile repairs the file fn and its encoding rsfn in place.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()

	out, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	rsout, err := os.Create(rsfn + ".recovered")
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}

	size := fi.Size()
	if h, herr := readHeader(rsfn); herr == nil {
		// The data may have been truncated.
		size = h.FileSize
	}
	err = Restore(f, rs, size, out, rsout, log)
	for _, c := range []*os.File{out, rsout} {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	if err == nil {
		err = os.Rename(out.Name(), fn)
	}
	if err == nil {
		err = os.Rename(rsout.Name(), rsfn)
	}
	if err != nil {
		os.Remove(out.Name())
		os.Remove(rsout.Name())
		return fmt.Errorf("%s: %w", fn, err)
	}
	log.Verbose("%s: restored", fn)
	return nil
}

func readHeader(rsfn string) (rsFileHeader, error) {
	var h rsFileHeader
	f, err := os.Open(rsfn)
	if err != nil {
		return h, err
	}
	defer f.Close()
	err = forEachSegmentHeader(strings.NewReader(""), f, nil,
		func(hdr rsFileHeader) error {
			h = hdr
			return errStop
		}, nil)
	if err == errStop {
		err = nil
	}
	return h, err
}

var errStop = errors.New("stop")

///////////////////////////////////////////////////////////////////////////
// Directory trees

// TreeReport summarizes the results of EncodeTree or CheckTree.
type TreeReport struct {
	Files     int
	Encoded   int
	Corrupt   []string
	Restored  []string
	Unencoded []string
}

// protectable reports whether the file should have an encoding.
func protectable(d fs.DirEntry) bool {
	name := d.Name()
	return d.Type().IsRegular() && !strings.HasSuffix(name, Suffix) &&
		!strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, ".recovered")
}

// EncodeTree writes .rs files for all files under root that don't have
// an up-to-date one.
func EncodeTree(root string, opts Options, log *u.Logger) (TreeReport, error) {
	var r TreeReport
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !protectable(d) {
			return nil
		}
		r.Files++

		fi, err := d.Info()
		if err != nil {
			return err
		}
		rsfn := path + Suffix
		if rsfi, err := os.Stat(rsfn); err == nil && !rsfi.ModTime().Before(fi.ModTime()) {
			return nil
		}

		log.Debug("%s: encoding", path)
		if err := EncodeFile(path, rsfn, opts); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		r.Encoded++
		return nil
	})
	log.Verbose("%s: encoded %d of %d files", root, r.Encoded, r.Files)
	return r, err
}

// CheckTree checks all files under root against their encodings. If
// restore is set, corrupt files are repaired.
func CheckTree(root string, restore bool, log *u.Logger) (TreeReport, error) {
	var r TreeReport
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !protectable(d) {
			return nil
		}
		r.Files++

		rsfn := path + Suffix
		if _, err := os.Stat(rsfn); err != nil {
			r.Unencoded = append(r.Unencoded, path)
			return nil
		}
		if err := CheckFile(path, rsfn, log); err == nil {
			return nil
		} else if !errors.Is(err, ErrFileCorrupt) {
			return err
		}

		r.Corrupt = append(r.Corrupt, path)
		if restore {
			if err := RestoreFile(path, rsfn, log); err != nil {
				log.Error("%s", err)
			} else {
				r.Restored = append(r.Restored, path)
			}
		}
		return nil
	})
	if len(r.Unencoded) > 0 {
		log.Warning("%s: %d files have no Reed-Solomon encoding", root, len(r.Unencoded))
	}
	return r, err
}
