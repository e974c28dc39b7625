// cmd/mbk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// mbk_e2etest repeatedly creates a random directory tree, backs it up with
// "mbk create", extracts it with "mbk extract" (possibly killing the
// extraction along the way), and checks that the result matches. It
// expects the mbk binary to be in $PATH.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	u "github.com/mmp/mbk/util"
)

var (
	log   = u.NewLogger(true /*verbose*/, false /*debug*/)
	rng   *rand.Rand
	nDirs = 1
)

const (
	e2eDir = "/tmp/mbk_e2e"
	domain = "HomeDomain"
)

func main() {
	seed := int64(os.Getpid())
	log.Print("Seed %d", seed)
	rng = rand.New(rand.NewSource(seed))

	_ = os.RemoveAll(e2eDir)
	log.CheckError(os.Mkdir(e2eDir, 0700))
	os.Setenv("MBK_DIR", e2eDir)
	os.Setenv("MBK_PASSWORD", "foobar")

	extractTest(randBool(), 10)
	if log.Errors() > 0 {
		os.Exit(1)
	}
}

func randBool() bool {
	return rng.Float32() < .5
}

func expSize() int64 {
	logSize := rng.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rng.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Print("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Print("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	log.CheckError(cmd.Start())

	killed := false
	if randBool() {
		logMs := uint(rng.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Print("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			if err := cmd.Process.Kill(); err != nil {
				log.Print("Kill error! %v", err)
			} else {
				log.Print("Killed process successfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Print("Wait result %v", err)
	}
	if killed {
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func extractTest(randomlyKill bool, iters int) {
	tmpSrc, err := os.MkdirTemp("", "mbk-test-src")
	log.CheckError(err)
	log.Print("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	tmpDst, err := os.MkdirTemp("", "mbk-test-dst")
	log.CheckError(err)
	log.Print("Local dst directory: %s", tmpDst)
	defer os.RemoveAll(tmpDst)

	for i := 0; i < iters; i++ {
		if err := update(tmpSrc); err != nil {
			log.Fatal("%s", err)
		}

		name := fmt.Sprintf("mbk-%d", i)
		if _, err := runCommand("mbk create --dp-iterations 1000", name, domain+"="+tmpSrc); err != nil {
			log.Fatal("%s: %s", name, err)
		}
		if _, err := runCommand("mbk fsck --decrypt", name); err != nil {
			log.Fatal("%s: %s", name, err)
		}

		if err := extract(tmpDst, name, randomlyKill); err != nil {
			log.Fatal("%s", err)
		}
		if err := compare(tmpSrc, filepath.Join(tmpDst, domain)); err != nil {
			log.Fatal("%s", err)
		}

		if randBool() {
			if err := protectAndRepair(name); err != nil {
				log.Fatal("%s", err)
			}
		}
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rng.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Print("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rng.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						if err := os.Mkdir(n, 0700); err != nil {
							return err
						}
						log.Print("%s: created directory", n)
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rng.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						f, err := os.Create(n)
						if err != nil {
							return err
						}
						newlen := expSize()
						buf := make([]byte, newlen)
						_, _ = rng.Read(buf)
						io.Copy(f, bytes.NewReader(buf))
						f.Close()
						log.Print("%s: created file. length %d", n, newlen)
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if randBool() {
				// Move the modification time back; only whole seconds
				// are recorded in the manifest.
				t := stat.ModTime().Add(-time.Duration(rng.Intn(100000)) * time.Second)
				if err := os.Chtimes(path, t, t); err != nil {
					return err
				}
				log.Print("%s: set modification time to %s", path, t)
			}

			perms := stat.Mode()
			if randBool() {
				newp := rng.Intn(0777) | 0400
				if err := os.Chmod(path, os.FileMode(newp)); err != nil {
					return err
				}
				log.Print("%s: changed permissions to %#o", path, newp)
				perms = os.FileMode(newp)
			}

			if randBool() && (perms&0600) == 0600 {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rng.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rng.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Print("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					sz := rng.Int63n(stat.Size())
					if err := f.Truncate(sz); err != nil {
						return err
					}
					log.Print("%s: truncated at %d", path, sz)
				}
			}
			return nil
		})
}

// extract extracts the backup to dir until an extraction finishes without
// being killed. Extractions that are killed may leave .partial files
// behind but never a truncated file under its final name.
func extract(dir string, name string, randomlyKill bool) error {
	log.Print("Starting extract")
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	for {
		cmd := "mbk extract --preserve-mode " + name + " " + dir
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}
		if err != errKilled {
			if err != nil {
				return err
			}
			break
		}
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasSuffix(path, ".partial") {
			return fmt.Errorf("%s: left behind by a finished extraction", path)
		}
		return err
	})
}

// protectAndRepair writes parity for the backup, damages one of its
// blobs, and checks that fsck repairs it.
func protectAndRepair(name string) error {
	if _, err := runCommand("mbk protect", name); err != nil {
		return err
	}

	var victim string
	var size int64
	filepath.Walk(filepath.Join(e2eDir, name), func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() && filepath.Ext(path) == "" &&
			len(info.Name()) == 40 && info.Size() > size {
			victim, size = path, info.Size()
		}
		return nil
	})
	if victim == "" {
		log.Print("%s: no blobs to damage", name)
		return nil
	}

	f, err := os.OpenFile(victim, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	offset := rng.Int63n(size)
	b := []byte{0}
	f.ReadAt(b, offset)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, offset)
	f.Close()
	if err != nil {
		return err
	}
	log.Print("%s: damaged byte %d", victim, offset)

	if _, err := runCommand("mbk fsck --parity", name); err == nil {
		return fmt.Errorf("%s: fsck didn't notice damaged blob %s", name, victim)
	}
	if _, err := runCommand("mbk fsck --repair", name); err != nil {
		return err
	}
	_, err = runCommand("mbk fsck --decrypt --parity", name)
	return err
}

func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			// compute corresponding pathname for second file
			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)

			statb, err := os.Lstat(pb)
			if os.IsNotExist(err) {
				log.Print("%s: not found", pb)
				mismatches++
				return nil
			}

			if stata.IsDir() != statb.IsDir() {
				log.Print("%s: is file/is directory mismatch with %s", pa, pb)
				mismatches++
				return nil
			}
			if stata.IsDir() {
				// Directory times and permissions change as files are
				// written into them.
				return nil
			}

			if stata.Mode() != statb.Mode() {
				log.Print("%s: permissions %#o mismatch %s permissions %#o", pa,
					stata.Mode(), pb, statb.Mode())
				mismatches++
			}

			if stata.ModTime().Unix() != statb.ModTime().Unix() {
				log.Print("%s: mod time %s mismatches %s mod time %s", pa,
					stata.ModTime(), pb, statb.ModTime())
				mismatches++
			}

			if stata.Size() != statb.Size() {
				log.Print("%s: size %d mismatches %s size %d", pa, stata.Size(),
					pb, statb.Size())
				mismatches++
				return nil
			}

			cmp := exec.Command("cmp", pa, pb)
			if err := cmp.Run(); err != nil {
				log.Print("%s and %s differ", pa, pb)
				mismatches++
			}
			return nil
		})

	if err != nil {
		return err
	} else if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
