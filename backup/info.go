// backup/info.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"howett.net/plist"
)

// Info summarizes a backup for listings.
type Info struct {
	Path           string
	ID             string
	DeviceName     string
	ProductType    string
	ProductVersion string
	BuildVersion   string
	SerialNumber   string
	Date           time.Time
	Encrypted      bool
	Full           bool
	Size           int64
}

// DisplayName returns a name for the backup that includes its date.
func (i Info) DisplayName() string {
	return i.DeviceName + " - " + i.Date.Local().Format("2006-01-02 15:04")
}

func (i Info) String() string {
	enc := ""
	if i.Encrypted {
		enc = ", encrypted"
	}
	return fmt.Sprintf("%s (%s, iOS %s, %s%s)", i.DisplayName(), i.ID, i.ProductVersion,
		u.FmtBytes(i.Size), enc)
}

// Info returns a summary of b. The size is only computed for backups in
// the local filesystem.
func (b *Backup) Info() Info {
	i := Info{
		Path:           b.store.String(),
		ID:             b.Device.TargetIdentifier,
		DeviceName:     b.DeviceName(),
		ProductType:    b.Device.ProductType,
		ProductVersion: b.Device.ProductVersion,
		BuildVersion:   b.Device.BuildVersion,
		SerialNumber:   b.Device.SerialNumber,
		Date:           b.Date(),
		Encrypted:      b.Encrypted(),
		Full:           true,
	}
	if i.ID == "" {
		i.ID = b.Manifest.Lockdown.UniqueDeviceID
	}
	if i.ProductVersion == "" {
		i.ProductVersion = b.Manifest.Lockdown.ProductVersion
	}
	if i.ProductType == "" {
		i.ProductType = b.Manifest.Lockdown.ProductType
	}
	if b.Status != nil {
		i.Full = b.Status.IsFullBackup
	}
	if d, ok := b.store.(*storage.Disk); ok {
		i.Path = d.Root()
		i.Size = dirSize(d.Root())
	}
	return i
}

func dirSize(root string) int64 {
	var size int64
	filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.Type().IsRegular() {
			if fi, err := e.Info(); err == nil {
				size += fi.Size()
			}
		}
		return nil
	})
	return size
}

// List returns information about the backups in the subdirectories of
// dir, newest first. Directories that don't hold a readable backup are
// skipped with a warning.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(path, InfoPlist)); err != nil {
			continue
		}
		b, err := OpenDir(path)
		if err != nil {
			log.Warning("%s: %s", path, err)
			continue
		}
		i := b.Info()
		if i.ID == "" {
			i.ID = e.Name()
		}
		infos = append(infos, i)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Date.After(infos[j].Date)
	})
	return infos, nil
}

// Delete removes the backup in the given directory, after checking that
// it does in fact look like a backup.
func Delete(root string) error {
	for _, name := range []string{ManifestPlist, InfoPlist} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			log.Verbose("%s: deleting backup", root)
			return os.RemoveAll(root)
		}
	}
	return fmt.Errorf("%s: %w", root, ErrNotBackup)
}

// ChangePassword rewraps the class keys of the backup in root under a
// new password. Only Manifest.plist changes; file contents and their
// wrapped keys are untouched.
func ChangePassword(root string, oldPassword, newPassword []byte, p keybag.Params) error {
	b, err := OpenDir(root)
	if err != nil {
		return err
	}
	ul, err := b.Unlock(oldPassword)
	if err != nil {
		return err
	}
	defer ul.Close()

	kb, err := ul.Rekey(newPassword, p)
	if err != nil {
		return err
	}
	m := b.Manifest
	m.BackupKeyBag = kb.Marshal()
	data, err := plist.Marshal(m, plist.BinaryFormat)
	if err != nil {
		return err
	}

	path := filepath.Join(root, ManifestPlist)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	log.Verbose("%s: password changed", root)
	return nil
}
