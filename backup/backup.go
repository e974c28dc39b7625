// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup opens device backups: it reads the property lists that
// describe a backup, unlocks its key bag, and loads its manifest.
package backup

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mmp/mbk/decrypt"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"howett.net/plist"
)

// Names of the metadata files at the top level of a backup.
const (
	ManifestPlist = "Manifest.plist"
	ManifestDB    = "Manifest.db"
	InfoPlist     = "Info.plist"
	StatusPlist   = "Status.plist"
	legacyMBDB    = "Manifest.mbdb"
)

var (
	ErrNotEncrypted = errors.New("backup isn't encrypted")
	ErrNotBackup    = errors.New("not a backup")
	ErrLegacyFormat = errors.New("legacy backup format (Manifest.mbdb) not supported")
	ErrLocked       = errors.New("backup manifest is encrypted; unlock first")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Property lists

// Lockdown holds the device information recorded in Manifest.plist.
type Lockdown struct {
	DeviceName     string `plist:"DeviceName,omitempty"`
	ProductVersion string `plist:"ProductVersion,omitempty"`
	ProductType    string `plist:"ProductType,omitempty"`
	BuildVersion   string `plist:"BuildVersion,omitempty"`
	UniqueDeviceID string `plist:"UniqueDeviceID,omitempty"`
	SerialNumber   string `plist:"SerialNumber,omitempty"`
}

// Manifest is the contents of Manifest.plist.
type Manifest struct {
	IsEncrypted    bool      `plist:"IsEncrypted"`
	BackupKeyBag   []byte    `plist:"BackupKeyBag,omitempty"`
	ManifestKey    []byte    `plist:"ManifestKey,omitempty"`
	Version        string    `plist:"Version,omitempty"`
	Date           time.Time `plist:"Date,omitempty"`
	WasPasscodeSet bool      `plist:"WasPasscodeSet"`
	Lockdown       Lockdown  `plist:"Lockdown"`
}

// DeviceInfo is the contents of Info.plist. It's informational only.
type DeviceInfo struct {
	DeviceName       string    `plist:"Device Name,omitempty"`
	DisplayName      string    `plist:"Display Name,omitempty"`
	TargetIdentifier string    `plist:"Target Identifier,omitempty"`
	ProductVersion   string    `plist:"Product Version,omitempty"`
	ProductType      string    `plist:"Product Type,omitempty"`
	BuildVersion     string    `plist:"Build Version,omitempty"`
	SerialNumber     string    `plist:"Serial Number,omitempty"`
	LastBackupDate   time.Time `plist:"Last Backup Date,omitempty"`
}

// Status is the contents of Status.plist.
type Status struct {
	IsFullBackup  bool      `plist:"IsFullBackup"`
	Version       string    `plist:"Version,omitempty"`
	BackupState   string    `plist:"BackupState,omitempty"`
	SnapshotState string    `plist:"SnapshotState,omitempty"`
	UUID          string    `plist:"UUID,omitempty"`
	Date          time.Time `plist:"Date,omitempty"`
}

func readPlist(st storage.Store, name string, v interface{}) error {
	b, err := st.ReadMetadata(name)
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Backup

// Backup is an opened backup. Opening a backup never modifies it.
type Backup struct {
	store    storage.Store
	Manifest Manifest
	Device   DeviceInfo
	// Status is nil if the backup has no Status.plist.
	Status *Status
	keyBag *keybag.KeyBag
}

// Open reads the metadata of the backup in st. The key bag of an
// encrypted backup is parsed, but not unlocked.
func Open(st storage.Store) (*Backup, error) {
	if !st.MetadataExists(ManifestPlist) {
		if st.MetadataExists(legacyMBDB) {
			return nil, ErrLegacyFormat
		}
		return nil, fmt.Errorf("%s: %w: no %s", st, ErrNotBackup, ManifestPlist)
	}

	b := &Backup{store: st}
	if err := readPlist(st, ManifestPlist, &b.Manifest); err != nil {
		return nil, err
	}
	if st.MetadataExists(InfoPlist) {
		if err := readPlist(st, InfoPlist, &b.Device); err != nil {
			log.Warning("%s: %s", st, err)
		}
	}
	if st.MetadataExists(StatusPlist) {
		var s Status
		if err := readPlist(st, StatusPlist, &s); err != nil {
			log.Warning("%s: %s", st, err)
		} else {
			b.Status = &s
		}
	}

	if b.Manifest.IsEncrypted {
		if len(b.Manifest.BackupKeyBag) == 0 {
			return nil, &keybag.AuthError{Err: keybag.ErrMalformedKeyBag,
				Detail: "no key bag in " + ManifestPlist}
		}
		kb, err := keybag.Parse(b.Manifest.BackupKeyBag)
		if err != nil {
			return nil, err
		}
		b.keyBag = kb
	}

	log.Debug("%s: opened backup of %q (encrypted: %v)", st, b.DeviceName(), b.Encrypted())
	return b, nil
}

// OpenDir opens the backup in the given directory.
func OpenDir(root string) (*Backup, error) {
	d, err := storage.NewDisk(root)
	if err != nil {
		return nil, err
	}
	return Open(d)
}

func (b *Backup) String() string {
	return b.store.String()
}

// Store returns the store holding the backup's files.
func (b *Backup) Store() storage.Store {
	return b.store
}

func (b *Backup) Encrypted() bool {
	return b.Manifest.IsEncrypted
}

// KeyBag returns the backup's key bag; it's nil for unencrypted backups.
func (b *Backup) KeyBag() *keybag.KeyBag {
	return b.keyBag
}

// DeviceName returns the name of the device that was backed up.
func (b *Backup) DeviceName() string {
	switch {
	case b.Device.DeviceName != "":
		return b.Device.DeviceName
	case b.Manifest.Lockdown.DeviceName != "":
		return b.Manifest.Lockdown.DeviceName
	default:
		return "Unknown"
	}
}

// Date returns when the backup was made.
func (b *Backup) Date() time.Time {
	switch {
	case !b.Device.LastBackupDate.IsZero():
		return b.Device.LastBackupDate
	case b.Status != nil && !b.Status.Date.IsZero():
		return b.Status.Date
	default:
		return b.Manifest.Date
	}
}

// Unlock derives the class keys of an encrypted backup from password.
// A wrong password is reported as keybag.ErrWrongPassword.
func (b *Backup) Unlock(password []byte) (*keybag.Unlocked, error) {
	if !b.Encrypted() {
		return nil, ErrNotEncrypted
	}
	return b.keyBag.Unlock(password)
}

// Index loads the backup's manifest. For an encrypted backup, ul must be
// the result of Unlock; for unencrypted ones it's ignored.
//
// Newer encrypted backups also encrypt Manifest.db itself; it is
// decrypted to a temporary file that is removed once the index is
// loaded.
func (b *Backup) Index(ctx context.Context, ul *keybag.Unlocked) (*manifest.Index, error) {
	if !b.store.MetadataExists(ManifestDB) {
		return nil, fmt.Errorf("%s: %w: no %s", b.store, ErrNotBackup, ManifestDB)
	}

	encrypted := b.Encrypted() && len(b.Manifest.ManifestKey) > 0
	if encrypted && ul == nil {
		return nil, ErrLocked
	}
	if lp, ok := b.store.(storage.LocalPather); ok && !encrypted {
		return manifest.Open(ctx, lp.MetadataPath(ManifestDB))
	}

	tmp, err := os.MkdirTemp("", "mbk-manifest")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	// Stage a copy of the database in the local filesystem.
	raw, err := b.store.ReadMetadata(ManifestDB)
	if err != nil {
		return nil, err
	}
	staged := filepath.Join(tmp, ManifestDB)
	if err := os.WriteFile(staged, raw, 0600); err != nil {
		return nil, err
	}

	if encrypted {
		key, err := b.manifestKey(ul)
		if err != nil {
			return nil, err
		}
		plain := filepath.Join(tmp, "Manifest-decrypted.db")
		err = decrypt.DecryptFile(ctx, staged, plain, key)
		zero(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ManifestDB, err)
		}
		staged = plain
	}
	return manifest.Open(ctx, staged)
}

// manifestKey unwraps the key that Manifest.db is encrypted with. Like
// the per-file keys, it's prefixed with its protection class.
func (b *Backup) manifestKey(ul *keybag.Unlocked) ([]byte, error) {
	mk := b.Manifest.ManifestKey
	if len(mk) != 4+keybag.WrappedKeySize {
		return nil, &manifest.IndexError{Err: manifest.ErrMalformedRecord,
			Detail: fmt.Sprintf("ManifestKey is %d bytes", len(mk))}
	}
	class := keybag.Class(binary.LittleEndian.Uint32(mk[:4]))
	key, err := ul.UnwrapKey(class, mk[4:])
	if err != nil {
		return nil, &decrypt.CryptoError{Name: ManifestDB, Err: decrypt.ErrWrongClassKey}
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
