// keybag/keybag.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package keybag parses backup key bags and turns a user's password into
// the set of protection-class keys that protect the files in a backup.
//
// A key bag is a sequence of tag-length-value items: a 4-byte ASCII tag,
// a 4-byte big-endian length, and the value. The first items describe the
// bag itself (KDF parameters and so forth); each subsequent UUID item
// starts the record for one protection class.
package keybag

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	u "github.com/mmp/mbk/util"
)

var (
	ErrWrongPassword              = errors.New("wrong password")
	ErrMalformedKeyBag            = errors.New("malformed key bag")
	ErrUnsupportedIterationScheme = errors.New("unsupported key derivation iteration scheme")
	ErrNoClassKey                 = errors.New("no key available for protection class")
)

// AuthError is returned by Parse and Unlock. Its message never reveals
// which protection class failed.
type AuthError struct {
	Err    error
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "key bag: " + e.Err.Error()
	}
	return "key bag: " + e.Err.Error() + ": " + e.Detail
}

func (e *AuthError) Unwrap() error { return e.Err }

func malformed(f string, args ...interface{}) error {
	return &AuthError{Err: ErrMalformedKeyBag, Detail: fmt.Sprintf(f, args...)}
}

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Protection classes

// Class identifies the protection tier that a file or key belongs to.
// The set of classes is closed; the numbering is fixed by the on-disk
// format.
type Class uint32

const (
	ClassComplete                             Class = 1
	ClassCompleteUnlessOpen                   Class = 2
	ClassCompleteUntilFirstUserAuthentication Class = 3
	ClassNone                                 Class = 4
	ClassRecovery                             Class = 5
	ClassWhenUnlocked                         Class = 6
	ClassAfterFirstUnlock                     Class = 7
	ClassAlways                               Class = 8
	ClassWhenUnlockedThisDeviceOnly           Class = 9
	ClassAfterFirstUnlockThisDeviceOnly       Class = 10
	ClassAlwaysThisDeviceOnly                 Class = 11
)

var classNames = map[Class]string{
	ClassComplete:                             "Complete",
	ClassCompleteUnlessOpen:                   "CompleteUnlessOpen",
	ClassCompleteUntilFirstUserAuthentication: "CompleteUntilFirstUserAuthentication",
	ClassNone:                           "NoProtection",
	ClassRecovery:                       "Recovery",
	ClassWhenUnlocked:                   "WhenUnlocked",
	ClassAfterFirstUnlock:               "AfterFirstUnlock",
	ClassAlways:                         "Always",
	ClassWhenUnlockedThisDeviceOnly:     "WhenUnlockedThisDeviceOnly",
	ClassAfterFirstUnlockThisDeviceOnly: "AfterFirstUnlockThisDeviceOnly",
	ClassAlwaysThisDeviceOnly:           "AlwaysThisDeviceOnly",
}

// Classes returns all of the protection classes, in numeric order.
func Classes() []Class {
	var c []Class
	for cl := range classNames {
		c = append(c, cl)
	}
	sort.Slice(c, func(i, j int) bool { return c[i] < c[j] })
	return c
}

func (c Class) Valid() bool {
	_, ok := classNames[c]
	return ok
}

func (c Class) String() string {
	if n, ok := classNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Class(%d)", uint32(c))
}

// Wrap flags for class keys.
const (
	WrapDevice   = 1
	WrapPasscode = 2
)

const (
	// SaltSize is the size of the primary and double-protection salts.
	SaltSize = 20
	// ClassKeySize is the size of an unwrapped class key.
	ClassKeySize = 32
	// WrappedKeySize is the size of an AES key wrapped class key.
	WrappedKeySize = ClassKeySize + 8

	// TypeBackup is the TYPE of key bag that protects a backup.
	TypeBackup = 1
)

///////////////////////////////////////////////////////////////////////////
// KeyBag

// ClassRecord stores the wrapped key for a single protection class.
type ClassRecord struct {
	UUID       []byte
	Class      Class
	Wrap       uint32
	KeyType    uint32
	WrappedKey []byte
}

// PasscodeWrapped reports whether the class key is wrapped with the
// password-derived key alone. Keys that also need the device key can't be
// recovered from a backup.
func (r ClassRecord) PasscodeWrapped() bool {
	return r.Wrap == WrapPasscode
}

// KeyBag is the parsed form of a key bag. It's immutable once parsed and
// holds no secrets that aren't already in the backup; Unlock produces the
// actual class keys.
type KeyBag struct {
	Version uint32
	Type    uint32
	UUID    []byte
	HMCK    []byte
	Wrap    uint32

	Salt       []byte
	Iterations uint32

	// Double protection parameters; nil/zero if absent.
	DPSalt       []byte
	DPIterations uint32
	DPWT         uint32

	records []ClassRecord
}

// Records returns the class records in the order they appear in the bag.
func (kb *KeyBag) Records() []ClassRecord {
	r := make([]ClassRecord, len(kb.records))
	copy(r, kb.records)
	return r
}

// DoubleProtected reports whether the password goes through the extra
// round of key derivation before the main one.
func (kb *KeyBag) DoubleProtected() bool {
	return kb.DPSalt != nil
}

// ValidationClass returns the class whose wrapped key is used to check
// the password: the first passcode-wrapped class in the bag.
func (kb *KeyBag) ValidationClass() (Class, bool) {
	for _, r := range kb.records {
		if r.PasscodeWrapped() {
			return r.Class, true
		}
	}
	return 0, false
}

type tlv struct {
	tag   string
	value []byte
}

func parseTLV(b []byte) ([]tlv, error) {
	var items []tlv
	for len(b) > 0 {
		if len(b) < 8 {
			return nil, malformed("truncated item header")
		}
		tag := string(b[:4])
		n := binary.BigEndian.Uint32(b[4:8])
		b = b[8:]
		if uint64(n) > uint64(len(b)) {
			return nil, malformed("%s: length %d exceeds remaining %d bytes", tag, n, len(b))
		}
		items = append(items, tlv{tag, b[:n]})
		b = b[n:]
	}
	return items, nil
}

func u32(item tlv) (uint32, error) {
	if len(item.value) != 4 {
		return 0, malformed("%s: expected 4-byte integer, got %d bytes", item.tag, len(item.value))
	}
	return binary.BigEndian.Uint32(item.value), nil
}

func dupe(b []byte) []byte {
	if b == nil {
		return nil
	}
	d := make([]byte, len(b))
	copy(d, b)
	return d
}

// Parse decodes a serialized key bag and checks that everything needed
// to unlock it is present.
func Parse(b []byte) (*KeyBag, error) {
	items, err := parseTLV(b)
	if err != nil {
		return nil, err
	}

	kb := &KeyBag{}
	var cur *ClassRecord
	var haveIter, haveDPIC bool
	for _, item := range items {
		if item.tag == "UUID" {
			if kb.UUID == nil {
				kb.UUID = dupe(item.value)
				continue
			}
			kb.records = append(kb.records, ClassRecord{UUID: dupe(item.value)})
			cur = &kb.records[len(kb.records)-1]
			continue
		}

		if cur != nil {
			switch item.tag {
			case "CLAS":
				v, err := u32(item)
				if err != nil {
					return nil, err
				}
				cur.Class = Class(v)
			case "WRAP":
				if cur.Wrap, err = u32(item); err != nil {
					return nil, err
				}
			case "KTYP":
				if cur.KeyType, err = u32(item); err != nil {
					return nil, err
				}
			case "WPKY":
				cur.WrappedKey = dupe(item.value)
			default:
				log.Debug("key bag: ignoring class item %s", item.tag)
			}
			continue
		}

		switch item.tag {
		case "VERS":
			if kb.Version, err = u32(item); err != nil {
				return nil, err
			}
		case "TYPE":
			if kb.Type, err = u32(item); err != nil {
				return nil, err
			}
		case "HMCK":
			kb.HMCK = dupe(item.value)
		case "WRAP":
			if kb.Wrap, err = u32(item); err != nil {
				return nil, err
			}
		case "SALT":
			kb.Salt = dupe(item.value)
		case "ITER":
			if kb.Iterations, err = u32(item); err != nil {
				return nil, err
			}
			haveIter = true
		case "DPSL":
			kb.DPSalt = dupe(item.value)
		case "DPIC":
			if kb.DPIterations, err = u32(item); err != nil {
				return nil, err
			}
			haveDPIC = true
		case "DPWT":
			if kb.DPWT, err = u32(item); err != nil {
				return nil, err
			}
		default:
			log.Debug("key bag: ignoring header item %s", item.tag)
		}
	}

	if kb.UUID == nil {
		return nil, malformed("missing UUID")
	}
	if len(kb.Salt) != SaltSize {
		return nil, malformed("SALT must be %d bytes, got %d", SaltSize, len(kb.Salt))
	}
	if !haveIter || kb.Iterations == 0 {
		return nil, &AuthError{Err: ErrUnsupportedIterationScheme, Detail: "missing or zero ITER"}
	}
	if (kb.DPSalt != nil) != haveDPIC {
		return nil, &AuthError{Err: ErrUnsupportedIterationScheme,
			Detail: "DPSL and DPIC must be given together"}
	}
	if haveDPIC && kb.DPIterations == 0 {
		return nil, &AuthError{Err: ErrUnsupportedIterationScheme, Detail: "zero DPIC"}
	}
	if kb.DPSalt != nil && len(kb.DPSalt) != SaltSize {
		return nil, malformed("DPSL must be %d bytes, got %d", SaltSize, len(kb.DPSalt))
	}

	if len(kb.records) == 0 {
		return nil, malformed("no class keys")
	}
	seen := make(map[Class]bool)
	for _, r := range kb.records {
		if !r.Class.Valid() {
			return nil, malformed("unknown protection class %d", uint32(r.Class))
		}
		if seen[r.Class] {
			return nil, malformed("duplicate record for %s", r.Class)
		}
		seen[r.Class] = true
		if r.PasscodeWrapped() && len(r.WrappedKey) != WrappedKeySize {
			return nil, malformed("%s: wrapped key is %d bytes, expected %d",
				r.Class, len(r.WrappedKey), WrappedKeySize)
		}
	}
	if _, ok := kb.ValidationClass(); !ok {
		return nil, malformed("no passcode-wrapped class keys")
	}

	return kb, nil
}

// Marshal serializes the key bag in the same format Parse reads.
func (kb *KeyBag) Marshal() []byte {
	var buf bytes.Buffer
	put := func(tag string, v []byte) {
		var hdr [8]byte
		copy(hdr[:4], tag)
		binary.BigEndian.PutUint32(hdr[4:], uint32(len(v)))
		buf.Write(hdr[:])
		buf.Write(v)
	}
	putU32 := func(tag string, v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		put(tag, b[:])
	}

	putU32("VERS", kb.Version)
	putU32("TYPE", kb.Type)
	put("UUID", kb.UUID)
	if kb.HMCK != nil {
		put("HMCK", kb.HMCK)
	}
	putU32("WRAP", kb.Wrap)
	put("SALT", kb.Salt)
	putU32("ITER", kb.Iterations)
	if kb.DPSalt != nil {
		putU32("DPWT", kb.DPWT)
		putU32("DPIC", kb.DPIterations)
		put("DPSL", kb.DPSalt)
	}
	for _, r := range kb.records {
		put("UUID", r.UUID)
		putU32("CLAS", uint32(r.Class))
		putU32("WRAP", r.Wrap)
		putU32("KTYP", r.KeyType)
		if r.WrappedKey != nil {
			put("WPKY", r.WrappedKey)
		}
	}
	return buf.Bytes()
}
