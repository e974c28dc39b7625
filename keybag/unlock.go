// keybag/unlock.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keybag

import (
	"crypto/sha256"
	"errors"
	"sort"

	"golang.org/x/crypto/pbkdf2"
)

// Unlocked holds the class keys recovered from a KeyBag with the right
// password. It's the proof that a backup has been unlocked: everything
// that decrypts data requires one. It is immutable and safe to share
// across goroutines. Keys live only in memory for its lifetime.
type Unlocked struct {
	uuid      []byte
	classKeys map[Class][]byte
}

// DeriveKey runs the password through the key bag's KDF: an optional
// double-protection round of PBKDF2-HMAC-SHA256 with DPSL/DPIC, then
// PBKDF2-HMAC-SHA256 with SALT/ITER. The password bytes are used as
// given; callers are responsible for any Unicode normalization.
//
// This is deliberately expensive and the result isn't cached.
func (kb *KeyBag) DeriveKey(password []byte) []byte {
	in := password
	if kb.DoubleProtected() {
		in = pbkdf2.Key(password, kb.DPSalt, int(kb.DPIterations), ClassKeySize, sha256.New)
	}
	return pbkdf2.Key(in, kb.Salt, int(kb.Iterations), ClassKeySize, sha256.New)
}

// Unlock derives the master key from password and unwraps the class keys.
//
// The validation class is unwrapped first and its key-wrap integrity
// check is the one authoritative signal of a wrong password; in that case
// ErrWrongPassword is returned and no other class is touched.
func (kb *KeyBag) Unlock(password []byte) (*Unlocked, error) {
	vc, ok := kb.ValidationClass()
	if !ok {
		return nil, malformed("no passcode-wrapped class keys")
	}

	master := kb.DeriveKey(password)
	defer zero(master)

	records := kb.Records()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Class == vc && records[j].Class != vc
	})

	ul := &Unlocked{uuid: dupe(kb.UUID), classKeys: make(map[Class][]byte)}
	for _, r := range records {
		if !r.PasscodeWrapped() {
			log.Debug("%s: skipping class with wrap %d", r.Class, r.Wrap)
			continue
		}

		key, err := Unwrap(master, r.WrappedKey)
		if err != nil {
			ul.Close()
			if r.Class == vc {
				if errors.Is(err, ErrKeyWrapIntegrity) {
					return nil, &AuthError{Err: ErrWrongPassword}
				}
				return nil, malformed("validation key: %s", err)
			}
			// The password was right, so the bag itself is damaged.
			return nil, malformed("class key failed integrity check")
		}
		ul.classKeys[r.Class] = key
	}

	log.Debug("key bag unlocked: %d class keys", len(ul.classKeys))
	return ul, nil
}

// UUID returns the key bag's UUID.
func (ul *Unlocked) UUID() []byte {
	return dupe(ul.uuid)
}

// Classes returns the classes for which keys are available, in numeric
// order.
func (ul *Unlocked) Classes() []Class {
	var c []Class
	for cl := range ul.classKeys {
		c = append(c, cl)
	}
	sort.Slice(c, func(i, j int) bool { return c[i] < c[j] })
	return c
}

// ClassKey returns a copy of the unwrapped key for the given class.
func (ul *Unlocked) ClassKey(c Class) ([]byte, bool) {
	k, ok := ul.classKeys[c]
	if !ok {
		return nil, false
	}
	return dupe(k), true
}

// UnwrapKey unwraps a key (typically a per-file key) that was wrapped
// with the key for class c.
func (ul *Unlocked) UnwrapKey(c Class, wrapped []byte) ([]byte, error) {
	k, ok := ul.classKeys[c]
	if !ok {
		return nil, ErrNoClassKey
	}
	return Unwrap(k, wrapped)
}

// WrapKey wraps key with the key for class c. It's the inverse of
// UnwrapKey and is used when writing backups.
func (ul *Unlocked) WrapKey(c Class, key []byte) ([]byte, error) {
	k, ok := ul.classKeys[c]
	if !ok {
		return nil, ErrNoClassKey
	}
	return Wrap(k, key)
}

// Close zeroes the class keys. The Unlocked value must not be used
// afterward.
func (ul *Unlocked) Close() {
	for c, k := range ul.classKeys {
		zero(k)
		delete(ul.classKeys, c)
	}
}
