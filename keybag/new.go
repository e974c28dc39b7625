// keybag/new.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keybag

import (
	"crypto/rand"
	"io"

	"github.com/google/uuid"
)

// Params controls the creation of a new key bag.
type Params struct {
	// Iterations is the ITER count for the main PBKDF2 round.
	Iterations int
	// DoubleProtectionIterations is the DPIC count; zero disables the
	// double-protection round.
	DoubleProtectionIterations int
	// Classes lists the protection classes to generate keys for. The
	// first one is the validation class. If empty, all classes are used.
	Classes []Class
}

// DefaultParams matches what devices write: a cheap main round behind an
// expensive double-protection round.
var DefaultParams = Params{
	Iterations:                 10000,
	DoubleProtectionIterations: 10000000,
}

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func getRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// New creates a key bag with freshly generated class keys, all wrapped
// under a key derived from password. It returns both the key bag (to be
// stored with the backup) and its unlocked form, so that the caller can
// go on to wrap per-file keys without paying for the KDF again.
func New(password []byte, p Params) (*KeyBag, *Unlocked, error) {
	classes := p.Classes
	if len(classes) == 0 {
		classes = Classes()
	}

	id := uuid.New()
	ul := &Unlocked{uuid: id[:], classKeys: make(map[Class][]byte)}
	for _, c := range classes {
		if !c.Valid() {
			return nil, nil, malformed("unknown protection class %d", uint32(c))
		}
		if _, ok := ul.classKeys[c]; ok {
			return nil, nil, malformed("duplicate class %s", c)
		}
		key, err := getRandomBytes(ClassKeySize)
		if err != nil {
			return nil, nil, err
		}
		ul.classKeys[c] = key
	}

	kb, err := build(password, p, ul, classes)
	if err != nil {
		ul.Close()
		return nil, nil, err
	}
	return kb, ul, nil
}

// Rekey returns a new key bag holding the same class keys as ul, wrapped
// under a key derived from a new password with fresh salts. Files
// encrypted under the old key bag can be decrypted with the new one.
func (ul *Unlocked) Rekey(password []byte, p Params) (*KeyBag, error) {
	return build(password, p, ul, ul.Classes())
}

// build makes a key bag that wraps the given classes' keys from ul.
// The first class is the validation class.
func build(password []byte, p Params, ul *Unlocked, classes []Class) (*KeyBag, error) {
	if p.Iterations <= 0 || p.DoubleProtectionIterations < 0 {
		return nil, &AuthError{Err: ErrUnsupportedIterationScheme}
	}
	if len(classes) == 0 {
		return nil, malformed("no class keys")
	}

	kb := &KeyBag{
		Version:    3,
		Type:       TypeBackup,
		UUID:       dupe(ul.uuid),
		Iterations: uint32(p.Iterations),
	}

	var err error
	if kb.Salt, err = getRandomBytes(SaltSize); err != nil {
		return nil, err
	}
	if kb.HMCK, err = getRandomBytes(WrappedKeySize); err != nil {
		return nil, err
	}
	if p.DoubleProtectionIterations > 0 {
		if kb.DPSalt, err = getRandomBytes(SaltSize); err != nil {
			return nil, err
		}
		kb.DPIterations = uint32(p.DoubleProtectionIterations)
		kb.DPWT = 1
	}

	master := kb.DeriveKey(password)
	defer zero(master)

	for _, c := range classes {
		wrapped, err := Wrap(master, ul.classKeys[c])
		if err != nil {
			return nil, err
		}
		cid := uuid.New()
		kb.records = append(kb.records, ClassRecord{
			UUID:       cid[:],
			Class:      c,
			Wrap:       WrapPasscode,
			WrappedKey: wrapped,
		})
	}
	return kb, nil
}
