// keybag/keywrap.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keybag

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// AES key wrap as specified by RFC 3394. Both class keys (under the
// password-derived key) and per-file keys (under class keys) are
// protected this way, so this is the one and only implementation.

var (
	ErrKeyWrapLength    = errors.New("key wrap: input must be a multiple of 8 bytes and at least 16 bytes")
	ErrKeyWrapIntegrity = errors.New("key wrap: integrity check failed")
)

var defaultIV = [8]byte{0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6, 0xa6}

// Wrap encrypts the key material plain under kek. The result is 8 bytes
// longer than plain.
func Wrap(kek, plain []byte) ([]byte, error) {
	if len(plain)%8 != 0 || len(plain) < 16 {
		return nil, ErrKeyWrapLength
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plain) / 8
	out := make([]byte, 8+len(plain))
	copy(out[8:], plain)

	var a, b [16]byte
	copy(a[:8], defaultIV[:])
	for j := 0; j < 6; j++ {
		for i := 1; i <= n; i++ {
			r := out[8*i : 8*i+8]
			copy(a[8:], r)
			block.Encrypt(b[:], a[:])
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a[:8], binary.BigEndian.Uint64(b[:8])^t)
			copy(r, b[8:])
		}
	}
	copy(out[:8], a[:8])
	return out, nil
}

// Unwrap reverses Wrap. A wrong kek (or corrupt input) is detected by
// the algorithm's own integrity check and reported as
// ErrKeyWrapIntegrity; no partial output is returned in that case.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, ErrKeyWrapLength
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	out := make([]byte, len(wrapped)-8)
	copy(out, wrapped[8:])

	var a, b [16]byte
	copy(b[:8], wrapped[:8])
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			r := out[8*(i-1) : 8*i]
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(a[:8], binary.BigEndian.Uint64(b[:8])^t)
			copy(a[8:], r)
			block.Decrypt(b[:], a[:])
			copy(r, b[8:])
		}
	}

	if subtle.ConstantTimeCompare(b[:8], defaultIV[:]) != 1 {
		zero(out)
		return nil, ErrKeyWrapIntegrity
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
