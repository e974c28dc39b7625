// decrypt/cbc.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package decrypt turns the encrypted blobs of a backup back into file
// contents. File data is encrypted with AES in CBC mode, with an all-zero
// IV and PKCS#7 padding, under a per-file key that is itself wrapped with
// a protection class key.
package decrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"

	u "github.com/mmp/mbk/util"
)

var (
	ErrPadding             = errors.New("bad padding")
	ErrTruncatedCiphertext = errors.New("ciphertext isn't a multiple of the block size")
	ErrWrongClassKey       = errors.New("file key doesn't unwrap with its class key")
)

// CryptoError reports a failure to decrypt a single file. It only
// concerns that one file.
type CryptoError struct {
	// Name identifies the file: its path or content key.
	Name string
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Name == "" {
		return "decrypt: " + e.Err.Error()
	}
	return e.Name + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error { return e.Err }

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Decryption

// The format mandates a zero IV; each file has its own key.
var zeroIV [aes.BlockSize]byte

// Amount of ciphertext decrypted at a time; cancellation is checked
// between chunks.
const chunkSize = 64 * 1024

// Reader decrypts a stream of ciphertext. The last block read so far is
// always held back until it's known whether it's the final one, since
// that's where the padding is. Memory use is bounded regardless of the
// size of the file.
//
// pending holds ciphertext not yet decrypted and out holds plaintext not
// yet returned.
type Reader struct {
	ctx     context.Context
	r       io.Reader
	mode    cipher.BlockMode
	chunk   []byte
	pending []byte
	out     []byte
	plain   []byte
	err     error
}

// NewReader returns a Reader that decrypts the ciphertext from r using
// key, which must be 16, 24, or 32 bytes. Decryption stops with
// ctx.Err() if ctx is canceled.
func NewReader(ctx context.Context, r io.Reader, key []byte) (*Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Reader{
		ctx:   ctx,
		r:     r,
		mode:  cipher.NewCBCDecrypter(block, zeroIV[:]),
		chunk: make([]byte, chunkSize),
	}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *Reader) fill() {
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return
	}

	n, err := io.ReadFull(r.r, r.chunk)
	r.pending = append(r.pending, r.chunk[:n]...)
	eof := false
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		eof = true
	} else if err != nil {
		r.err = err
		return
	}

	bs := aes.BlockSize
	if !eof {
		// Decrypt everything but the last complete block.
		nb := (len(r.pending)/bs - 1) * bs
		if nb <= 0 {
			return
		}
		r.plain = grow(r.plain, nb)
		r.mode.CryptBlocks(r.plain, r.pending[:nb])
		r.out = r.plain
		m := copy(r.pending, r.pending[nb:])
		r.pending = r.pending[:m]
		return
	}

	if len(r.pending)%bs != 0 {
		r.err = &CryptoError{Err: ErrTruncatedCiphertext}
		return
	}
	if len(r.pending) == 0 {
		// Empty ciphertext is an empty file.
		r.err = io.EOF
		return
	}
	r.plain = grow(r.plain, len(r.pending))
	r.mode.CryptBlocks(r.plain, r.pending)
	r.pending = r.pending[:0]

	pad, ok := paddingLength(r.plain)
	if !ok {
		r.err = &CryptoError{Err: ErrPadding}
		return
	}
	r.out = r.plain[:len(r.plain)-pad]
	r.err = io.EOF
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// paddingLength checks the PKCS#7 padding at the end of b and returns
// its length.
func paddingLength(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return 0, false
	}
	var bad byte
	for _, c := range b[len(b)-pad:] {
		bad |= c ^ byte(pad)
	}
	return pad, bad == 0
}

///////////////////////////////////////////////////////////////////////////
// Encryption

// Writer encrypts what is written to it and passes the ciphertext along
// to an underlying io.Writer. Close must be called to write the final,
// padded block; it doesn't close the underlying writer.
type Writer struct {
	w      io.Writer
	mode   cipher.BlockMode
	buf    []byte
	closed bool
}

func NewWriter(w io.Writer, key []byte) (*Writer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, mode: cipher.NewCBCEncrypter(block, zeroIV[:])}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed decrypt.Writer")
	}
	w.buf = append(w.buf, p...)
	if nb := len(w.buf) / aes.BlockSize * aes.BlockSize; nb > 0 {
		w.mode.CryptBlocks(w.buf[:nb], w.buf[:nb])
		if _, err := w.w.Write(w.buf[:nb]); err != nil {
			return 0, err
		}
		m := copy(w.buf, w.buf[nb:])
		w.buf = w.buf[:m]
	}
	return len(p), nil
}

// Close pads and writes the final block.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	pad := aes.BlockSize - len(w.buf)%aes.BlockSize
	for i := 0; i < pad; i++ {
		w.buf = append(w.buf, byte(pad))
	}
	w.mode.CryptBlocks(w.buf, w.buf)
	_, err := w.w.Write(w.buf)
	return err
}

// CiphertextSize returns the size of the encryption of n bytes.
func CiphertextSize(n int64) int64 {
	return (n/aes.BlockSize + 1) * aes.BlockSize
}
