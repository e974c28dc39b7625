// decrypt/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package decrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
)

var ErrNotFile = errors.New("not a regular file")

// FileKey unwraps the per-file key of e with its protection class key.
// The caller should zero the returned key once done with it.
func FileKey(ul *keybag.Unlocked, e *manifest.Entry) ([]byte, error) {
	key, err := ul.UnwrapKey(e.Class, e.WrappedKey)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, keybag.ErrNoClassKey) || errors.Is(err, keybag.ErrKeyWrapIntegrity) {
		return nil, &CryptoError{Name: e.Path(), Err: ErrWrongClassKey}
	}
	return nil, &CryptoError{Name: e.Path(), Err: fmt.Errorf("%w: %v", ErrWrongClassKey, err)}
}

// Decrypt returns a reader of the plaintext of e, given its ciphertext.
// If the manifest records a size smaller than the decrypted data, the
// output is truncated to that size. Entries without a per-file key (in
// unencrypted backups) are passed through as is.
func Decrypt(ctx context.Context, ul *keybag.Unlocked, e *manifest.Entry, ciphertext io.Reader) (io.Reader, error) {
	if !e.Encrypted() {
		return &entryReader{r: ciphertext, name: e.Path(), remaining: e.Size}, nil
	}
	if ul == nil {
		return nil, &CryptoError{Name: e.Path(), Err: ErrWrongClassKey}
	}

	key, err := FileKey(ul, e)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(ctx, ciphertext, key)
	zero(key)
	if err != nil {
		return nil, &CryptoError{Name: e.Path(), Err: err}
	}
	return &entryReader{r: r, name: e.Path(), remaining: e.Size}, nil
}

// Open opens the blob for e in st and returns a reader of its
// plaintext. A missing blob is reported as a *storage.BlobError.
func Open(ctx context.Context, st storage.Store, ul *keybag.Unlocked, e *manifest.Entry) (io.ReadCloser, error) {
	if !e.IsFile() {
		return nil, fmt.Errorf("%s: %w", e.Path(), ErrNotFile)
	}
	rc, err := st.OpenBlob(e.FileID)
	if err != nil {
		return nil, err
	}
	r, err := Decrypt(ctx, ul, e, rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	log.Debug("%s: opened %s", e.Path(), e.FileID)
	return struct {
		io.Reader
		io.Closer
	}{r, rc}, nil
}

// entryReader names the file in errors and stops after the size recorded
// in the manifest.
type entryReader struct {
	r         io.Reader
	name      string
	remaining int64
	done      bool
}

func (er *entryReader) Read(p []byte) (int, error) {
	if er.remaining <= 0 {
		return 0, er.finish()
	}
	if int64(len(p)) > er.remaining {
		p = p[:er.remaining]
	}
	n, err := er.r.Read(p)
	er.remaining -= int64(n)
	if err == nil && er.remaining == 0 {
		err = er.finish()
	}
	return n, er.wrap(err)
}

// finish is called once all of the recorded bytes have been returned.
// When the size is exact, the final padding block hasn't been checked
// yet; one more read takes care of it.
func (er *entryReader) finish() error {
	if er.done {
		return io.EOF
	}
	er.done = true
	var b [1]byte
	if _, err := er.r.Read(b[:]); err != nil && err != io.EOF {
		return er.wrap(err)
	}
	return io.EOF
}

func (er *entryReader) wrap(err error) error {
	var ce *CryptoError
	if errors.As(err, &ce) && ce.Name == "" {
		err = &CryptoError{Name: er.name, Err: ce.Err}
	} else if err == io.EOF && er.remaining > 0 {
		log.Debug("%s: %d bytes short of recorded size", er.name, er.remaining)
	}
	return err
}

// DecryptFile decrypts the file src into dst using key. It's used for an
// encrypted Manifest.db, which has to be decrypted to a file before the
// database can be opened.
func DecryptFile(ctx context.Context, src, dst string, key []byte) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := NewReader(ctx, in, key)
	if err != nil {
		return err
	}
	return writeFile(dst, r)
}

// EncryptFile is the inverse of DecryptFile.
func EncryptFile(src, dst string, key []byte) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	w, err := NewWriter(out, key)
	if err == nil {
		_, err = io.Copy(w, in)
	}
	if err == nil {
		err = w.Close()
	}
	return finish(out, dst, err)
}

func writeFile(dst string, r io.Reader) error {
	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	return finish(out, dst, err)
}

func finish(f *os.File, dst string, err error) error {
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), dst)
	}
	if err != nil {
		os.Remove(f.Name())
	}
	return err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
