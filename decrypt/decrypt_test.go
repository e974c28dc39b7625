// decrypt/decrypt_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package decrypt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
)

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func encrypt(t *testing.T, plain, key []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatal(err)
	}
	// Write in uneven pieces to exercise the block buffering.
	for len(plain) > 0 {
		n := 1 + rand.Intn(100)
		if n > len(plain) {
			n = len(plain)
		}
		if _, err := w.Write(plain[:n]); err != nil {
			t.Fatal(err)
		}
		plain = plain[n:]
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// oneByteReader returns a single byte per Read call.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestRoundTrip(t *testing.T) {
	key := genRandom(32)
	for _, size := range []int{0, 1, 15, 16, 17, 4095, 65536, 65537, 1048576} {
		plain := genRandom(size)
		ct := encrypt(t, plain, key)
		if int64(len(ct)) != CiphertextSize(int64(size)) {
			t.Errorf("%d: ciphertext size %d, expected %d", size, len(ct), CiphertextSize(int64(size)))
		}

		for _, src := range []io.Reader{bytes.NewReader(ct), oneByteReader{bytes.NewReader(ct)}} {
			if size > 70000 {
				if _, ok := src.(oneByteReader); ok {
					continue
				}
			}
			r, err := NewReader(context.Background(), src, key)
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("%d: %v", size, err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("%d: plaintext mismatch (got %d bytes)", size, len(got))
			}
		}
	}
}

func TestEmptyCiphertext(t *testing.T) {
	r, err := NewReader(context.Background(), bytes.NewReader(nil), genRandom(32))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil || len(got) != 0 {
		t.Errorf("got %d bytes, %v", len(got), err)
	}
}

func TestTruncated(t *testing.T) {
	key := genRandom(32)
	ct := encrypt(t, genRandom(100), key)
	r, _ := NewReader(context.Background(), bytes.NewReader(ct[:len(ct)-3]), key)
	_, err := io.ReadAll(r)
	var ce *CryptoError
	if !errors.Is(err, ErrTruncatedCiphertext) || !errors.As(err, &ce) {
		t.Errorf("got %v, expected ErrTruncatedCiphertext", err)
	}
}

func TestPadding(t *testing.T) {
	key := genRandom(32)
	ct := encrypt(t, genRandom(100), key)

	// With the wrong key, the padding is garbage.
	r, _ := NewReader(context.Background(), bytes.NewReader(ct), genRandom(32))
	if _, err := io.ReadAll(r); !errors.Is(err, ErrPadding) {
		t.Errorf("wrong key: got %v, expected ErrPadding", err)
	}

	// Corrupt the next-to-last block, which flips bits in the last
	// block's plaintext under CBC.
	bad := append([]byte(nil), ct...)
	bad[len(bad)-17] ^= 0x55
	r, _ = NewReader(context.Background(), bytes.NewReader(bad), key)
	if _, err := io.ReadAll(r); !errors.Is(err, ErrPadding) {
		t.Errorf("corrupt: got %v, expected ErrPadding", err)
	}

	if _, ok := paddingLength(bytes.Repeat([]byte{17}, 32)); ok {
		t.Errorf("accepted padding longer than a block")
	}
	if _, ok := paddingLength(append(bytes.Repeat([]byte{1}, 14), 3, 2)); ok {
		t.Errorf("accepted inconsistent padding")
	}
	if n, ok := paddingLength(bytes.Repeat([]byte{16}, 16)); !ok || n != 16 {
		t.Errorf("full padding block: %d %v", n, ok)
	}
}

func TestCancel(t *testing.T) {
	key := genRandom(32)
	ct := encrypt(t, genRandom(1<<20), key)

	ctx, cancel := context.WithCancel(context.Background())
	r, _ := NewReader(ctx, bytes.NewReader(ct), key)
	buf := make([]byte, 1000)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	cancel()
	n, err := io.Copy(io.Discard, r)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, expected context.Canceled", err)
	}
	// At most the chunk that was already decrypted comes through.
	if n > chunkSize {
		t.Errorf("read %d bytes after cancel", n)
	}
}

///////////////////////////////////////////////////////////////////////////

type fixture struct {
	st      *storage.Memory
	ul      *keybag.Unlocked
	entries []manifest.Entry
	plain   [][]byte
}

func newFixture(t *testing.T, sizes ...int) *fixture {
	t.Helper()
	_, ul, err := keybag.New([]byte("pw"), keybag.Params{Iterations: 1,
		Classes: []keybag.Class{keybag.ClassCompleteUntilFirstUserAuthentication, keybag.ClassNone}})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{st: storage.NewMemory(), ul: ul}
	for i, size := range sizes {
		e := manifest.Entry{
			Domain:       "HomeDomain",
			RelativePath: "file" + string(rune('a'+i)),
			Flags:        manifest.FlagFile,
			Size:         int64(size),
			Class:        keybag.ClassNone,
		}
		e.FileID = manifest.ContentKey(e.Domain, e.RelativePath)

		fileKey := genRandom(32)
		if e.WrappedKey, err = ul.WrapKey(e.Class, fileKey); err != nil {
			t.Fatal(err)
		}
		plain := genRandom(size)
		if _, err := f.st.WriteBlob(e.FileID, bytes.NewReader(encrypt(t, plain, fileKey))); err != nil {
			t.Fatal(err)
		}
		f.entries = append(f.entries, e)
		f.plain = append(f.plain, plain)
	}
	return f
}

func TestOpen(t *testing.T) {
	f := newFixture(t, 0, 1, 16, 33, 100000)
	for i := range f.entries {
		rc, err := Open(context.Background(), f.st, f.ul, &f.entries[i])
		if err != nil {
			t.Fatalf("%s: %v", f.entries[i].Path(), err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("%s: %v", f.entries[i].Path(), err)
		}
		if !bytes.Equal(got, f.plain[i]) {
			t.Errorf("%s: plaintext mismatch", f.entries[i].Path())
		}
	}
}

func TestOpenErrors(t *testing.T) {
	f := newFixture(t, 10, 20, 32)

	// Missing blob.
	f.st.RemoveBlob(f.entries[0].FileID)
	if _, err := Open(context.Background(), f.st, f.ul, &f.entries[0]); !errors.Is(err, storage.ErrBlobNotFound) {
		t.Errorf("missing blob: got %v", err)
	}

	// Key wrapped with another class.
	e := f.entries[1]
	e.Class = keybag.ClassCompleteUntilFirstUserAuthentication
	if _, err := Open(context.Background(), f.st, f.ul, &e); !errors.Is(err, ErrWrongClassKey) {
		t.Errorf("wrong class: got %v", err)
	}
	e.Class = keybag.ClassComplete
	if _, err := Open(context.Background(), f.st, f.ul, &e); !errors.Is(err, ErrWrongClassKey) {
		t.Errorf("missing class: got %v", err)
	}

	// The recorded size is exact, so corruption of the final padding
	// block must still be caught.
	e = f.entries[2]
	rc, _ := f.st.OpenBlob(e.FileID)
	ct, _ := io.ReadAll(rc)
	ct[len(ct)-20] ^= 1
	r, err := Decrypt(context.Background(), f.ul, &e, bytes.NewReader(ct))
	if err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(r)
	var ce *CryptoError
	if !errors.Is(err, ErrPadding) || !errors.As(err, &ce) || ce.Name != e.Path() {
		t.Errorf("corrupt padding: got %v", err)
	}

	dir := manifest.Entry{Domain: "D", RelativePath: "d", Flags: manifest.FlagDir}
	if _, err := Open(context.Background(), f.st, f.ul, &dir); !errors.Is(err, ErrNotFile) {
		t.Errorf("directory: got %v", err)
	}
}

func TestTruncateToSize(t *testing.T) {
	f := newFixture(t, 50)
	e := f.entries[0]
	e.Size = 20
	rc, err := Open(context.Background(), f.st, f.ul, &e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, f.plain[0][:20]) {
		t.Errorf("got %d bytes, expected the first 20", len(got))
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := genRandom(32)
	plain := genRandom(12345)
	src := filepath.Join(dir, "plain")
	if err := os.WriteFile(src, plain, 0600); err != nil {
		t.Fatal(err)
	}
	if err := EncryptFile(src, filepath.Join(dir, "enc"), key); err != nil {
		t.Fatal(err)
	}
	if err := DecryptFile(context.Background(), filepath.Join(dir, "enc"), filepath.Join(dir, "dec"), key); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "dec"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("file round trip mismatch")
	}

	// A failed decryption leaves nothing behind.
	if err := DecryptFile(context.Background(), filepath.Join(dir, "enc"), filepath.Join(dir, "bad"), genRandom(32)); err == nil {
		t.Errorf("expected error with wrong key")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad")); err == nil {
		t.Errorf("output left after failure")
	}
}
