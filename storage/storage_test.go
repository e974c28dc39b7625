// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testStore interface {
	Store
	Writer
}

func keyFor(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}

func TestSimple(t *testing.T) {
	for _, st := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		key := keyFor(simple)
		if _, err := st.WriteBlob(key, bytes.NewReader(simple)); err != nil {
			t.Fatalf("%s: write: %v", st, err)
		}

		if !st.BlobExists(key) {
			t.Errorf("%s: blob doesn't exist even though just written?", st)
		}

		r, err := st.OpenBlob(key)
		if err != nil {
			t.Fatalf("%s: read: %v", st, err)
		}
		b, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Errorf("%s: read all: %v", st, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", st, simple, b)
		}

		if _, err := st.WriteBlob(key, bytes.NewReader(simple)); !errors.Is(err, ErrExists) {
			t.Errorf("%s: rewrite of existing blob: got %v", st, err)
		}
	}
}

func TestNotFound(t *testing.T) {
	for _, st := range getStorage(t) {
		key := keyFor([]byte("never written"))
		_, err := st.OpenBlob(key)
		var be *BlobError
		if !errors.As(err, &be) || !errors.Is(err, ErrBlobNotFound) {
			t.Errorf("%s: got %v, expected BlobError/ErrBlobNotFound", st, err)
		} else if be.Key != key {
			t.Errorf("%s: error key %q, expected %q", st, be.Key, key)
		}
		if st.BlobExists(key) {
			t.Errorf("%s: unexpected blob", st)
		}

		if _, err := st.OpenBlob("../etc/passwd"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("%s: invalid key: got %v", st, err)
		}
	}
}

func TestMetadata(t *testing.T) {
	for _, st := range getStorage(t) {
		if err := st.WriteMetadata("blurp", []byte("hello")); err != nil {
			t.Fatal(err)
		}
		if err := st.WriteMetadata("flurg", []byte("world")); err != nil {
			t.Fatal(err)
		}
		if !st.MetadataExists("blurp") {
			t.Errorf("%s: missing metadata", st)
		}
		if !st.MetadataExists("flurg") {
			t.Errorf("%s: missing metadata", st)
		}
		if st.MetadataExists("flurgz") {
			t.Errorf("%s: unexpected metadata", st)
		}
		if b, err := st.ReadMetadata("blurp"); err != nil || string(b) != "hello" {
			t.Errorf("%s: unexpected metadata value %q (%v)", st, b, err)
		}
		if _, err := st.ReadMetadata("flurgz"); !errors.Is(err, ErrMetadataNotFound) {
			t.Errorf("%s: got %v, expected ErrMetadataNotFound", st, err)
		}
		if err := st.WriteMetadata("blurp", []byte("again")); !errors.Is(err, ErrExists) {
			t.Errorf("%s: rewrite of existing metadata: got %v", st, err)
		}

		// Blobs shouldn't show up as metadata.
		b := []byte("blob")
		if _, err := st.WriteBlob(keyFor(b), bytes.NewReader(b)); err != nil {
			t.Fatal(err)
		}
		md, err := st.ListMetadata()
		if err != nil {
			t.Fatal(err)
		}
		if len(md) != 2 {
			t.Errorf("%s: got metadata %v, expected blurp and flurg", st, md)
		}
	}
}

func TestManyRandom(t *testing.T) {
	for _, st := range getStorage(t) {
		var keys []string
		var chunks [][]byte
		const count = 500

		for i := 0; i < count; i++ {
			buf := genRandom(rand.Intn(32 * 1024))
			key := keyFor(append(buf, byte(i), byte(i>>8)))
			if _, err := st.WriteBlob(key, bytes.NewReader(buf)); err != nil {
				t.Fatalf("%s: %d: %v", st, i, err)
			}
			keys = append(keys, key)
			chunks = append(chunks, buf)
		}

		all, err := st.Keys()
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != count {
			t.Errorf("%s: got %d keys, expected %d", st, len(all), count)
		}

		perm := rand.Perm(count)
		for _, i := range perm {
			if _, ok := all[keys[i]]; !ok {
				t.Errorf("%s: %s missing from Keys()", st, keys[i])
			}

			r, err := st.OpenBlob(keys[i])
			if err != nil {
				t.Fatalf("%s: %d: %v", st, i, err)
			}
			c, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				t.Fatalf("%s: %d: %v", st, i, err)
			}

			// Make sure the two match
			if !bytes.Equal(c, chunks[i]) {
				t.Errorf("%s: %d: didn't get same bytes back!", st, i)
			}
		}
	}
}

func TestDiskLayout(t *testing.T) {
	root := t.TempDir()
	d, err := NewDisk(root)
	if err != nil {
		t.Fatal(err)
	}

	sharded := []byte("sharded")
	sk := keyFor(sharded)
	if _, err := d.WriteBlob(sk, bytes.NewReader(sharded)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, sk[:2], sk)); err != nil {
		t.Errorf("blob not in shard directory: %v", err)
	}

	// Older backups store blobs directly in the root.
	flat := []byte("flat")
	fk := keyFor(flat)
	if err := os.WriteFile(filepath.Join(root, fk), flat, 0600); err != nil {
		t.Fatal(err)
	}
	// Parity and temporary files are ignored.
	if err := os.WriteFile(filepath.Join(root, sk[:2], sk+".rs"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, sk[:2], "ab.tmp"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	r, err := d.OpenBlob(fk)
	if err != nil {
		t.Fatalf("flat blob: %v", err)
	}
	b, _ := io.ReadAll(r)
	r.Close()
	if !bytes.Equal(b, flat) {
		t.Errorf("flat blob: got %q", b)
	}

	keys, err := d.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("got keys %v, expected two", keys)
	}
	if _, ok := keys[fk]; !ok {
		t.Errorf("flat key missing")
	}

	md, err := d.ListMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(md) != 0 {
		t.Errorf("unexpected metadata %v", md)
	}
}

func TestCopy(t *testing.T) {
	src := NewMemory()
	for i := 0; i < 20; i++ {
		b := genRandom(100 + i)
		if _, err := src.WriteBlob(keyFor(b), bytes.NewReader(b)); err != nil {
			t.Fatal(err)
		}
	}
	if err := src.WriteMetadata("Manifest.plist", []byte("manifest")); err != nil {
		t.Fatal(err)
	}

	dst, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Copying twice should be fine; the second time has nothing to do.
	for i := 0; i < 2; i++ {
		if err := Copy(src, dst); err != nil {
			t.Fatalf("copy %d: %v", i, err)
		}
	}

	sk, _ := src.Keys()
	dk, _ := dst.Keys()
	if len(sk) != len(dk) {
		t.Errorf("copied %d keys, expected %d", len(dk), len(sk))
	}
	for k := range sk {
		a, _ := src.OpenBlob(k)
		b, err := dst.OpenBlob(k)
		if err != nil {
			t.Fatalf("%s: %v", k, err)
		}
		ab, _ := io.ReadAll(a)
		bb, _ := io.ReadAll(b)
		b.Close()
		if !bytes.Equal(ab, bb) {
			t.Errorf("%s: contents differ after copy", k)
		}
	}
	if m, err := dst.ReadMetadata("Manifest.plist"); err != nil || string(m) != "manifest" {
		t.Errorf("metadata: got %q, %v", m, err)
	}
}

func TestRateLimit(t *testing.T) {
	buf := genRandom(64 * 1024)

	// Unlimited readers are returned as-is.
	var none *Bandwidth
	r := bytes.NewReader(buf)
	if none.DownloadReader(context.Background(), r) != io.Reader(r) {
		t.Errorf("nil Bandwidth wrapped the reader")
	}

	bw := NewBandwidth(0, 32*1024)
	start := time.Now()
	got, err := io.ReadAll(bw.DownloadReader(context.Background(), bytes.NewReader(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, buf) {
		t.Errorf("rate limited reader changed the data")
	}
	// The first 32k is available immediately; the rest takes about a
	// second.
	if d := time.Since(start); d < 500*time.Millisecond {
		t.Errorf("read 64k at 32k/s in %s", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lr := NewBandwidth(1024, 0).UploadReader(ctx, bytes.NewReader(buf))
	if _, err := io.ReadAll(lr); err == nil {
		t.Errorf("expected error from canceled context")
	}
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func getStorage(t *testing.T) []testStore {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return []testStore{NewMemory(), d}
}
