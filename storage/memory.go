// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

type metadata struct {
	data    []byte
	created time.Time
}

// Memory is a Store and Writer that keeps everything in RAM. It's really
// only useful for testing code built on top of Store, where we may want to
// save the trouble of saving a bunch of stuff to disk.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	meta  map[string]metadata
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[string][]byte),
		meta:  make(map[string]metadata),
	}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) WriteBlob(key string, r io.Reader) (int64, error) {
	if !ValidKey(key) {
		return 0, &BlobError{Key: key, Err: ErrInvalidKey}
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; ok {
		return 0, fmt.Errorf("%s: %w", key, ErrExists)
	}
	m.blobs[key] = b
	return int64(len(b)), nil
}

// RemoveBlob deletes the blob with the given key, if present.
func (m *Memory) RemoveBlob(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
}

func (m *Memory) OpenBlob(key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.blobs[key]; !ok {
		return nil, &BlobError{Key: key, Err: ErrBlobNotFound}
	} else {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func (m *Memory) BlobExists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok
}

func (m *Memory) Keys() (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make(map[string]struct{})
	for k := range m.blobs {
		ret[k] = struct{}{}
	}
	return ret, nil
}

func (m *Memory) WriteMetadata(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.meta[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}
	m.meta[name] = metadata{dupe(data), time.Now()}
	return nil
}

func (m *Memory) ReadMetadata(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.meta[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrMetadataNotFound)
	}
	return dupe(md.data), nil
}

func (m *Memory) MetadataExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.meta[name]
	return ok
}

func (m *Memory) ListMetadata() (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md := make(map[string]time.Time)
	for name, meta := range m.meta {
		md[name] = meta.created
	}
	return md, nil
}
