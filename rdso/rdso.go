// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files. Backups use
// it to protect archival copies: each blob and metadata file gets a .rs
// sidecar.
//
// Data is processed in segments of NDataShards*HashRate bytes, so memory
// use is bounded regardless of the file size. Each segment of the .rs
// file stores a hash of each data and parity shard along with the parity
// shards themselves.
package rdso

import (
	"encoding/gob"
	"errors"
	"io"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/mbk/util"
	"golang.org/x/crypto/sha3"
)

var ErrFileCorrupt = errors.New("file corrupt")

type hash [32]byte

func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	// First the data hashes, then the parity hashes.
	Hashes       []hash
	ParityShards [][]byte
}

func (h rsFileHeader) segmentSize() int {
	return h.NDataShards * h.HashRate
}

// readSegment reads the next segment of data into buf, zero padding it
// if the data ends early, and returns the data shards.
func readSegment(r io.Reader, buf []byte, h rsFileHeader) ([][]byte, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	shards := make([][]byte, h.NDataShards)
	for i := range shards {
		shards[i] = buf[i*h.HashRate : (i+1)*h.HashRate]
	}
	return shards, nil
}

// Encode computes the Reed-Solomon encoding of the size bytes from r and
// writes it to rsw.
func Encode(r io.Reader, size int64, rsw io.Writer, nDataShards, nParityShards, hashRate int) error {
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	genc := gob.NewEncoder(rsw)
	if err := genc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, h.segmentSize())
	for offset := int64(0); offset < size; offset += int64(len(buf)) {
		n := int64(len(buf))
		if size-offset < n {
			n = size - offset
		}
		dataShards, err := readSegment(io.LimitReader(r, n), buf, h)
		if err != nil {
			return err
		}

		seg := rsFileSegment{}
		for i := 0; i < nParityShards; i++ {
			seg.ParityShards = append(seg.ParityShards, make([]byte, hashRate))
		}
		allShards := append(dataShards, seg.ParityShards...)
		if err := enc.Encode(allShards); err != nil {
			return err
		}
		for _, s := range allShards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		if err := genc.Encode(seg); err != nil {
			return err
		}
	}
	return nil
}

// forEachSegment reads the header and segments of the .rs data from rsr
// along with the corresponding data from r and calls f for each one with
// the data shards followed by the parity shards.
func forEachSegment(r, rsr io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	return forEachSegmentHeader(r, rsr, log, nil, f)
}

// forEachSegmentHeader is like forEachSegment, but first calls hf, if
// non-nil, with the header.
func forEachSegmentHeader(r, rsr io.Reader, log *u.Logger, hf func(h rsFileHeader) error,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rsr)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return err
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return errors.New("invalid Reed-Solomon header")
	}
	if hf != nil {
		if err := hf(h); err != nil {
			return err
		}
	}
	log.Debug("%d data shards, %d parity shards, hash rate %d", h.NDataShards,
		h.NParityShards, h.HashRate)

	buf := make([]byte, h.segmentSize())
	for {
		var seg rsFileSegment
		if err := dec.Decode(&seg); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards ||
			len(seg.ParityShards) != h.NParityShards {
			return errors.New("invalid Reed-Solomon segment")
		}

		dataShards, err := readSegment(r, buf, h)
		if err != nil {
			return err
		}
		if err := f(h, seg.Hashes, append(dataShards, seg.ParityShards...)); err != nil {
			return err
		}
	}
}

// badShards returns the indices of the shards that don't match their
// hashes.
func badShards(h rsFileHeader, hashes []hash, shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if len(s) != h.HashRate || hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

// Check verifies the data from r against its Reed-Solomon encoding,
// returning ErrFileCorrupt if any of it doesn't match.
func Check(r, rsr io.Reader, log *u.Logger) error {
	segment, errs := 0, 0
	err := forEachSegment(r, rsr, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for _, s := range badShards(h, hashes, shards) {
			if s < h.NDataShards {
				log.Error("segment %d: data shard %d hash mismatch", segment, s)
			} else {
				log.Error("segment %d: parity shard %d hash mismatch", segment, s-h.NDataShards)
			}
			errs++
		}
		segment++
		return nil
	})
	if err != nil {
		return err
	}
	if errs > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs any corrupt data from r using its Reed-Solomon
// encoding, writing the first size bytes of the repaired data to w and
// the repaired encoding to rsw.
func Restore(r, rsr io.Reader, size int64, w, rsw io.Writer, log *u.Logger) error {
	lw := &limitedWriter{W: w, N: size}
	genc := gob.NewEncoder(rsw)
	segment := 0
	var enc reedsolomon.Encoder

	header := func(h rsFileHeader) error {
		var err error
		if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
			return err
		}
		return genc.Encode(h)
	}

	return forEachSegmentHeader(r, rsr, log, header, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if bad := badShards(h, hashes, shards); len(bad) > 0 {
			log.Warning("segment %d: reconstructing %d shards", segment, len(bad))
			for _, s := range bad {
				shards[s] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return err
			}
			// Make sure that what we reconstructed is right.
			if bad := badShards(h, hashes, shards); len(bad) > 0 {
				return ErrFileCorrupt
			}
		}
		segment++

		for _, s := range shards[:h.NDataShards] {
			if _, err := lw.Write(s); err != nil {
				return err
			}
		}
		return genc.Encode(rsFileSegment{hashes, shards[h.NDataShards:]})
	})
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	n := len(data)
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	m, err := w.W.Write(data)
	w.N -= int64(m)
	if err != nil {
		return m, err
	}
	return n, nil
}
