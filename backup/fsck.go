// backup/fsck.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/mmp/mbk/decrypt"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	u "github.com/mmp/mbk/util"
)

type FsckOptions struct {
	// Decrypt, if set, decrypts every file to check its padding and
	// size; otherwise only the presence of each blob is checked.
	Decrypt     bool
	Concurrency int
}

// FsckReport describes the problems that Fsck found.
type FsckReport struct {
	Files   int
	Checked int
	// Missing holds the paths of files whose blob isn't present.
	Missing []string
	// Corrupt maps the paths of files that didn't decrypt to the error.
	Corrupt map[string]error
	// Unreferenced holds blob keys that no manifest entry refers to.
	Unreferenced []string
	reasons      u.Dedupe
}

func (r *FsckReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Corrupt) == 0
}

// Summary returns one line per distinct problem.
func (r *FsckReport) Summary() []string {
	return r.reasons.Lines()
}

// Fsck checks the consistency of the backup's blobs with its manifest.
// Problems with individual files are recorded in the report; the
// returned error is only non-nil if the check couldn't be performed.
func (b *Backup) Fsck(ctx context.Context, ix *manifest.Index, ul *keybag.Unlocked,
	opts FsckOptions) (*FsckReport, error) {
	if opts.Decrypt && b.Encrypted() && ul == nil {
		return nil, ErrLocked
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}

	report := &FsckReport{Corrupt: make(map[string]error)}
	var mu sync.Mutex
	referenced := make(map[string]struct{})

	var wg sync.WaitGroup
	sem := make(chan bool, opts.Concurrency)
	for e := range ix.All() {
		if !e.IsFile() {
			continue
		}
		report.Files++
		referenced[e.FileID] = struct{}{}
		if ctx.Err() != nil {
			break
		}

		sem <- true
		wg.Add(1)
		go func(e manifest.Entry) {
			defer func() {
				<-sem
				wg.Done()
			}()

			err := b.checkEntry(ctx, &e, ul, opts.Decrypt)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				report.Checked--
			case errors.Is(err, ErrMissingBlob):
				report.Missing = append(report.Missing, e.Path())
				report.reasons.Add("missing blob", e.Path())
			default:
				report.Corrupt[e.Path()] = err
				var ce *decrypt.CryptoError
				if errors.As(err, &ce) {
					report.reasons.Add(ce.Err.Error(), e.Path())
				} else {
					report.reasons.Add(err.Error(), e.Path())
				}
			}
		}(e)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	keys, err := b.store.Keys()
	if err != nil {
		return report, err
	}
	for k := range keys {
		if _, ok := referenced[k]; !ok {
			report.Unreferenced = append(report.Unreferenced, k)
		}
	}
	if len(report.Unreferenced) > 0 {
		log.Warning("%s: %d blobs not referenced by the manifest", b.store,
			len(report.Unreferenced))
	}

	log.Verbose("%s: checked %d/%d files; %d missing, %d corrupt", b.store,
		report.Checked, report.Files, len(report.Missing), len(report.Corrupt))
	return report, nil
}

// ErrMissingBlob is used in Fsck to classify entries without a blob.
var ErrMissingBlob = errors.New("missing blob")

func (b *Backup) checkEntry(ctx context.Context, e *manifest.Entry, ul *keybag.Unlocked,
	full bool) error {
	if !full {
		if !b.store.BlobExists(e.FileID) {
			return ErrMissingBlob
		}
		return nil
	}

	rc, err := decrypt.Open(ctx, b.store, ul, e)
	if err != nil {
		if !b.store.BlobExists(e.FileID) {
			return ErrMissingBlob
		}
		return err
	}
	defer rc.Close()

	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return err
	}
	if n != e.Size {
		return fmt.Errorf("decrypted to %d bytes; expected %d", n, e.Size)
	}
	return nil
}
