// extract/extract.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package extract decrypts selected files of a backup, either into a
// local directory or into another destination for a restore.
package extract

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mmp/mbk/backup"
	"github.com/mmp/mbk/decrypt"
	"github.com/mmp/mbk/keybag"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
)

// ErrSystemic is returned when so many writes to the destination fail
// that the rest of the batch isn't attempted.
var ErrSystemic = errors.New("too many destination write errors")

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Events

type EventKind int

const (
	// Started is sent once the selectors have been resolved; Total holds
	// the number of files to be processed.
	Started EventKind = iota
	EntryDone
	EntryFailed
	EntrySkipped
	// Finished is the last event of a job.
	Finished
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case EntryDone:
		return "done"
	case EntryFailed:
		return "failed"
	case EntrySkipped:
		return "skipped"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports progress of a Job.
type Event struct {
	Kind EventKind
	// Path is the domain-qualified path of the entry, for entry events.
	Path  string
	Bytes int64
	Err   error
	// Done and Total count the files processed so far and in all.
	Done, Total int
}

///////////////////////////////////////////////////////////////////////////
// Result

// Outcome records what happened to one entry.
type Outcome struct {
	Path   string
	FileID string
	Bytes  int64
	// Err is nil for entries that were written successfully.
	Err     error
	Skipped bool
}

// Result describes a finished job. Failures of individual entries never
// stop the others; they're all recorded here.
type Result struct {
	Selectors []SelectorResult
	Outcomes  []Outcome

	Succeeded, Failed, Skipped int
	Bytes                      int64

	// Err is set if the job as a whole failed or stopped early: the
	// selectors were invalid, the context was canceled, or ErrSystemic.
	Err error

	mu      sync.Mutex
	reasons u.Dedupe
}

func (r *Result) record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
	switch {
	case o.Skipped:
		r.Skipped++
	case o.Err != nil:
		r.Failed++
	default:
		r.Succeeded++
		r.Bytes += o.Bytes
	}
	if o.Err != nil {
		r.reasons.Add(reason(o.Err), o.Path)
	}
}

func (r *Result) done() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Succeeded + r.Failed + r.Skipped
}

// Failures returns the outcomes of the entries that weren't written.
func (r *Result) Failures() []Outcome {
	var f []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			f = append(f, o)
		}
	}
	return f
}

// Summary returns a short report of the job: the overall counts, any
// selectors that didn't match anything, and one line per distinct
// failure reason.
func (r *Result) Summary() []string {
	s := []string{fmt.Sprintf("%d succeeded (%s), %d failed, %d skipped", r.Succeeded,
		u.FmtBytes(r.Bytes), r.Failed, r.Skipped)}
	for _, sr := range r.Selectors {
		if sr.Matched == 0 {
			s = append(s, fmt.Sprintf("%s: no matching files", sr.Selector))
		}
	}
	s = append(s, r.reasons.Lines()...)
	if r.Err != nil {
		s = append(s, "stopped: "+r.Err.Error())
	}
	return s
}

// reason returns the description of err without the name of the file it
// happened to, so that failures can be grouped.
func reason(err error) string {
	var ce *decrypt.CryptoError
	var be *storage.BlobError
	var ioe *IOError
	switch {
	case errors.As(err, &ce):
		return ce.Err.Error()
	case errors.As(err, &be):
		return be.Err.Error()
	case errors.As(err, &ioe):
		return "write: " + ioe.Err.Error()
	case errors.Is(err, ErrReadOnlyDomain):
		return ErrReadOnlyDomain.Error()
	default:
		return err.Error()
	}
}

///////////////////////////////////////////////////////////////////////////
// Job

// Job is an extraction or restore running in the background.
type Job struct {
	events chan Event
	done   chan struct{}
	result *Result
}

func newJob() *Job {
	return &Job{events: make(chan Event, 64), done: make(chan struct{})}
}

// Events returns the job's progress events; the channel is closed after
// the Finished event. Callers that don't care about progress needn't
// read from it.
func (j *Job) Events() <-chan Event {
	return j.events
}

// Wait waits for the job to finish and returns its result. Any events
// that haven't been read are discarded.
func (j *Job) Wait() *Result {
	for range j.events {
	}
	<-j.done
	return j.result
}

///////////////////////////////////////////////////////////////////////////
// Extractor

type Options struct {
	// Concurrency bounds the number of files decrypted at once; the
	// default is the number of CPUs.
	Concurrency int
	// MaxIOErrors is the number of destination write errors after which
	// the rest of the batch is abandoned with ErrSystemic. The default
	// is 10; a negative value means no limit.
	MaxIOErrors int
	// PreserveMode applies recorded permissions to extracted files.
	PreserveMode bool
}

// Extractor decrypts files from an unlocked backup. It's safe for
// concurrent use; jobs don't share any mutable state.
type Extractor struct {
	store storage.Store
	index *manifest.Index
	ul    *keybag.Unlocked
	opts  Options
}

// New returns an Extractor for the given backup. ul may be nil for
// unencrypted backups.
func New(b *backup.Backup, ix *manifest.Index, ul *keybag.Unlocked, opts Options) *Extractor {
	return NewFromStore(b.Store(), ix, ul, opts)
}

// NewFromStore is like New but takes the store holding the blobs
// directly.
func NewFromStore(st storage.Store, ix *manifest.Index, ul *keybag.Unlocked, opts Options) *Extractor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.MaxIOErrors == 0 {
		opts.MaxIOErrors = 10
	}
	return &Extractor{store: st, index: ix, ul: ul, opts: opts}
}

// Extract writes the selected entries under dest, as dest/domain/path.
func (x *Extractor) Extract(ctx context.Context, sels []Selector, dest string) *Job {
	return x.Restore(ctx, sels, &DirSink{Root: dest, PreserveMode: x.opts.PreserveMode})
}

// Restore writes the selected entries to sink. Each domain is checked
// with the sink before anything is written.
func (x *Extractor) Restore(ctx context.Context, sels []Selector, sink Sink) *Job {
	j := newJob()
	go func() {
		defer close(j.done)
		defer close(j.events)
		j.result = x.run(ctx, sels, sink, j.events)
	}()
	return j
}

func (x *Extractor) run(ctx context.Context, sels []Selector, sink Sink, events chan<- Event) *Result {
	res := &Result{}
	entries, selResults, err := resolve(x.index, sels)
	res.Selectors = selResults
	if err != nil {
		res.Err = err
		events <- Event{Kind: Finished, Err: err}
		return res
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Domain != entries[j].Domain {
			return entries[i].Domain < entries[j].Domain
		}
		return entries[i].RelativePath < entries[j].RelativePath
	})

	var files []manifest.Entry
	for _, e := range entries {
		if e.IsFile() {
			files = append(files, e)
		}
	}
	total := len(files)
	events <- Event{Kind: Started, Total: total}
	log.Verbose("%s: extracting %d files to %s", x.store, total, sink)

	// Only files are counted, along with directories and links that
	// couldn't be created.
	emit := func(e *manifest.Entry, o Outcome) {
		if !e.IsFile() && o.Err == nil {
			return
		}
		res.record(o)
		ev := Event{Kind: EntryDone, Path: o.Path, Bytes: o.Bytes, Err: o.Err,
			Done: res.done(), Total: total}
		if o.Skipped {
			ev.Kind = EntrySkipped
		} else if o.Err != nil {
			ev.Kind = EntryFailed
		}
		events <- ev
	}
	outcome := func(e *manifest.Entry, n int64, err error) Outcome {
		return Outcome{Path: e.Path(), FileID: e.FileID, Bytes: n, Err: err}
	}

	// Check all of the domains before writing anything.
	refused := make(map[string]error)
	for _, e := range entries {
		if _, ok := refused[e.Domain]; ok {
			continue
		}
		refused[e.Domain] = sink.AcceptDomain(e.Domain)
		if err := refused[e.Domain]; err != nil {
			log.Warning("%s: %s", sink, err)
		}
	}

	// Directories and links first, so that files land in directories
	// with the right permissions.
	for i := range entries {
		e := &entries[i]
		if err := refused[e.Domain]; err != nil {
			if e.IsFile() {
				o := outcome(e, 0, err)
				o.Skipped = true
				emit(e, o)
			}
			continue
		}
		switch {
		case e.IsDir():
			if err := sink.Mkdir(e); err != nil {
				emit(e, outcome(e, 0, err))
			}
		case e.IsSymlink():
			emit(e, outcome(e, 0, sink.Symlink(e)))
		case !e.IsFile():
			log.Warning("%s: not restoring entry with %s", e.Path(), e.Flags)
		}
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var ioErrors atomic.Int32
	var systemic atomic.Bool

	var wg sync.WaitGroup
	sem := make(chan bool, x.opts.Concurrency)
	for i := range files {
		e := &files[i]
		if refused[e.Domain] != nil {
			continue
		}

		acquired := false
		select {
		case sem <- true:
			acquired = true
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			if acquired {
				<-sem
			}
			o := outcome(e, 0, ctx.Err())
			o.Skipped = true
			emit(e, o)
			continue
		}

		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()

			n, err := x.extractOne(ctx, sink, e)
			o := outcome(e, n, err)
			var ioe *IOError
			switch {
			case err == nil:
				log.Debug("%s: extracted %s", e.Path(), u.FmtBytes(n))
			case ctx.Err() != nil && errors.Is(err, ctx.Err()):
				o.Skipped = true
			case errors.As(err, &ioe):
				if c := ioErrors.Add(1); x.opts.MaxIOErrors > 0 && int(c) >= x.opts.MaxIOErrors {
					systemic.Store(true)
					cancel()
				}
			}
			emit(e, o)
		}()
	}
	wg.Wait()

	switch {
	case systemic.Load():
		res.Err = fmt.Errorf("%s: %w (%d)", sink, ErrSystemic, ioErrors.Load())
	case parent.Err() != nil:
		res.Err = parent.Err()
	}
	if res.Err != nil {
		log.Error("%s", res.Err)
	}
	log.Verbose("%s: %d extracted, %d failed, %d skipped", sink, res.Succeeded,
		res.Failed, res.Skipped)

	events <- Event{Kind: Finished, Err: res.Err, Done: res.done(), Total: total}
	return res
}

func (x *Extractor) extractOne(ctx context.Context, sink Sink, e *manifest.Entry) (int64, error) {
	rc, err := decrypt.Open(ctx, x.store, x.ul, e)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return sink.WriteFile(ctx, e, rc)
}
