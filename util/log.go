// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// A nil *Logger is valid; it drops debug and verbose output and sends
// everything else to stderr.
type Logger struct {
	mu      sync.Mutex
	nErrors int
	out     io.Writer
	debug   io.Writer
	verbose io.Writer
	warning io.Writer
	err     io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	l := &Logger{out: os.Stdout}
	if verbose {
		l.verbose = os.Stderr
	}
	if debug {
		l.debug = os.Stderr
	}
	l.warning = os.Stderr
	l.err = os.Stderr
	return l
}

// NewWriterLogger returns a Logger that sends all levels, including
// debug output, to w. It's mostly useful in tests.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w, debug: w, verbose: w, warning: w, err: w}
}

// Errors returns the number of errors that have been reported.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nErrors
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil || l.out == nil {
		fmt.Printf("%s", format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nErrors++
	fmt.Fprint(l.err, format(f, args...))
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		os.Exit(1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nErrors++
	fmt.Fprint(l.err, format(f, args...))
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
//
// Only use this for program invariants; data-dependent failures should
// be returned as errors.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	w := io.Writer(os.Stderr)
	if l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.nErrors++
		w = l.err
	}

	if len(msg) == 0 {
		fmt.Fprint(w, format("Check failed\n"))
	} else {
		f := msg[0].(string)
		fmt.Fprint(w, format(f, msg[1:]...))
	}
	os.Exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	w := io.Writer(os.Stderr)
	if l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.nErrors++
		w = l.err
	}

	if len(msg) == 0 {
		fmt.Fprint(w, format("Error: %+v\n", err))
	} else {
		f := msg[0].(string)
		fmt.Fprint(w, format(f, msg[1:]...))
	}
	os.Exit(1)
}

func format(f string, args ...interface{}) string {
	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

///////////////////////////////////////////////////////////////////////////
// Dedupe

// Dedupe accumulates messages that may repeat many times over the course
// of a bulk operation (e.g., the same failure for thousands of files) so
// that they can be reported once each along with a count. It's safe for
// concurrent use.
type Dedupe struct {
	mu     sync.Mutex
	counts map[string]int
	first  map[string]string
}

// Add records one occurrence of reason; example identifies the first
// thing that it happened to.
func (d *Dedupe) Add(reason, example string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts == nil {
		d.counts = make(map[string]int)
		d.first = make(map[string]string)
	}
	if d.counts[reason] == 0 {
		d.first[reason] = example
	}
	d.counts[reason]++
}

// Lines returns one line per distinct reason, most frequent first.
func (d *Dedupe) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	reasons := make([]string, 0, len(d.counts))
	for r := range d.counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		ci, cj := d.counts[reasons[i]], d.counts[reasons[j]]
		if ci != cj {
			return ci > cj
		}
		return reasons[i] < reasons[j]
	})

	var lines []string
	for _, r := range reasons {
		if n := d.counts[r]; n == 1 {
			lines = append(lines, fmt.Sprintf("%s: %s", d.first[r], r))
		} else {
			lines = append(lines, fmt.Sprintf("%s (and %d more): %s", d.first[r], n-1, r))
		}
	}
	return lines
}
