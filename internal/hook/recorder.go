// Package hook implements the call recorder: it consumes the frame
// notifications of one traced test, filters them down to project code,
// snapshots values and feeds the trace builder.
package hook

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"calltrace/internal/trace"
	"calltrace/pkg/probe"
)

var (
	// ErrAlreadyAttached is returned by a second Attach on the same recorder.
	ErrAlreadyAttached = errors.New("hook: recorder already attached")
	// ErrDetached is returned by Attach after Detach.
	ErrDetached = errors.New("hook: recorder already detached")
	// ErrStreamAbandoned reports that the frame stream did not reach EOF
	// within the drain timeout and was closed forcibly.
	ErrStreamAbandoned = errors.New("hook: frame stream abandoned before EOF")
)

const defaultDrainTimeout = 2 * time.Second

// Options configure a Recorder.
type Options struct {
	Filter       Filter
	Limits       Limits
	Logger       *slog.Logger
	DrainTimeout time.Duration
}

// Stats counts what happened to the frames a recorder saw.
type Stats struct {
	Frames    int
	Recorded  int
	Filtered  int
	Malformed int
}

// Recorder is the interception handle of exactly one test. It is attached
// once, fed frames, and detached once; attach and detach form a scoped pair
// that callers close with defer.
type Recorder struct {
	opts    Options
	builder *trace.Builder

	mu    sync.Mutex // serializes OnEvent
	stats Stats

	lifeMu   sync.Mutex
	attached bool
	detached bool
	src      io.ReadCloser
	done     chan struct{}
	readErr  error

	detachOnce sync.Once
	detachErr  error
}

// NewRecorder returns a detached recorder feeding b.
func NewRecorder(b *trace.Builder, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	opts.Limits = opts.Limits.withDefaults()
	return &Recorder{opts: opts, builder: b}
}

// Attach starts consuming newline-delimited frames from src in the
// background. The recorder owns src from here on and closes it on Detach.
// The returned function is Detach.
func (r *Recorder) Attach(src io.ReadCloser) (func() error, error) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	switch {
	case r.detached:
		return nil, ErrDetached
	case r.attached:
		return nil, ErrAlreadyAttached
	}
	r.attached = true
	r.src = src
	r.done = make(chan struct{})
	go r.consume(src, r.done)
	return r.Detach, nil
}

// Detach stops the recorder. It waits for the stream to reach EOF, up to
// the drain timeout, then closes it. Only the first call has an effect;
// later calls return the same error.
func (r *Recorder) Detach() error {
	r.detachOnce.Do(func() {
		r.detachErr = r.detach()
	})
	return r.detachErr
}

func (r *Recorder) detach() error {
	r.lifeMu.Lock()
	r.detached = true
	attached, src, done := r.attached, r.src, r.done
	r.lifeMu.Unlock()
	if !attached {
		return nil
	}

	var err error
	timer := time.NewTimer(r.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		src.Close()
	case <-timer.C:
		src.Close()
		<-done
		err = ErrStreamAbandoned
	}

	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()
	if stats.Malformed > 0 {
		r.builder.Warn("skipped %d malformed frame(s)", stats.Malformed)
	}
	if err == nil && r.readErr != nil {
		err = fmt.Errorf("hook: read frames: %w", r.readErr)
	}
	if err != nil {
		r.builder.Warn("%v", err)
	}
	r.opts.Logger.Debug("recorder detached",
		"frames", stats.Frames, "recorded", stats.Recorded,
		"filtered", stats.Filtered, "malformed", stats.Malformed)
	return err
}

func (r *Recorder) consume(src io.Reader, done chan struct{}) {
	defer close(done)
	br := bufio.NewReaderSize(src, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var f probe.Frame
			if jerr := json.Unmarshal(line, &f); jerr != nil {
				r.malformed()
			} else {
				r.OnEvent(f)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.readErr = err
			}
			return
		}
	}
}

func (r *Recorder) malformed() {
	r.mu.Lock()
	r.stats.Frames++
	r.stats.Malformed++
	r.mu.Unlock()
}

// OnEvent handles one frame notification synchronously.
func (r *Recorder) OnEvent(f probe.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Frames++

	kind := trace.EventKind(f.Event)
	if kind != trace.EventCall && kind != trace.EventReturn && kind != trace.EventException {
		r.stats.Malformed++
		return
	}
	rel, ok := r.opts.Filter.Match(f.File, f.Func)
	if !ok {
		r.stats.Filtered++
		return
	}
	r.stats.Recorded++
	id := trace.Identity{File: rel, Line: f.Line, Func: f.Func}

	switch kind {
	case trace.EventCall:
		args, warnings := r.snapshotArgs(f.Args)
		r.builder.Call(f.Thread, id, args, warnings)
	case trace.EventReturn:
		v, warnings := r.snapshotOptional("return value", f.Return)
		r.builder.Return(f.Thread, id, v, warnings)
	case trace.EventException:
		v, warnings := r.snapshotOptional("error", f.Error)
		r.builder.Exception(f.Thread, id, v, warnings)
	}
}

// Stats returns a copy of the frame counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Recorder) snapshotArgs(raw []probe.Arg) ([]trace.Arg, []string) {
	if len(raw) == 0 {
		return nil, nil
	}
	var warnings []string
	args := make([]trace.Arg, 0, len(raw))
	for _, a := range raw {
		if len(a.Value) == 0 {
			a.Value = json.RawMessage("null")
		}
		v, warn := Snapshot(a.Value, r.opts.Limits)
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("arg %s: %s", a.Name, warn))
		}
		args = append(args, trace.Arg{Name: a.Name, Value: v})
	}
	return args, warnings
}

func (r *Recorder) snapshotOptional(what string, raw json.RawMessage) (*trace.Value, []string) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, warn := Snapshot(raw, r.opts.Limits)
	if warn != "" {
		return &v, []string{what + ": " + warn}
	}
	return &v, nil
}
