package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
)

const maxOpaqueLen = 1024

// Emitter serializes frames to a writer. A nil *Emitter discards everything.
// After the first write error the emitter goes quiet: instrumentation must
// never break the code under test.
type Emitter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	err    error
}

var std = Open()

// Open returns an emitter for the descriptor in CALLTRACE_EVENTS_FD, or nil
// when tracing is not active.
func Open() *Emitter {
	v := os.Getenv(EnvEventsFD)
	if v == "" {
		return nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return nil
	}
	f := os.NewFile(uintptr(fd), "calltrace-events")
	if f == nil {
		return nil
	}
	e := NewEmitter(f)
	e.closer = f
	return e
}

// NewEmitter writes frames to w.
func NewEmitter(w io.Writer) *Emitter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Emitter{enc: enc}
}

// Emit writes one frame.
func (e *Emitter) Emit(f Frame) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.err = e.enc.Encode(f)
	return e.err
}

// Close releases the underlying descriptor if the emitter owns it.
func (e *Emitter) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

// Span is one open activation.
type Span struct {
	e    *Emitter
	fn   string
	file string
	done bool
}

// Enter emits a call frame for the calling function.
func (e *Emitter) Enter(args ...any) *Span {
	if e == nil {
		return nil
	}
	return e.enter(2, args)
}

func (e *Emitter) enter(skip int, args []any) *Span {
	pc, file, line, _ := runtime.Caller(skip)
	fn := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	frame := Frame{Event: "call", File: file, Line: line, Func: fn}
	for i, a := range args {
		frame.Args = append(frame.Args, Arg{Name: "arg" + strconv.Itoa(i), Value: Encode(a)})
	}
	e.Emit(frame)
	return &Span{e: e, fn: fn, file: file}
}

// Return emits the return frame of the span.
func (s *Span) Return(vals ...any) {
	if s == nil || s.done {
		return
	}
	s.done = true
	_, _, line, _ := runtime.Caller(1)
	var ret json.RawMessage
	switch len(vals) {
	case 0:
	case 1:
		ret = Encode(vals[0])
	default:
		ret = Encode(vals)
	}
	s.e.Emit(Frame{Event: "return", File: s.file, Line: line, Func: s.fn, Return: ret})
}

// Raise emits an exception frame closing the span.
func (s *Span) Raise(cause any) {
	if s == nil || s.done {
		return
	}
	s.done = true
	_, _, line, _ := runtime.Caller(1)
	s.e.Emit(Frame{Event: "exception", File: s.file, Line: line, Func: s.fn, Error: encodeError(cause)})
}

// Recover must be deferred directly. It turns a panic escaping the span
// into an exception frame and re-panics.
func (s *Span) Recover() {
	if r := recover(); r != nil {
		s.Raise(r)
		panic(r)
	}
}

// Enter emits a call frame on the process-wide emitter.
func Enter(args ...any) *Span {
	if std == nil {
		return nil
	}
	return std.enter(2, args)
}

// Encode renders v as JSON, falling back to an opaque marker.
func Encode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err == nil {
		return data
	}
	return opaque(fmt.Sprintf("%T: %v", v, v))
}

func encodeError(cause any) json.RawMessage {
	msg := fmt.Sprint(cause)
	if err, ok := cause.(error); ok {
		msg = err.Error()
	}
	data, err := json.Marshal(map[string]string{"type": fmt.Sprintf("%T", cause), "message": msg})
	if err != nil {
		return opaque(msg)
	}
	return data
}

func opaque(text string) json.RawMessage {
	if len(text) > maxOpaqueLen {
		text = text[:maxOpaqueLen]
	}
	data, _ := json.Marshal(map[string]string{OpaqueKey: text})
	return data
}
