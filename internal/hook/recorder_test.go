package hook

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calltrace/internal/core"
	"calltrace/internal/trace"
	"calltrace/pkg/probe"
)

func newRecorder(t *testing.T) (*Recorder, *trace.Builder) {
	t.Helper()
	b := trace.NewBuilder("tests/test_mod.py::test_a", nil)
	r := NewRecorder(b, Options{
		Filter:       Filter{BaseDir: "/proj", Suffixes: []string{".py"}},
		DrainTimeout: 200 * time.Millisecond,
	})
	return r, b
}

func frame(event, fn string, line int) probe.Frame {
	return probe.Frame{Event: event, File: "/proj/src/mod.py", Line: line, Func: fn}
}

func TestRecorderStreamsFramesIntoBuilder(t *testing.T) {
	r, b := newRecorder(t)
	pr, pw := io.Pipe()

	detach, err := r.Attach(pr)
	require.NoError(t, err)

	em := probe.NewEmitter(pw)
	require.NoError(t, em.Emit(probe.Frame{Event: "call", File: "/proj/src/mod.py", Line: 1, Func: "outer",
		Args: []probe.Arg{{Name: "x", Value: []byte(`[1,2]`)}, {Name: "y"}}}))
	require.NoError(t, em.Emit(probe.Frame{Event: "call", File: "/usr/lib/python3/json/decoder.py", Line: 5, Func: "decode"}))
	require.NoError(t, em.Emit(frame("call", "inner", 7)))
	require.NoError(t, em.Emit(probe.Frame{Event: "return", File: "/proj/src/mod.py", Line: 9, Func: "inner", Return: []byte(`"v"`)}))
	require.NoError(t, em.Emit(frame("return", "outer", 3)))
	require.NoError(t, pw.Close())

	require.NoError(t, detach())
	rec := b.Finalize(core.OutcomePass, nil)
	require.NoError(t, rec.Validate())

	require.Len(t, rec.Events, 4)
	assert.Equal(t, "src/mod.py", rec.Events[0].Callee.File)
	require.Len(t, rec.Events[0].Args, 2)
	assert.Equal(t, trace.KindSequence, rec.Events[0].Args[0].Value.Kind)
	assert.Equal(t, "null", string(rec.Events[0].Args[1].Value.Scalar))
	assert.Equal(t, `"v"`, string(rec.Events[2].Return.Scalar))

	stats := r.Stats()
	assert.Equal(t, Stats{Frames: 5, Recorded: 4, Filtered: 1}, stats)
}

func TestRecorderAttachIsNotReentrant(t *testing.T) {
	r, b := newRecorder(t)
	pr, pw := io.Pipe()

	detach, err := r.Attach(pr)
	require.NoError(t, err)

	pr2, _ := io.Pipe()
	_, err = r.Attach(pr2)
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	em := probe.NewEmitter(pw)
	require.NoError(t, em.Emit(frame("call", "f", 1)))
	pw.Close()
	require.NoError(t, detach())

	// one frame, one event: the rejected attach installed nothing
	assert.Len(t, b.Finalize(core.OutcomePass, nil).Events, 1)

	_, err = r.Attach(pr2)
	assert.ErrorIs(t, err, ErrDetached)
}

func TestRecorderDetachIsIdempotent(t *testing.T) {
	r, _ := newRecorder(t)
	pr, pw := io.Pipe()
	_, err := r.Attach(pr)
	require.NoError(t, err)
	pw.Close()

	assert.NoError(t, r.Detach())
	assert.NoError(t, r.Detach())
}

func TestRecorderDetachWithoutAttach(t *testing.T) {
	r, _ := newRecorder(t)
	assert.NoError(t, r.Detach())
}

func TestRecorderAbandonsStreamThatNeverCloses(t *testing.T) {
	r, b := newRecorder(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	_, err := r.Attach(pr)
	require.NoError(t, err)

	go probe.NewEmitter(pw).Emit(frame("call", "f", 1))

	start := time.Now()
	err = r.Detach()
	assert.ErrorIs(t, err, ErrStreamAbandoned)
	assert.Less(t, time.Since(start), 2*time.Second)

	rec := b.Finalize(core.OutcomeInfraError, err)
	assert.Contains(t, rec.Warnings, ErrStreamAbandoned.Error())
}

func TestRecorderCountsMalformedFrames(t *testing.T) {
	r, b := newRecorder(t)
	pr, pw := io.Pipe()
	_, err := r.Attach(pr)
	require.NoError(t, err)

	go func() {
		io.WriteString(pw, "not json\n")
		io.WriteString(pw, `{"event":"line","file":"/proj/src/mod.py","line":2,"func":"f"}`+"\n")
		io.WriteString(pw, `{"event":"call","file":"/proj/src/mod.py","line":1,"func":"f"}`)
		pw.Close()
	}()
	require.NoError(t, r.Detach())

	assert.Equal(t, 2, r.Stats().Malformed)
	rec := b.Finalize(core.OutcomePass, nil)
	assert.Len(t, rec.Events, 1, "final line without newline must still be consumed")
	assert.Contains(t, rec.Warnings, "skipped 2 malformed frame(s)")
}

func TestRecorderUnrepresentableArgIsWarning(t *testing.T) {
	r, b := newRecorder(t)
	r.OnEvent(probe.Frame{Event: "call", File: "/proj/src/mod.py", Line: 1, Func: "f",
		Args: []probe.Arg{{Name: "conn", Value: []byte(`{broken`)}}})

	rec := b.Finalize(core.OutcomePass, nil)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, trace.Unrepresentable, rec.Events[0].Args[0].Value.Text)
	require.Len(t, rec.Events[0].Warnings, 1)
	assert.Contains(t, rec.Events[0].Warnings[0], "arg conn")
}

func TestRecorderSeparatesThreads(t *testing.T) {
	r, b := newRecorder(t)
	pr, pw := io.Pipe()
	detach, err := r.Attach(pr)
	require.NoError(t, err)

	em := probe.NewEmitter(pw)
	onThread := func(f probe.Frame, thread int64) probe.Frame {
		f.Thread = thread
		return f
	}
	go func() {
		em.Emit(frame("call", "test_pool", 1))
		em.Emit(onThread(frame("call", "work", 20), 140))
		em.Emit(frame("call", "submit", 10))
		em.Emit(onThread(frame("return", "work", 22), 140))
		em.Emit(frame("return", "submit", 11))
		em.Emit(frame("return", "test_pool", 2))
		pw.Close()
	}()
	require.NoError(t, detach())

	rec := b.Finalize(core.OutcomePass, nil)
	require.NoError(t, rec.Validate())
	assert.Empty(t, rec.Warnings)
	require.Len(t, rec.Events, 6)
	assert.Nil(t, rec.Events[1].Caller, "a thread's first call has no caller")
	require.NotNil(t, rec.Events[2].Caller)
	assert.Equal(t, "test_pool", rec.Events[2].Caller.Func)
}
