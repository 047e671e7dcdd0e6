package trace

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calltrace/internal/core"
)

func fn(name string, line int) Identity {
	return Identity{File: "pkg/mod.py", Line: line, Func: name}
}

func TestBuilderNestsCallsWithExplicitDepth(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBuilder("tests/test_mod.py::test_a", clock)

	b.Call(0, fn("outer", 1), []Arg{{Name: "x", Value: Value{Kind: KindPrimitive, Scalar: json.RawMessage(`1`)}}}, nil)
	b.Call(0, fn("inner", 10), nil, nil)
	b.Return(0, fn("inner", 12), &Value{Kind: KindPrimitive, Scalar: json.RawMessage(`"ok"`)}, nil)
	b.Return(0, fn("outer", 3), nil, nil)
	clock.Advance(250 * time.Millisecond)

	rec := b.Finalize(core.OutcomePass, nil)
	require.NoError(t, rec.Validate())
	require.Len(t, rec.Events, 4)

	assert.Equal(t, 250*time.Millisecond, rec.Duration)
	assert.Equal(t, []int{0, 1, 1, 0}, depths(rec.Events))
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs(rec.Events))
	assert.Nil(t, rec.Events[0].Caller)
	require.NotNil(t, rec.Events[1].Caller)
	assert.Equal(t, "outer", rec.Events[1].Caller.Func)
	assert.Equal(t, `"ok"`, string(rec.Events[2].Return.Scalar))
	assert.Empty(t, rec.Warnings)
}

func TestBuilderRecursionProducesOneEventPerActivation(t *testing.T) {
	b := NewBuilder("t", nil)
	for i := 0; i < 3; i++ {
		b.Call(0, fn("fact", 5), nil, nil)
	}
	for i := 0; i < 3; i++ {
		b.Return(0, fn("fact", 7), nil, nil)
	}

	rec := b.Finalize(core.OutcomePass, nil)
	require.NoError(t, rec.Validate())
	assert.Equal(t, []int{0, 1, 2, 2, 1, 0}, depths(rec.Events))
}

func TestBuilderUnwindsSkippedActivations(t *testing.T) {
	b := NewBuilder("t", nil)
	b.Call(0, fn("a", 1), nil, nil)
	b.Call(0, fn("b", 2), nil, nil)
	b.Call(0, fn("c", 3), nil, nil)
	// the returns of c and b were never observed
	b.Return(0, fn("a", 1), nil, nil)

	rec := b.Finalize(core.OutcomePass, nil)
	require.NoError(t, rec.Validate())
	last := rec.Events[len(rec.Events)-1]
	assert.Equal(t, 0, last.Depth)
	require.Len(t, last.Warnings, 1)
	assert.Contains(t, last.Warnings[0], "unwound 2")
}

func TestBuilderDropsUnmatchedReturn(t *testing.T) {
	b := NewBuilder("t", nil)
	b.Return(0, fn("ghost", 1), nil, nil)
	b.Call(0, fn("a", 1), nil, nil)

	rec := b.Finalize(core.OutcomeFail, nil)
	require.NoError(t, rec.Validate())
	assert.Len(t, rec.Events, 1)
	require.Len(t, rec.Warnings, 2)
	assert.Contains(t, rec.Warnings[0], "without matching call")
	assert.Contains(t, rec.Warnings[1], "still open")
}

func TestBuilderExceptionMidStack(t *testing.T) {
	b := NewBuilder("t", nil)
	b.Call(0, fn("test_x", 1), nil, nil)
	b.Call(0, fn("parse", 20), nil, nil)
	b.Call(0, fn("validate", 40), nil, nil)
	errVal := Opaque("ValueError: bad input", false)
	b.Exception(0, fn("validate", 44), &errVal, nil)
	b.Exception(0, fn("parse", 22), &errVal, nil)
	b.Exception(0, fn("test_x", 3), &errVal, nil)

	rec := b.Finalize(core.OutcomeError, nil)
	require.NoError(t, rec.Validate())
	require.Len(t, rec.Events, 6)
	assert.Equal(t, EventException, rec.Events[3].Kind)
	assert.Equal(t, "ValueError: bad input", rec.Events[3].Error.Text)
	assert.Equal(t, core.OutcomeError, rec.Outcome)
}

func TestBuilderKeepsOneStackPerThread(t *testing.T) {
	b := NewBuilder("t", nil)
	b.Call(0, fn("test_pool", 1), nil, nil)
	b.Call(7, fn("worker", 30), nil, nil)
	b.Call(0, fn("submit", 10), nil, nil)
	b.Call(7, fn("handle", 40), nil, nil)
	b.Return(0, fn("submit", 12), nil, nil)
	b.Return(7, fn("handle", 42), nil, nil)
	b.Return(7, fn("worker", 33), nil, nil)
	b.Return(0, fn("test_pool", 3), nil, nil)

	rec := b.Finalize(core.OutcomePass, nil)
	require.NoError(t, rec.Validate())
	assert.Empty(t, rec.Warnings, "interleaving must not unwind the other thread")
	assert.Equal(t, []int{0, 0, 1, 1, 1, 1, 0, 0}, depths(rec.Events))

	require.NotNil(t, rec.Events[2].Caller)
	assert.Equal(t, "test_pool", rec.Events[2].Caller.Func)
	require.NotNil(t, rec.Events[3].Caller)
	assert.Equal(t, "worker", rec.Events[3].Caller.Func)
	assert.Nil(t, rec.Events[1].Caller)
	assert.Equal(t, int64(7), rec.Events[3].Thread)
}

func TestBuilderFinalizeRecordsInfraError(t *testing.T) {
	b := NewBuilder("t", nil)
	rec := b.Finalize(core.OutcomeInfraError, &core.InfraError{TestID: "t", Op: "timeout", Err: assert.AnError})

	assert.Equal(t, core.OutcomeInfraError, rec.Outcome)
	assert.Contains(t, rec.InfraError, "timeout")
	assert.NotNil(t, rec.Events)
}

func TestRecordValidateRejectsBrokenNesting(t *testing.T) {
	tests := []struct {
		name   string
		events []CallEvent
	}{
		{
			name: "return on another thread",
			events: []CallEvent{
				{Seq: 1, Kind: EventCall, Callee: fn("a", 1)},
				{Seq: 2, Kind: EventReturn, Thread: 3, Callee: fn("a", 1)},
			},
		},
		{
			name:   "return without call",
			events: []CallEvent{{Seq: 1, Kind: EventReturn, Callee: fn("a", 1)}},
		},
		{
			name: "seq not increasing",
			events: []CallEvent{
				{Seq: 2, Kind: EventCall, Callee: fn("a", 1)},
				{Seq: 2, Kind: EventReturn, Callee: fn("a", 1)},
			},
		},
		{
			name: "return shallower than any open call",
			events: []CallEvent{
				{Seq: 1, Kind: EventCall, Depth: 3, Callee: fn("a", 1)},
				{Seq: 2, Kind: EventReturn, Depth: 1, Callee: fn("a", 1)},
			},
		},
		{
			name:   "unknown kind",
			events: []CallEvent{{Seq: 1, Kind: "line", Callee: fn("a", 1)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{TestID: "t", Outcome: core.OutcomePass, Events: tt.events}
			assert.Error(t, rec.Validate())
		})
	}
}

func depths(events []CallEvent) []int {
	out := make([]int, len(events))
	for i, ev := range events {
		out[i] = ev.Depth
	}
	return out
}

func seqs(events []CallEvent) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}
