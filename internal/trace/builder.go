package trace

import (
	"fmt"
	"sync"
	"time"

	"calltrace/internal/core"
)

// Builder assembles the call events of one test into a Record. Depth is
// tracked on an explicit stack of open activations per thread, so a return
// that skips frames (missed notifications) unwinds them instead of
// corrupting nesting, and interleaved threads never share a caller.
type Builder struct {
	mu       sync.Mutex
	testID   core.TestID
	clock    core.Clock
	start    time.Time
	seq      uint64
	stacks   map[int64][]Identity
	events   []CallEvent
	warnings []string
}

// NewBuilder starts a record for testID at the current clock time.
func NewBuilder(testID core.TestID, clock core.Clock) *Builder {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Builder{
		testID: testID,
		clock:  clock,
		start:  clock.Now(),
		stacks: make(map[int64][]Identity),
	}
}

// Call opens a new activation of callee on thread. The caller is whatever
// activation is currently on top of that thread's stack.
func (b *Builder) Call(thread int64, callee Identity, args []Arg, warnings []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stack := b.stacks[thread]
	ev := CallEvent{
		Kind:     EventCall,
		Thread:   thread,
		Depth:    len(stack),
		Caller:   top(stack),
		Callee:   callee,
		Args:     args,
		Warnings: warnings,
	}
	b.stacks[thread] = append(stack, callee)
	b.append(ev)
}

// Return closes the innermost open activation of callee on thread.
func (b *Builder) Return(thread int64, callee Identity, ret *Value, warnings []string) {
	b.close(EventReturn, thread, callee, ret, warnings)
}

// Exception closes the innermost open activation of callee on thread
// because it raised.
func (b *Builder) Exception(thread int64, callee Identity, errVal *Value, warnings []string) {
	b.close(EventException, thread, callee, errVal, warnings)
}

func (b *Builder) close(kind EventKind, thread int64, callee Identity, val *Value, warnings []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stack := b.stacks[thread]
	i := len(stack) - 1
	for i >= 0 && !stack[i].sameFunction(callee) {
		i--
	}
	if i < 0 {
		b.warnings = append(b.warnings, fmt.Sprintf("dropped %s of %s without matching call", kind, callee))
		return
	}
	if skipped := len(stack) - 1 - i; skipped > 0 {
		warnings = append(warnings, fmt.Sprintf("unwound %d activation(s) without %s", skipped, EventReturn))
	}
	stack = stack[:i]
	b.stacks[thread] = stack

	ev := CallEvent{
		Kind:     kind,
		Thread:   thread,
		Depth:    i,
		Caller:   top(stack),
		Callee:   callee,
		Warnings: warnings,
	}
	if kind == EventReturn {
		ev.Return = val
	} else {
		ev.Error = val
	}
	b.append(ev)
}

// Warn attaches a record-level warning.
func (b *Builder) Warn(format string, args ...any) {
	b.mu.Lock()
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
	b.mu.Unlock()
}

// Finalize returns the completed Record. infraErr is set for infra-error
// outcomes. Activations still open are kept as calls without returns.
func (b *Builder) Finalize(outcome core.Outcome, infraErr error) Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := Record{
		TestID:   b.testID,
		Outcome:  outcome,
		Duration: b.clock.Since(b.start),
		Events:   append([]CallEvent(nil), b.events...),
		Warnings: append([]string(nil), b.warnings...),
	}
	open := 0
	for _, stack := range b.stacks {
		open += len(stack)
	}
	if open > 0 {
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("%d activation(s) still open at end of test", open))
	}
	if infraErr != nil {
		rec.InfraError = infraErr.Error()
	}
	if rec.Events == nil {
		rec.Events = []CallEvent{}
	}
	return rec
}

func top(stack []Identity) *Identity {
	if len(stack) == 0 {
		return nil
	}
	caller := stack[len(stack)-1]
	return &caller
}

func (b *Builder) append(ev CallEvent) {
	b.seq++
	ev.Seq = b.seq
	b.events = append(b.events, ev)
}
