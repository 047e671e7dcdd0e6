// Package trace assembles observed call events into per-test records and
// persists them.
package trace

import (
	"fmt"
	"time"

	"calltrace/internal/core"
)

// EventKind is the kind of an observed frame notification.
type EventKind string

const (
	EventCall      EventKind = "call"
	EventReturn    EventKind = "return"
	EventException EventKind = "exception"
)

// Identity names a function activation site. Paths are relative to the
// project root.
type Identity struct {
	File string `json:"filepath"`
	Line int    `json:"lineno"`
	Func string `json:"func_name"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%d:%s", id.File, id.Line, id.Func)
}

// sameFunction compares identities ignoring the line, which differs between
// a call and its return.
func (id Identity) sameFunction(other Identity) bool {
	return id.File == other.File && id.Func == other.Func
}

// CallEvent is one observed call, return or exception.
type CallEvent struct {
	Seq      uint64    `json:"seq"`
	Kind     EventKind `json:"kind"`
	Thread   int64     `json:"thread,omitempty"`
	Depth    int       `json:"depth"`
	Caller   *Identity `json:"caller,omitempty"`
	Callee   Identity  `json:"callee"`
	Args     []Arg     `json:"args,omitempty"`
	Return   *Value    `json:"return,omitempty"`
	Error    *Value    `json:"error,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Record is the complete trace of one test.
type Record struct {
	TestID     core.TestID   `json:"test_id"`
	FuncID     string        `json:"test_func_id,omitempty"`
	Outcome    core.Outcome  `json:"outcome"`
	Duration   time.Duration `json:"duration_ns"`
	Worker     int           `json:"worker"`
	InfraError string        `json:"infra_error,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Events     []CallEvent   `json:"events"`
}

// Validate checks the ordering and nesting invariants: sequence numbers
// strictly increase and every return or exception closes an earlier open call
// of the same function on the same thread at the same or a shallower depth.
func (r *Record) Validate() error {
	if !r.Outcome.Valid() {
		return fmt.Errorf("record %s: invalid outcome %q", r.TestID, r.Outcome)
	}

	type open struct {
		callee Identity
		depth  int
	}
	stacks := make(map[int64][]open)
	var last uint64
	for i, ev := range r.Events {
		if i > 0 && ev.Seq <= last {
			return fmt.Errorf("record %s: event %d has seq %d after %d", r.TestID, i, ev.Seq, last)
		}
		last = ev.Seq

		stack := stacks[ev.Thread]
		switch ev.Kind {
		case EventCall:
			stacks[ev.Thread] = append(stack, open{callee: ev.Callee, depth: ev.Depth})
		case EventReturn, EventException:
			j := len(stack) - 1
			for j >= 0 && !(stack[j].callee.sameFunction(ev.Callee) && stack[j].depth <= ev.Depth) {
				j--
			}
			if j < 0 {
				return fmt.Errorf("record %s: %s of %s (seq %d) has no matching call", r.TestID, ev.Kind, ev.Callee, ev.Seq)
			}
			stacks[ev.Thread] = stack[:j]
		default:
			return fmt.Errorf("record %s: unknown event kind %q", r.TestID, ev.Kind)
		}
	}
	return nil
}
