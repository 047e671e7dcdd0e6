// Package probe is the in-process side of calltrace: it writes frame
// notifications (one JSON object per line) to the descriptor named by
// CALLTRACE_EVENTS_FD, where the recorder of the tracing run reads them.
//
// A Go test or library instruments a function with
//
//	sp := probe.Enter(a, b)
//	defer sp.Recover()
//	...
//	sp.Return(result)
//
// When the variable is unset every call is a no-op.
package probe

import "encoding/json"

// EnvEventsFD names the environment variable holding the frame descriptor.
const EnvEventsFD = "CALLTRACE_EVENTS_FD"

// EnvBaseDir names the environment variable holding the project root.
// Tracers skip code outside it.
const EnvBaseDir = "CALLTRACE_BASE_DIR"

// OpaqueKey marks a value that could not be encoded faithfully; the object
// {"$opaque": "text"} is snapshotted as opaque text.
const OpaqueKey = "$opaque"

// Frame is one call, return or exception notification. Thread separates
// the call stacks of concurrently running threads; zero is the main one.
type Frame struct {
	Event  string          `json:"event"`
	Thread int64           `json:"thread,omitempty"`
	File   string          `json:"file"`
	Line   int             `json:"line"`
	Func   string          `json:"func"`
	Args   []Arg           `json:"args,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Arg is one encoded argument.
type Arg struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}
