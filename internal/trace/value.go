package trace

import "encoding/json"

// ValueKind tags the shape of a snapshotted runtime value.
type ValueKind string

const (
	KindPrimitive ValueKind = "primitive"
	KindSequence  ValueKind = "sequence"
	KindMapping   ValueKind = "mapping"
	KindOpaque    ValueKind = "opaque"
)

// Unrepresentable is the placeholder text of a value that could not be
// snapshotted at all.
const Unrepresentable = "<unrepresentable>"

// Value is a bounded snapshot of an argument, return value or raised error.
// Exactly one of Scalar, Items, Entries or Text is meaningful, selected by Kind.
type Value struct {
	Kind      ValueKind       `json:"kind"`
	Scalar    json.RawMessage `json:"scalar,omitempty"`
	Items     []Value         `json:"items,omitempty"`
	Entries   []Entry         `json:"entries,omitempty"`
	Text      string          `json:"text,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Entry is one key of a mapping value, kept in observed order.
type Entry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Arg is one named call argument.
type Arg struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Opaque returns an opaque value carrying text.
func Opaque(text string, truncated bool) Value {
	return Value{Kind: KindOpaque, Text: text, Truncated: truncated}
}
