package hook

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"calltrace/internal/trace"
	"calltrace/pkg/probe"
)

// Limits bound the size of snapshotted values.
type Limits struct {
	MaxDepth int `yaml:"max_depth"`
	MaxItems int `yaml:"max_items"`
	MaxText  int `yaml:"max_text"`
}

// DefaultLimits keeps a snapshot within a few kilobytes.
var DefaultLimits = Limits{MaxDepth: 4, MaxItems: 32, MaxText: 256}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultLimits.MaxItems
	}
	if l.MaxText <= 0 {
		l.MaxText = DefaultLimits.MaxText
	}
	return l
}

// Snapshot converts an encoded runtime value into a bounded Value. Values
// that cannot be decoded become the Unrepresentable placeholder and a
// non-empty warning is returned; Snapshot never fails.
func Snapshot(raw json.RawMessage, lim Limits) (trace.Value, string) {
	lim = lim.withDefaults()
	if !gjson.ValidBytes(raw) {
		return trace.Opaque(trace.Unrepresentable, false), "unrepresentable value: invalid encoding"
	}
	return convert(gjson.ParseBytes(raw), 0, lim), ""
}

func convert(res gjson.Result, depth int, lim Limits) trace.Value {
	switch res.Type {
	case gjson.String:
		s, cut := truncate(res.Str, lim.MaxText)
		return trace.Value{Kind: trace.KindPrimitive, Scalar: quote(s), Truncated: cut}
	case gjson.Null, gjson.True, gjson.False, gjson.Number:
		return trace.Value{Kind: trace.KindPrimitive, Scalar: json.RawMessage(res.Raw)}
	}

	if depth >= lim.MaxDepth {
		text, _ := truncate(res.Raw, lim.MaxText)
		return trace.Opaque(text, true)
	}

	if res.IsArray() {
		v := trace.Value{Kind: trace.KindSequence}
		res.ForEach(func(_, item gjson.Result) bool {
			if len(v.Items) == lim.MaxItems {
				v.Truncated = true
				return false
			}
			v.Items = append(v.Items, convert(item, depth+1, lim))
			return true
		})
		return v
	}

	v := trace.Value{Kind: trace.KindMapping}
	keys := 0
	var marker gjson.Result
	res.ForEach(func(key, item gjson.Result) bool {
		keys++
		if key.Str == probe.OpaqueKey {
			marker = item
		}
		if len(v.Entries) == lim.MaxItems {
			v.Truncated = true
			return true
		}
		v.Entries = append(v.Entries, trace.Entry{Key: key.Str, Value: convert(item, depth+1, lim)})
		return true
	})
	if keys == 1 && marker.Type == gjson.String {
		text, cut := truncate(marker.Str, lim.MaxText)
		return trace.Opaque(text, cut)
	}
	return v
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…", true
}

func quote(s string) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}
