// Package trace turns engine trace events into a canonical, byte-stable
// JSON form used for golden-file comparison and journal digests.
//
// Canonical form: object keys sorted, strings NFC-normalized, no HTML
// escaping, integers only. Two identical propagation runs encode to
// byte-identical output; that property is what golden tests and replay
// verification rest on.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/cascadehq/cascade/internal/engine"
)

// Snapshot is the canonical container for one scenario or session trace.
type Snapshot struct {
	Name   string
	Events []engine.TraceEvent
}

// MarshalSnapshot encodes a snapshot to canonical JSON.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	events := make([]any, len(s.Events))
	for i, ev := range s.Events {
		events[i] = EventMap(ev)
	}
	return MarshalCanonical(map[string]any{
		"name":  s.Name,
		"trace": events,
	})
}

// EventMap converts a trace event to a map with empty fields omitted, so
// the canonical form carries no noise.
func EventMap(ev engine.TraceEvent) map[string]any {
	m := map[string]any{
		"type": string(ev.Type),
		"pass": ev.Pass,
		"seq":  ev.Seq,
	}
	if ev.Slot != "" {
		m["slot"] = ev.Slot
		m["rank"] = ev.Rank
	}
	if len(ev.Dirty) > 0 {
		m["dirty"] = toAnySlice(ev.Dirty)
	}
	if len(ev.Paths) > 0 {
		m["paths"] = toAnySlice(ev.Paths)
	}
	if ev.Type == engine.TracePassEnd {
		m["fired"] = ev.Fired
	}
	return m
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// MarshalCanonical produces canonical JSON for the supported value
// lattice: strings, ints, bools, []any, map[string]any.
//
// Floats and nulls are forbidden: they have no single canonical encoding
// and nothing in a trace legitimately produces them.
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return marshalString(val)
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case []any:
		return marshalArray(val)
	case map[string]any:
		return marshalObject(val)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// marshalString encodes with NFC normalization and without HTML escaping.
func marshalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder adds a trailing newline; drop it.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

func marshalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
