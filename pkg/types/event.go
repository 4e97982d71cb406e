package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event maps field names to decoded values, keeping first-insertion order
type Event struct {
	keys   []string
	values map[string]Value
}

// NewEvent creates an empty event with room for n fields
func NewEvent(n int) Event {
	return Event{
		keys:   make([]string, 0, n),
		values: make(map[string]Value, n),
	}
}

// Set assigns a value. An existing key keeps its position and is overwritten.
func (e *Event) Set(key string, v Value) {
	if e.values == nil {
		e.values = make(map[string]Value)
	}
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = v
}

// Get returns the value for key
func (e Event) Get(key string) (Value, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Len returns the number of distinct fields
func (e Event) Len() int {
	return len(e.keys)
}

// Keys returns the field names in insertion order
func (e Event) Keys() []string {
	keys := make([]string, len(e.keys))
	copy(keys, e.keys)
	return keys
}

// Range calls fn for each field in order until fn returns false
func (e Event) Range(fn func(key string, v Value) bool) {
	for _, k := range e.keys {
		if !fn(k, e.values[k]) {
			return
		}
	}
}

// Clone returns a deep copy of the event
func (e Event) Clone() Event {
	c := NewEvent(len(e.keys))
	for _, k := range e.keys {
		c.Set(k, e.values[k])
	}
	return c
}

// Equal reports whether both events hold the same fields in the same order
func (e Event) Equal(o Event) bool {
	if len(e.keys) != len(o.keys) {
		return false
	}
	for i, k := range e.keys {
		if o.keys[i] != k || !e.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}

// Str returns the string value of key, or "" when absent or not a string
func (e Event) Str(key string) string {
	v, ok := e.values[key]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

// MarshalJSON writes the event as a JSON object in field order
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := e.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object, preserving key order
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("event must be a JSON object")
	}

	out := NewEvent(8)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		v, err := valueFromToken(tok)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*e = out
	return nil
}
