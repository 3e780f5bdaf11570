package rulechain

import (
	"time"
)

// Value is one datum in the evaluation scope together with the time it
// was observed. The timestamp drives the temporal operators.
type Value struct {
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Scope is the UUID-keyed view of the input data a chain evaluates
// against. Transforms never mutate a scope in place; they produce a new
// one.
type Scope struct {
	Sensors map[string]map[string]Value `json:"sensors"`
	Devices map[string]map[string]Value `json:"devices"`
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{
		Sensors: make(map[string]map[string]Value),
		Devices: make(map[string]map[string]Value),
	}
}

// RawData is the array-shaped input the engine hands the interpreter:
// one entry per entity, holding its UUID, a timestamp, and the rest of
// the keys as values.
type RawData struct {
	SensorData []map[string]any `json:"sensorData"`
	DeviceData []map[string]any `json:"deviceData"`
}

// FromRaw transforms array-shaped input into the UUID-keyed scope. A
// per-entry "timestamp" field (time.Time, RFC 3339 string, or Unix
// milliseconds) is attached to every value of that entry; entries
// without one get the current time.
func FromRaw(raw RawData) *Scope {
	s := NewScope()
	for _, entry := range raw.SensorData {
		uuid, values := splitEntry(entry)
		if uuid == "" {
			continue
		}
		s.Sensors[uuid] = values
	}
	for _, entry := range raw.DeviceData {
		uuid, values := splitEntry(entry)
		if uuid == "" {
			continue
		}
		s.Devices[uuid] = values
	}
	return s
}

func splitEntry(entry map[string]any) (string, map[string]Value) {
	uuid, _ := entry["UUID"].(string)
	ts := parseTimestamp(entry["timestamp"])
	values := make(map[string]Value, len(entry))
	for k, v := range entry {
		if k == "UUID" || k == "timestamp" {
			continue
		}
		values[k] = Value{Data: v, Timestamp: ts}
	}
	return uuid, values
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	case float64:
		return time.UnixMilli(int64(t))
	case int64:
		return time.UnixMilli(t)
	}
	return time.Now()
}

// Set records a value for an entity, creating the entity map on first
// use.
func (s *Scope) Set(src SourceType, uuid, key string, v Value) {
	m := s.Sensors
	if src == SourceDevice {
		m = s.Devices
	}
	entity, ok := m[uuid]
	if !ok {
		entity = make(map[string]Value)
		m[uuid] = entity
	}
	entity[key] = v
}

// Lookup fetches a value by leaf reference. The second return is false
// when the entity or key is absent, the safe-default path for most
// operators.
func (s *Scope) Lookup(src SourceType, uuid, key string) (Value, bool) {
	m := s.Sensors
	if src == SourceDevice {
		m = s.Devices
	}
	entity, ok := m[uuid]
	if !ok {
		return Value{}, false
	}
	v, ok := entity[key]
	return v, ok
}

// Clone deep-copies the scope so transforms can update functionally.
func (s *Scope) Clone() *Scope {
	out := NewScope()
	for uuid, values := range s.Sensors {
		nv := make(map[string]Value, len(values))
		for k, v := range values {
			nv[k] = v
		}
		out.Sensors[uuid] = nv
	}
	for uuid, values := range s.Devices {
		nv := make(map[string]Value, len(values))
		for k, v := range values {
			nv[k] = v
		}
		out.Devices[uuid] = nv
	}
	return out
}

// applyTransform returns a new scope with the transform's numeric
// operation applied to every value whose key matches and whose datum is
// numeric. Non-numeric matches are left untouched.
func applyTransform(s *Scope, tr *Transform) *Scope {
	out := s.Clone()
	apply := func(values map[string]Value) {
		v, ok := values[tr.Key]
		if !ok {
			return
		}
		f, ok := toFloat(v.Data)
		if !ok {
			return
		}
		switch tr.Operation {
		case "multiply":
			f *= tr.Operand
		case "add":
			f += tr.Operand
		case "subtract":
			f -= tr.Operand
		case "divide":
			if tr.Operand == 0 {
				return
			}
			f /= tr.Operand
		}
		values[tr.Key] = Value{Data: f, Timestamp: v.Timestamp}
	}
	for _, values := range out.Sensors {
		apply(values)
	}
	for _, values := range out.Devices {
		apply(values)
	}
	return out
}
