package rulechain

import (
	"testing"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
)

const (
	sensorA = "11111111-1111-7111-8111-111111111111"
	deviceB = "22222222-2222-7222-8222-222222222222"
)

func testScope(now time.Time) *Scope {
	s := NewScope()
	s.Set(SourceSensor, sensorA, "temperature", Value{Data: 30.0, Timestamp: now})
	s.Set(SourceSensor, sensorA, "label", Value{Data: "living-room", Timestamp: now})
	s.Set(SourceSensor, sensorA, "tags", Value{Data: []any{"indoor", "climate"}, Timestamp: now})
	s.Set(SourceSensor, sensorA, "faulty", Value{Data: nil, Timestamp: now})
	s.Set(SourceDevice, deviceB, "power", Value{Data: "on", Timestamp: now.Add(-600 * time.Second)})
	return s
}

func leaf(src SourceType, uuid, key, op string, value any) *Leaf {
	return &Leaf{SourceType: src, UUID: uuid, Key: key, Operator: op, Value: value}
}

func TestOperators(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	scope := testScope(now)

	tests := []struct {
		name string
		expr Expression
		want bool
	}{
		{"gt true", leaf(SourceSensor, sensorA, "temperature", ">", 25), true},
		{"gt false", leaf(SourceSensor, sensorA, "temperature", ">", 35), false},
		{"gte boundary", leaf(SourceSensor, sensorA, "temperature", ">=", 30), true},
		{"lt false", leaf(SourceSensor, sensorA, "temperature", "<", 30), false},
		{"lte boundary", leaf(SourceSensor, sensorA, "temperature", "<=", 30), true},
		{"eq numeric normalization", leaf(SourceSensor, sensorA, "temperature", "==", "30"), true},
		{"neq", leaf(SourceSensor, sensorA, "temperature", "!=", 31), true},
		{"between inside", leaf(SourceSensor, sensorA, "temperature", "between", []any{20.0, 40.0}), true},
		{"between outside", leaf(SourceSensor, sensorA, "temperature", "between", []any{31.0, 40.0}), false},
		{"contains", leaf(SourceSensor, sensorA, "label", "contains", "room"), true},
		{"notContains", leaf(SourceSensor, sensorA, "label", "notContains", "garage"), true},
		{"startsWith", leaf(SourceSensor, sensorA, "label", "startsWith", "living"), true},
		{"endsWith", leaf(SourceSensor, sensorA, "label", "endsWith", "room"), true},
		{"matches", leaf(SourceSensor, sensorA, "label", "matches", `^living-\w+$`), true},
		{"in", leaf(SourceSensor, sensorA, "label", "in", []any{"kitchen", "living-room"}), true},
		{"notIn", leaf(SourceSensor, sensorA, "label", "notIn", []any{"kitchen"}), true},
		{"hasAll", leaf(SourceSensor, sensorA, "tags", "hasAll", []any{"indoor", "climate"}), true},
		{"hasAll missing one", leaf(SourceSensor, sensorA, "tags", "hasAll", []any{"indoor", "outdoor"}), false},
		{"hasAny", leaf(SourceSensor, sensorA, "tags", "hasAny", []any{"outdoor", "climate"}), true},
		{"hasNone", leaf(SourceSensor, sensorA, "tags", "hasNone", []any{"outdoor"}), true},
		{"isNull present nil", leaf(SourceSensor, sensorA, "faulty", "isNull", nil), true},
		{"isNull absent key", leaf(SourceSensor, sensorA, "missing", "isNull", nil), true},
		{"isNotNull", leaf(SourceSensor, sensorA, "temperature", "isNotNull", nil), true},
		{"isEmpty absent", leaf(SourceSensor, sensorA, "missing", "isEmpty", nil), true},
		{"isNotEmpty", leaf(SourceSensor, sensorA, "label", "isNotEmpty", nil), true},
		{"isNumber", leaf(SourceSensor, sensorA, "temperature", "isNumber", nil), true},
		{"isNumber rejects numeric string", leaf(SourceSensor, sensorA, "label", "isNumber", nil), false},
		{"isString", leaf(SourceSensor, sensorA, "label", "isString", nil), true},
		{"isBoolean false for number", leaf(SourceSensor, sensorA, "temperature", "isBoolean", nil), false},
		{"isArray", leaf(SourceSensor, sensorA, "tags", "isArray", nil), true},
		{"absent uuid safe default", leaf(SourceSensor, "99999999-9999-7999-8999-999999999999", "temperature", ">", 0), false},
		{"non-numeric source vs numeric op", leaf(SourceSensor, sensorA, "label", ">", 5), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalExpression(tt.expr, scope, now)
			if err != nil {
				t.Fatalf("evalExpression: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTemporalOperators(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	scope := testScope(now)

	// Device state "power" was set to "on" 600 seconds ago.
	tests := []struct {
		name     string
		operator string
		value    any
		duration string
		want     bool
	}{
		{"olderThan 5m", "olderThan", nil, "5m", true},
		{"olderThan 15m", "olderThan", nil, "15m", false},
		{"newerThan 15m", "newerThan", nil, "15m", true},
		{"inLast 10m boundary", "inLast", nil, "600s", true},
		{"valueOlderThan matching value", "valueOlderThan", "on", "5m", true},
		{"valueOlderThan beyond window", "valueOlderThan", "on", "15m", false},
		{"valueOlderThan wrong value", "valueOlderThan", "off", "5m", false},
		{"valueNewerThan", "valueNewerThan", "on", "15m", true},
		{"valueInLast", "valueInLast", "on", "10m", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Leaf{
				SourceType: SourceDevice,
				UUID:       deviceB,
				Key:        "power",
				Operator:   tt.operator,
				Value:      tt.value,
				Duration:   tt.duration,
			}
			got, err := evalExpression(l, scope, now)
			if err != nil {
				t.Fatalf("evalExpression: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	now := time.Now()
	scope := testScope(now)

	tests := []struct {
		name string
		expr Expression
	}{
		{"unknown operator", leaf(SourceSensor, sensorA, "temperature", "approximately", 30)},
		{"bad regex", leaf(SourceSensor, sensorA, "label", "matches", "([")},
		{"non-numeric comparison operand", leaf(SourceSensor, sensorA, "temperature", ">", "warm")},
		{"between wrong arity", leaf(SourceSensor, sensorA, "temperature", "between", []any{1.0})},
		{"in without array", leaf(SourceSensor, sensorA, "label", "in", "kitchen")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evalExpression(tt.expr, scope, now)
			if !aemoserr.HasCode(err, aemoserr.CodeRuleEval) {
				t.Errorf("error = %v, want RULE_EVAL_ERROR", err)
			}
		})
	}
}

func TestComposites(t *testing.T) {
	now := time.Now()
	scope := testScope(now)

	and := &Composite{Op: OpAnd, Expressions: []Expression{
		leaf(SourceSensor, sensorA, "temperature", ">", 25),
		leaf(SourceSensor, sensorA, "label", "==", "living-room"),
	}}
	if got, err := evalExpression(and, scope, now); err != nil || !got {
		t.Errorf("AND = %v, %v; want true", got, err)
	}

	or := &Composite{Op: OpOr, Expressions: []Expression{
		leaf(SourceSensor, sensorA, "temperature", ">", 100),
		leaf(SourceSensor, sensorA, "label", "==", "living-room"),
	}}
	if got, err := evalExpression(or, scope, now); err != nil || !got {
		t.Errorf("OR = %v, %v; want true", got, err)
	}

	nested := &Composite{Op: OpAnd, Expressions: []Expression{
		or,
		&Composite{Op: OpOr, Expressions: []Expression{
			leaf(SourceSensor, sensorA, "temperature", "<", 0),
			leaf(SourceSensor, sensorA, "tags", "hasAny", []any{"indoor"}),
		}},
	}}
	if got, err := evalExpression(nested, scope, now); err != nil || !got {
		t.Errorf("nested = %v, %v; want true", got, err)
	}
}
