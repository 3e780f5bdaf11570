package rulechain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/timeutil"
)

// evalExpression evaluates a filter expression tree against a scope.
// AND requires all children true; OR requires any. Leaf evaluation
// errors (unknown operator, bad regex, malformed operand) abort the
// whole tree.
func evalExpression(e Expression, scope *Scope, now time.Time) (bool, error) {
	switch v := e.(type) {
	case *Leaf:
		return evalLeaf(v, scope, now)
	case *Composite:
		for _, sub := range v.Expressions {
			ok, err := evalExpression(sub, scope, now)
			if err != nil {
				return false, err
			}
			if v.Op == OpAnd && !ok {
				return false, nil
			}
			if v.Op == OpOr && ok {
				return true, nil
			}
		}
		return v.Op == OpAnd, nil
	default:
		return false, aemoserr.New(aemoserr.CodeRuleEval, "unknown expression node")
	}
}

// absenceDefined lists the operators that have meaning when the leaf's
// UUID or key is absent from the scope. Every other operator takes the
// safe default (false) on absence.
func absenceDefined(op string) bool {
	switch op {
	case "isNull", "isNotNull", "isEmpty", "isNotEmpty":
		return true
	}
	return false
}

// evalLeaf applies one operator. Missing inputs evaluate to false
// except for the isNull/isEmpty family; an operator outside the algebra
// is a hard RULE_EVAL_ERROR, never a silent false.
func evalLeaf(l *Leaf, scope *Scope, now time.Time) (bool, error) {
	val, present := scope.Lookup(l.SourceType, l.UUID, l.Key)

	if !present && !absenceDefined(l.Operator) {
		return false, nil
	}

	src := val.Data

	switch l.Operator {
	case ">", ">=", "<", "<=":
		right, ok := toFloat(l.Value)
		if !ok {
			return false, evalErr(l, "comparison operand is not numeric")
		}
		left, ok := toFloat(src)
		if !ok {
			return false, nil
		}
		switch l.Operator {
		case ">":
			return left > right, nil
		case ">=":
			return left >= right, nil
		case "<":
			return left < right, nil
		default:
			return left <= right, nil
		}

	case "==":
		return looseEqual(src, l.Value), nil
	case "!=":
		return !looseEqual(src, l.Value), nil

	case "between":
		bounds, ok := asArray(l.Value)
		if !ok || len(bounds) != 2 {
			return false, evalErr(l, "between requires a two-element array")
		}
		lo, okLo := toFloat(bounds[0])
		hi, okHi := toFloat(bounds[1])
		if !okLo || !okHi {
			return false, evalErr(l, "between bounds are not numeric")
		}
		left, ok := toFloat(src)
		if !ok {
			return false, nil
		}
		return left >= lo && left <= hi, nil

	case "contains":
		return strings.Contains(toString(src), toString(l.Value)), nil
	case "notContains":
		return !strings.Contains(toString(src), toString(l.Value)), nil
	case "startsWith":
		return strings.HasPrefix(toString(src), toString(l.Value)), nil
	case "endsWith":
		return strings.HasSuffix(toString(src), toString(l.Value)), nil

	case "matches":
		pattern, ok := l.Value.(string)
		if !ok {
			return false, evalErr(l, "matches requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, aemoserr.Wrap(aemoserr.CodeRuleEval, "invalid regex", err).
				With("operator", l.Operator).With("key", l.Key)
		}
		return re.MatchString(toString(src)), nil

	case "in", "notIn":
		members, ok := asArray(l.Value)
		if !ok {
			return false, evalErr(l, "operator requires an array operand")
		}
		found := false
		for _, m := range members {
			if looseEqual(src, m) {
				found = true
				break
			}
		}
		if l.Operator == "in" {
			return found, nil
		}
		return !found, nil

	case "hasAll", "hasAny", "hasNone":
		want, ok := asArray(l.Value)
		if !ok {
			return false, evalErr(l, "operator requires an array operand")
		}
		have, ok := asArray(src)
		if !ok {
			return false, nil
		}
		matches := 0
		for _, w := range want {
			for _, h := range have {
				if looseEqual(h, w) {
					matches++
					break
				}
			}
		}
		switch l.Operator {
		case "hasAll":
			return matches == len(want), nil
		case "hasAny":
			return matches > 0, nil
		default:
			return matches == 0, nil
		}

	case "isNull":
		return !present || src == nil, nil
	case "isNotNull":
		return present && src != nil, nil
	case "isEmpty":
		return isEmptyValue(src, present), nil
	case "isNotEmpty":
		return !isEmptyValue(src, present), nil

	case "isNumber":
		_, ok := numericValue(src)
		return ok, nil
	case "isString":
		_, ok := src.(string)
		return ok, nil
	case "isBoolean":
		_, ok := src.(bool)
		return ok, nil
	case "isArray":
		_, ok := asArray(src)
		return ok, nil

	case "olderThan":
		return now.Sub(val.Timestamp) > l.duration(), nil
	case "newerThan":
		return now.Sub(val.Timestamp) < l.duration(), nil
	case "inLast":
		return now.Sub(val.Timestamp) <= l.duration(), nil

	case "valueOlderThan":
		return looseEqual(src, l.Value) && now.Sub(val.Timestamp) > l.duration(), nil
	case "valueNewerThan":
		return looseEqual(src, l.Value) && now.Sub(val.Timestamp) < l.duration(), nil
	case "valueInLast":
		return looseEqual(src, l.Value) && now.Sub(val.Timestamp) <= l.duration(), nil

	default:
		return false, aemoserr.New(aemoserr.CodeRuleEval, "unknown operator").
			With("operator", l.Operator).With("key", l.Key)
	}
}

// duration resolves the temporal window of a leaf. The duration field
// wins; a string value is accepted as a fallback for the plain temporal
// operators, mirroring the loose configs the platform historically
// accepted.
func (l *Leaf) duration() time.Duration {
	if l.Duration != "" {
		return timeutil.ParseDuration(l.Duration)
	}
	if s, ok := l.Value.(string); ok {
		return timeutil.ParseDuration(s)
	}
	return 0
}

func evalErr(l *Leaf, msg string) error {
	return aemoserr.New(aemoserr.CodeRuleEval, msg).
		With("operator", l.Operator).With("key", l.Key)
}

// toFloat coerces JSON-shaped values to float64. Strings are parsed
// best-effort since DataStream values arrive as text.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := json.Number(strings.TrimSpace(t)).Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// numericValue is toFloat restricted to actual numbers: strings never
// qualify, so isNumber does not treat "42" as numeric.
func numericValue(v any) (float64, bool) {
	if _, isStr := v.(string); isStr {
		return 0, false
	}
	return toFloat(v)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// looseEqual compares with numeric normalization: 30 == 30.0 == "30".
func looseEqual(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		diff := fa - fb
		return diff < 1e-9 && diff > -1e-9
	}
	return toString(a) == toString(b)
}

func asArray(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

func isEmptyValue(v any, present bool) bool {
	if !present || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
