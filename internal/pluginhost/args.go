package pluginhost

import (
	"fmt"
	"math"

	"OpenOrch/pkg/plugin"
)

// ValidateArgs checks an argument bag against the declared specs: required
// presence, type checks, choice membership, and default injection. Values
// are canonicalized (ints to int64, numeric floats to float64) so handlers
// see predictable types. Arguments without a spec pass through untouched.
func ValidateArgs(specs []plugin.ArgSpec, args map[string]any) (map[string]any, []plugin.FieldError) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	var violations []plugin.FieldError
	for _, spec := range specs {
		val, present := out[spec.Name]
		if !present || val == nil {
			if spec.Default == nil {
				if spec.Required {
					violations = append(violations, plugin.FieldError{Field: spec.Name, Message: "required argument missing"})
				}
				continue
			}
			val = spec.Default
		}
		coerced, err := coerceArg(val, spec.EffectiveType())
		if err != nil {
			violations = append(violations, plugin.FieldError{Field: spec.Name, Message: err.Error()})
			continue
		}
		if len(spec.Choices) > 0 && !choiceAllowed(coerced, spec.Choices) {
			violations = append(violations, plugin.FieldError{Field: spec.Name, Message: fmt.Sprintf("value %v is not among the allowed choices %v", coerced, spec.Choices)})
			continue
		}
		out[spec.Name] = coerced
	}
	return out, violations
}

func coerceArg(val any, t plugin.ArgType) (any, error) {
	switch t {
	case plugin.TypeString:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return s, nil
	case plugin.TypeInt:
		switch v := val.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", val)
		}
	case plugin.TypeFloat:
		switch v := val.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", val)
		}
	case plugin.TypeBool:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", val)
		}
		return b, nil
	case plugin.TypeList:
		switch v := val.(type) {
		case []any:
			return v, nil
		case []string:
			list := make([]any, len(v))
			for i, s := range v {
				list[i] = s
			}
			return list, nil
		default:
			return nil, fmt.Errorf("expected list, got %T", val)
		}
	case plugin.TypeMap:
		m, ok := val.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map, got %T", val)
		}
		return m, nil
	}
	return val, nil
}

func choiceAllowed(val any, choices []any) bool {
	for _, c := range choices {
		if looseEqual(val, c) {
			return true
		}
	}
	return false
}

// looseEqual compares scalars across numeric representations so an int64
// canonical value matches a float64 choice decoded from JSON.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok2 := toFloat(b)
		return ok2 && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
