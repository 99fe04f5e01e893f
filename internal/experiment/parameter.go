package experiment

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParameterType names the Go type every level of a parameter is coerced to.
type ParameterType string

const (
	TypeFloat64 ParameterType = "float64"
	TypeInt     ParameterType = "int"
	TypeInt64   ParameterType = "int64"
	TypeBool    ParameterType = "bool"
	TypeString  ParameterType = "string"
)

// maxLevels bounds the number of levels a single parameter may declare.
const maxLevels = 10000

// Parameter is one experiment factor with a fixed, ordered set of levels.
// Level order does not change semantics but fixes the enumeration order.
type Parameter struct {
	Name   string        `json:"name"`
	Type   ParameterType `json:"type"`
	Levels []interface{} `json:"levels"`
}

// NewParameter builds a parameter, coercing every level to typ.
func NewParameter(name string, typ ParameterType, levels ...interface{}) (Parameter, error) {
	p := Parameter{Name: name, Type: typ, Levels: levels}
	if err := p.normalize(); err != nil {
		return Parameter{}, err
	}
	return p, nil
}

// RangeParameter builds a numeric parameter whose levels run from start to
// end inclusive in increments of step.
func RangeParameter(name string, typ ParameterType, start, end, step float64) (Parameter, error) {
	levels, err := ExpandRange(typ, start, end, step)
	if err != nil {
		return Parameter{}, fmt.Errorf("parameter %q: %w", name, err)
	}
	return NewParameter(name, typ, levels...)
}

// ExpandRange generates the levels of a numeric range. Float levels are
// rounded to 1e-9 to avoid accumulation drift.
func ExpandRange(typ ParameterType, start, end, step float64) ([]interface{}, error) {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: step must be positive, got %v", ErrInvalidSearchSpace, step)
	}
	if start > end {
		return nil, fmt.Errorf("%w: start %v is greater than end %v", ErrInvalidSearchSpace, start, end)
	}
	count := math.Floor((end-start)/step+1e-9) + 1
	if count > maxLevels {
		return nil, fmt.Errorf("%w: range would generate %.0f levels (max %d)", ErrCapacityExceeded, count, maxLevels)
	}

	levels := make([]interface{}, 0, int(count))
	for i := 0; i < int(count); i++ {
		v := start + float64(i)*step
		switch typ {
		case TypeFloat64:
			levels = append(levels, math.Round(v*1e9)/1e9)
		case TypeInt:
			levels = append(levels, int(math.Round(v)))
		case TypeInt64:
			levels = append(levels, int64(math.Round(v)))
		default:
			return nil, fmt.Errorf("%w: range levels need a numeric type, got %q", ErrInvalidSearchSpace, typ)
		}
	}
	return levels, nil
}

// normalize coerces levels in place and enforces the level invariants:
// non-empty, unique after coercion, bounded count.
func (p *Parameter) normalize() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: parameter name is empty", ErrInvalidSearchSpace)
	}
	if len(p.Levels) == 0 {
		return fmt.Errorf("%w: parameter %q has no levels", ErrInvalidSearchSpace, p.Name)
	}
	if len(p.Levels) > maxLevels {
		return fmt.Errorf("%w: parameter %q has %d levels (max %d)", ErrInvalidSearchSpace, p.Name, len(p.Levels), maxLevels)
	}

	levels := make([]interface{}, len(p.Levels))
	seen := make(map[string]struct{}, len(p.Levels))
	for i, v := range p.Levels {
		coerced, err := coerceValue(v, p.Type)
		if err != nil {
			return fmt.Errorf("%w: parameter %q level[%d]: %v", ErrInvalidSearchSpace, p.Name, i, err)
		}
		key := formatLevel(coerced)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: parameter %q has duplicate level %v", ErrInvalidSearchSpace, p.Name, coerced)
		}
		seen[key] = struct{}{}
		levels[i] = coerced
	}
	p.Levels = levels
	return nil
}

// Cardinality returns the number of levels.
func (p Parameter) Cardinality() int { return len(p.Levels) }

// hasLevel reports whether v (already coerced) is a declared level.
func (p Parameter) hasLevel(v interface{}) bool {
	key := formatLevel(v)
	for _, l := range p.Levels {
		if formatLevel(l) == key {
			return true
		}
	}
	return false
}

// coerceValue converts a value to the Go type for the given parameter type.
// JSON-decoded numbers arrive as float64, so integral floats are accepted for
// integer types; fractional ones are rejected rather than truncated.
func coerceValue(v interface{}, typ ParameterType) (interface{}, error) {
	switch typ {
	case TypeFloat64:
		switch val := v.(type) {
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("non-finite float %v", val)
			}
			return val, nil
		case float32:
			return float64(val), nil
		case int:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as float64: %w", val, err)
			}
			return f, nil
		}
	case TypeInt, TypeInt64:
		var n int64
		switch val := v.(type) {
		case int:
			n = int64(val)
		case int64:
			n = val
		case float64:
			if val != math.Trunc(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("%v is not an integer", val)
			}
			n = int64(val)
		case string:
			parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as %s: %w", val, typ, err)
			}
			n = parsed
		default:
			return nil, fmt.Errorf("unsupported coercion: %T to %s", v, typ)
		}
		if typ == TypeInt {
			return int(n), nil
		}
		return n, nil
	case TypeBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as bool: %w", val, err)
			}
			return b, nil
		}
	case TypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		default:
			return fmt.Sprintf("%v", val), nil
		}
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
	return nil, fmt.Errorf("unsupported coercion: %T to %s", v, typ)
}

// formatLevel renders a coerced level with a type tag so that values of
// different types never collide.
func formatLevel(v interface{}) string {
	switch val := v.(type) {
	case float64:
		return "f:" + strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return "i:" + strconv.Itoa(val)
	case int64:
		return "l:" + strconv.FormatInt(val, 10)
	case bool:
		return "b:" + strconv.FormatBool(val)
	case string:
		return "s:" + strconv.Quote(val)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
