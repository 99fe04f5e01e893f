package experiment

import (
	"fmt"
	"math"
)

// SearchSpace is an ordered collection of uniquely named parameters. Its arm
// universe is the Cartesian product of all parameters' levels.
type SearchSpace struct {
	params []Parameter
	index  map[string]int
}

// NewSearchSpace validates the parameters and fixes their declaration order.
func NewSearchSpace(params ...Parameter) (*SearchSpace, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrInvalidSearchSpace)
	}
	s := &SearchSpace{
		params: make([]Parameter, len(params)),
		index:  make(map[string]int, len(params)),
	}
	for i, p := range params {
		if _, dup := s.index[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter name %q", ErrInvalidSearchSpace, p.Name)
		}
		p.Levels = append([]interface{}(nil), p.Levels...)
		if err := p.normalize(); err != nil {
			return nil, err
		}
		s.params[i] = p
		s.index[p.Name] = i
	}
	return s, nil
}

// Parameters returns the parameters in declaration order.
func (s *SearchSpace) Parameters() []Parameter {
	out := make([]Parameter, len(s.params))
	for i, p := range s.params {
		out[i] = Parameter{Name: p.Name, Type: p.Type, Levels: append([]interface{}(nil), p.Levels...)}
	}
	return out
}

// Parameter looks up a parameter by name.
func (s *SearchSpace) Parameter(name string) (Parameter, bool) {
	i, ok := s.index[name]
	if !ok {
		return Parameter{}, false
	}
	return s.params[i], true
}

// Size returns the universe size, the product of all level counts. It
// saturates at math.MaxInt64 instead of overflowing.
func (s *SearchSpace) Size() int64 {
	total := int64(1)
	for _, p := range s.params {
		n := int64(len(p.Levels))
		if total > math.MaxInt64/n {
			return math.MaxInt64
		}
		total *= n
	}
	return total
}

// NewArm coerces values to the parameter types and checks every level is a
// declared one.
func (s *SearchSpace) NewArm(values map[string]interface{}) (Arm, error) {
	return s.newArm(values, false)
}

// NewOutOfDesignArm is NewArm without the declared-level check. It is used
// for status quo arms that sit outside the factorial design.
func (s *SearchSpace) NewOutOfDesignArm(values map[string]interface{}) (Arm, error) {
	return s.newArm(values, true)
}

// Contains reports whether the arm is an element of the arm universe.
func (s *SearchSpace) Contains(a Arm) bool {
	if len(a.params) != len(s.params) {
		return false
	}
	for _, p := range s.params {
		v, ok := a.params[p.Name]
		if !ok || !p.hasLevel(v) {
			return false
		}
	}
	return true
}

func (s *SearchSpace) newArm(values map[string]interface{}, outOfDesign bool) (Arm, error) {
	if len(values) != len(s.params) {
		return Arm{}, fmt.Errorf("%w: assigns %d parameters, search space has %d", ErrInvalidArm, len(values), len(s.params))
	}
	typed := make(map[string]interface{}, len(values))
	for _, p := range s.params {
		raw, ok := values[p.Name]
		if !ok {
			return Arm{}, fmt.Errorf("%w: missing parameter %q", ErrInvalidArm, p.Name)
		}
		v, err := coerceValue(raw, p.Type)
		if err != nil {
			return Arm{}, fmt.Errorf("%w: parameter %q: %v", ErrInvalidArm, p.Name, err)
		}
		if !outOfDesign && !p.hasLevel(v) {
			return Arm{}, fmt.Errorf("%w: %v is not a level of %q", ErrInvalidArm, v, p.Name)
		}
		typed[p.Name] = v
	}
	return NewArm(typed), nil
}
