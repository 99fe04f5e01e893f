package experiment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchSpace_Size(t *testing.T) {
	s := space234(t)
	assert.Equal(t, int64(24), s.Size())
	assert.Len(t, s.Parameters(), 3)
	assert.Equal(t, "color", s.Parameters()[0].Name)
}

func TestNewSearchSpace_Invalid(t *testing.T) {
	p, err := NewParameter("x", TypeInt, 1, 2)
	require.NoError(t, err)

	_, err = NewSearchSpace()
	assert.ErrorIs(t, err, ErrInvalidSearchSpace)

	_, err = NewSearchSpace(p, p)
	assert.ErrorIs(t, err, ErrInvalidSearchSpace)
}

func TestSearchSpace_ParametersAreCopies(t *testing.T) {
	s := space234(t)
	params := s.Parameters()
	params[0].Levels[0] = "green"
	p, ok := s.Parameter("color")
	require.True(t, ok)
	assert.Equal(t, "red", p.Levels[0])
}

func TestSearchSpace_NewArm(t *testing.T) {
	s := space234(t)

	a := mustArm(t, s, map[string]interface{}{"color": "red", "size": 2.0, "rate": "0.3"})
	b := mustArm(t, s, map[string]interface{}{"rate": 0.3, "size": 2, "color": "red"})
	assert.True(t, a.Equal(b), "JSON-typed and Go-typed input should give the same arm")
	assert.Equal(t, a.Signature(), b.Signature())
	assert.True(t, s.Contains(a))
	assert.Equal(t, "color=red, rate=0.3, size=2", a.String())

	tests := []struct {
		name   string
		values map[string]interface{}
	}{
		{"missing parameter", map[string]interface{}{"color": "red", "size": 1}},
		{"unknown parameter", map[string]interface{}{"color": "red", "size": 1, "speed": 3}},
		{"undeclared level", map[string]interface{}{"color": "green", "size": 1, "rate": 0.1}},
		{"bad type", map[string]interface{}{"color": "red", "size": "big", "rate": 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.NewArm(tt.values); !errors.Is(err, ErrInvalidArm) {
				t.Fatalf("expected ErrInvalidArm, got %v", err)
			}
		})
	}
}

func TestSearchSpace_OutOfDesignArm(t *testing.T) {
	s := space234(t)
	values := map[string]interface{}{"color": "green", "size": 9, "rate": 0.0}

	a, err := s.NewOutOfDesignArm(values)
	require.NoError(t, err)
	assert.False(t, s.Contains(a))

	_, err = s.NewOutOfDesignArm(map[string]interface{}{"color": "green"})
	assert.ErrorIs(t, err, ErrInvalidArm)
}

func TestArm_Immutable(t *testing.T) {
	in := map[string]interface{}{"x": 1}
	a := NewArm(in)
	in["x"] = 2
	out := a.Parameters()
	out["x"] = 3

	v, ok := a.Value("x")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestArm_SignatureDistinguishesTypes(t *testing.T) {
	a := NewArm(map[string]interface{}{"x": 1})
	b := NewArm(map[string]interface{}{"x": "1"})
	c := NewArm(map[string]interface{}{"x": 1.0})
	assert.NotEqual(t, a.Signature(), b.Signature())
	assert.NotEqual(t, a.Signature(), c.Signature())
	assert.True(t, Arm{}.IsZero())
}
