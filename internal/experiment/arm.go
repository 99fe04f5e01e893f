package experiment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Arm is one concrete assignment of a level to every parameter. Arms are
// immutable: the parameter map is copied on the way in and on the way out.
// Two arms are the same logical arm iff their signatures match.
type Arm struct {
	params    map[string]interface{}
	signature string
}

// NewArm builds an arm from an already-typed assignment. Use
// SearchSpace.NewArm to coerce and validate untyped input.
func NewArm(params map[string]interface{}) Arm {
	cp := make(map[string]interface{}, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Arm{params: cp, signature: signature(cp)}
}

// Parameters returns a copy of the arm's assignment.
func (a Arm) Parameters() map[string]interface{} {
	cp := make(map[string]interface{}, len(a.params))
	for k, v := range a.params {
		cp[k] = v
	}
	return cp
}

// Value returns the level assigned to name.
func (a Arm) Value(name string) (interface{}, bool) {
	v, ok := a.params[name]
	return v, ok
}

// Signature is the deterministic key used for de-duplication and for joining
// the same logical arm across trials.
func (a Arm) Signature() string { return a.signature }

// Equal reports whether both arms carry the same assignment.
func (a Arm) Equal(b Arm) bool { return a.signature == b.signature }

// IsZero reports whether the arm was never constructed.
func (a Arm) IsZero() bool { return a.signature == "" }

// String renders the assignment sorted by parameter name.
func (a Arm) String() string {
	names := sortedKeys(a.params)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%v", n, a.params[n])
	}
	return strings.Join(parts, ", ")
}

func signature(params map[string]interface{}) string {
	names := sortedKeys(params)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(strconv.Quote(n))
		b.WriteByte('=')
		b.WriteString(formatLevel(params[n]))
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
