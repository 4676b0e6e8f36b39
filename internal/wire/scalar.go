package wire

import (
	"fmt"
	"strconv"
)

// ScalarKind tags the runtime kind of a recorded variable value.
type ScalarKind int

const (
	ScalarInt ScalarKind = iota
	ScalarFloat
	ScalarBool
)

// Scalar is one recorded variable value. Variable names and value kinds are
// discovered at runtime, so samples carry a tagged scalar rather than a
// fixed Go type. The store keeps the Text form.
type Scalar struct {
	Kind  ScalarKind
	Int   int64
	Float float64
	Bool  bool
}

// ScalarOf converts a decoded wire value into a Scalar. It accepts the
// integer, float and boolean representations the codec can produce.
func ScalarOf(v any) (Scalar, bool) {
	switch x := v.(type) {
	case int64:
		return Scalar{Kind: ScalarInt, Int: x}, true
	case uint64:
		return Scalar{Kind: ScalarInt, Int: int64(x)}, true
	case int:
		return Scalar{Kind: ScalarInt, Int: int64(x)}, true
	case float64:
		return Scalar{Kind: ScalarFloat, Float: x}, true
	case float32:
		return Scalar{Kind: ScalarFloat, Float: float64(x)}, true
	case bool:
		return Scalar{Kind: ScalarBool, Bool: x}, true
	default:
		return Scalar{}, false
	}
}

// Value returns the native Go value for wire encoding.
func (s Scalar) Value() any {
	switch s.Kind {
	case ScalarInt:
		return s.Int
	case ScalarFloat:
		return s.Float
	default:
		return s.Bool
	}
}

// Text returns the storage form: integers in base 10, floats in shortest
// round-trip notation, booleans as "true"/"false".
func (s Scalar) Text() string {
	switch s.Kind {
	case ScalarInt:
		return strconv.FormatInt(s.Int, 10)
	case ScalarFloat:
		return strconv.FormatFloat(s.Float, 'g', -1, 64)
	default:
		return strconv.FormatBool(s.Bool)
	}
}

func (s Scalar) String() string {
	return s.Text()
}

// IntScalar wraps an integer value.
func IntScalar(v int64) Scalar { return Scalar{Kind: ScalarInt, Int: v} }

// FloatScalar wraps a float value.
func FloatScalar(v float64) Scalar { return Scalar{Kind: ScalarFloat, Float: v} }

// BoolScalar wraps a boolean value.
func BoolScalar(v bool) Scalar { return Scalar{Kind: ScalarBool, Bool: v} }

var _ fmt.Stringer = Scalar{}
