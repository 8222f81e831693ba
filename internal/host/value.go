package host

import (
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindSymbol
	KindObject
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "boolean",
	KindNumber:    "number",
	KindString:    "string",
	KindSymbol:    "symbol",
	KindObject:    "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a host value. The zero Value is undefined.
type Value struct {
	kind Kind
	num  float64
	str  string
	sym  *Symbol
	obj  *Object
}

// Symbol is a unique, non-string property key. Symbols compare by identity.
type Symbol struct {
	Description string
}

// NewSymbol creates a new unique symbol.
func NewSymbol(description string) *Symbol {
	return &Symbol{Description: description}
}

// Value returns s as a host value.
func (s *Symbol) Value() Value {
	return Value{kind: KindSymbol, sym: s}
}

// Undefined returns the undefined value.
func Undefined() Value { return Value{} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// NaN returns the numeric NaN value.
func NaN() Value { return Number(math.NaN()) }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether v is undefined.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNaN reports whether v is the number NaN.
func (v Value) IsNaN() bool { return v.kind == KindNumber && math.IsNaN(v.num) }

// Float returns the number held by v, or NaN for non-numbers.
func (v Value) Float() float64 {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.num
	case KindNull:
		return 0
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			if strings.TrimSpace(v.str) == "" {
				return 0
			}
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

// Str returns the string held by v, or "" for non-strings.
func (v Value) Str() string { return v.str }

// Truthy reports whether v is truthy under JavaScript rules.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.num != 0
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case KindString:
		return v.str != ""
	case KindSymbol, KindObject:
		return true
	}
	return false
}

// Bool returns the boolean held by v, or false for non-booleans.
func (v Value) Bool() bool { return v.kind == KindBool && v.num != 0 }

// Object returns the object handle held by v, or nil.
func (v Value) Object() *Object { return v.obj }

// Symbol returns the symbol held by v, or nil.
func (v Value) Symbol() *Symbol { return v.sym }

// Same reports whether a and b are the same value. Objects and symbols compare
// by identity, NaN is the same as NaN.
func Same(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return a.num == b.num
	case KindNumber:
		if math.IsNaN(a.num) {
			return math.IsNaN(b.num)
		}
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindSymbol:
		return a.sym == b.sym
	case KindObject:
		return a.obj == b.obj
	}
	return false
}

// ToString converts v to a string the way String(v) does.
func ToString(v Value) string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindNumber:
		return FormatNumber(v.num)
	case KindString:
		return v.str
	case KindSymbol:
		return "Symbol(" + v.sym.Description + ")"
	case KindObject:
		return v.obj.String()
	}
	return ""
}

// FormatNumber formats f like Number.prototype.toString with radix 10.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[0]
	exp = strings.TrimLeft(exp[1:], "0")
	return mant + "e" + string(sign) + exp
}

// ToInt truncates the numeric form of v toward zero. NaN becomes 0.
func ToInt(v Value) int64 {
	f := v.Float()
	if math.IsNaN(f) {
		return 0
	}
	if math.IsInf(f, 0) {
		if f > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return int64(f)
}
