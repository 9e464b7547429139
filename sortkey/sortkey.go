// Package sortkey declares the ordering contract of a listing.
//
// A Spec is an ordered list of fields. Rows are compared lexicographically,
// field by field, honoring each field's Order. At least one field must be
// Unique (a row identifier) so the ordering is total and keyset pagination
// never skips or repeats rows.
package sortkey

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Order of a single field.
type Order uint8

const (
	Asc Order = iota
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// Invert flips Asc <-> Desc.
func (o Order) Invert() Order {
	if o == Desc {
		return Asc
	}
	return Desc
}

// Kind is the comparable type of a field's values.
type Kind uint8

const (
	Int    Kind = iota + 1 // int64
	Uint                   // uint64
	Float                  // float64
	String                 // string
	Bytes                  // []byte
	Time                   // time.Time, UTC
	Bool                   // bool
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Uint:
		return "uint"
	case Float:
		return "float"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case Time:
		return "time"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k >= Int && k <= Bool }

// Field is one column of the ordering.
type Field struct {
	Name   string
	Order  Order
	Kind   Kind
	Unique bool // value is unique per record (tiebreaker)
}

// Tuple holds one value per Spec field, in Spec order.
type Tuple []any

var (
	ErrEmptySpec     = errors.New("sortkey: spec has no fields")
	ErrNoTiebreaker  = errors.New("sortkey: spec has no unique field")
	ErrArity         = errors.New("sortkey: tuple arity does not match spec")
	ErrKindMismatch  = errors.New("sortkey: value does not match field kind")
	ErrDuplicateName = errors.New("sortkey: duplicate field name")
	ErrTooManyFields = errors.New("sortkey: too many fields")
	ErrTooLong       = errors.New("sortkey: value too long")
)

const (
	// MaxFields bounds a Spec; cursors store the field count in one byte.
	MaxFields = math.MaxUint8
	// MaxValueLen bounds String and Bytes values; cursors store a u16 length.
	MaxValueLen = math.MaxUint16
)

// Spec is an immutable, validated ordering. Build one with New or MustNew.
type Spec struct {
	fields []Field
}

// New validates fields and returns a Spec owning a private copy of them.
func New(fields ...Field) (Spec, error) {
	if len(fields) == 0 {
		return Spec{}, ErrEmptySpec
	}
	if len(fields) > MaxFields {
		return Spec{}, fmt.Errorf("%w: %d > %d", ErrTooManyFields, len(fields), MaxFields)
	}
	seen := make(map[string]struct{}, len(fields))
	unique := false
	for i, f := range fields {
		if f.Name == "" {
			return Spec{}, fmt.Errorf("sortkey: field %d has no name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return Spec{}, fmt.Errorf("%w: %q", ErrDuplicateName, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Kind.Valid() {
			return Spec{}, fmt.Errorf("sortkey: field %q has invalid kind %v", f.Name, f.Kind)
		}
		if f.Order != Asc && f.Order != Desc {
			return Spec{}, fmt.Errorf("sortkey: field %q has invalid order %d", f.Name, f.Order)
		}
		if f.Unique {
			unique = true
		}
	}
	if !unique {
		return Spec{}, ErrNoTiebreaker
	}
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Spec{fields: cp}, nil
}

// MustNew is like New but panics on error. Handy for package-level listings.
func MustNew(fields ...Field) Spec {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of fields.
func (s Spec) Len() int { return len(s.fields) }

// Fields returns a copy of the fields.
func (s Spec) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the i-th field.
func (s Spec) Field(i int) Field { return s.fields[i] }

// IsZero reports whether s was never built with New.
func (s Spec) IsZero() bool { return len(s.fields) == 0 }

// String renders the spec as "a asc, b desc".
func (s Spec) String() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name + " " + f.Order.String()
	}
	return strings.Join(parts, ", ")
}

// Normalize converts t into canonical representation (see Kind) and checks
// arity and kinds. The input is not modified.
func (s Spec) Normalize(t Tuple) (Tuple, error) {
	if len(t) != len(s.fields) {
		return nil, fmt.Errorf("%w: got %d want %d", ErrArity, len(t), len(s.fields))
	}
	out := make(Tuple, len(t))
	for i, f := range s.fields {
		v, err := NormalizeValue(f.Kind, t[i])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

// NormalizeValue converts v to the canonical Go type of k.
func NormalizeValue(k Kind, v any) (any, error) {
	switch k {
	case Int:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		}
	case Uint:
		switch x := v.(type) {
		case uint:
			return uint64(x), nil
		case uint8:
			return uint64(x), nil
		case uint16:
			return uint64(x), nil
		case uint32:
			return uint64(x), nil
		case uint64:
			return x, nil
		}
	case Float:
		var f float64
		switch x := v.(type) {
		case float32:
			f = float64(x)
		case float64:
			f = x
		default:
			return nil, fmt.Errorf("%w: %T is not %v", ErrKindMismatch, v, k)
		}
		if math.IsNaN(f) {
			return nil, fmt.Errorf("%w: NaN is not orderable", ErrKindMismatch)
		}
		if f == 0 {
			f = 0 // -0 and +0 compare equal; keep one encoding
		}
		return f, nil
	case String:
		if x, ok := v.(string); ok {
			if len(x) > MaxValueLen {
				return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLong, len(x), MaxValueLen)
			}
			return x, nil
		}
	case Bytes:
		if x, ok := v.([]byte); ok {
			if len(x) > MaxValueLen {
				return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLong, len(x), MaxValueLen)
			}
			cp := make([]byte, len(x))
			copy(cp, x)
			return cp, nil
		}
	case Time:
		if x, ok := v.(time.Time); ok {
			// full range and precision; only the monotonic reading and zone go
			return x.Round(0).UTC(), nil
		}
	case Bool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not %v", ErrKindMismatch, v, k)
}

// CompareValues compares two canonical values of kind k ascending.
// Both values must already be normalized.
func CompareValues(k Kind, a, b any) int {
	switch k {
	case Int:
		return cmp3(a.(int64) < b.(int64), a.(int64) > b.(int64))
	case Uint:
		return cmp3(a.(uint64) < b.(uint64), a.(uint64) > b.(uint64))
	case Float:
		return cmp3(a.(float64) < b.(float64), a.(float64) > b.(float64))
	case String:
		return strings.Compare(a.(string), b.(string))
	case Bytes:
		return bytes.Compare(a.([]byte), b.([]byte))
	case Time:
		return a.(time.Time).Compare(b.(time.Time))
	case Bool:
		// false < true
		x, y := a.(bool), b.(bool)
		return cmp3(!x && y, x && !y)
	}
	panic(fmt.Sprintf("sortkey: compare on invalid kind %v", k))
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}

// Compare orders two normalized tuples under fields, honoring each
// field's Order. Returns -1 when a sorts before b.
func Compare(fields []Field, a, b Tuple) int {
	for i, f := range fields {
		c := CompareValues(f.Kind, a[i], b[i])
		if c == 0 {
			continue
		}
		if f.Order == Desc {
			return -c
		}
		return c
	}
	return 0
}
