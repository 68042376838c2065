// Package types implements the tuple and value model shared by the
// storage and index layers: a small tagged-union Value, a Tuple of
// Values, and the Schema that describes a table's columns.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Type identifies the runtime type carried by a Value.
type Type uint8

const (
	TypeNull Type = iota
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeDouble
	TypeString
	TypeBlob
	TypeVector
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeBool:
		return "BOOL"
	case TypeInt8:
		return "INT8"
	case TypeInt16:
		return "INT16"
	case TypeInt32:
		return "INT32"
	case TypeInt64:
		return "INT64"
	case TypeDouble:
		return "DOUBLE"
	case TypeString:
		return "STRING"
	case TypeBlob:
		return "BLOB"
	case TypeVector:
		return "VECTOR"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Value is a tagged union over the engine's scalar and variable-length
// types. The zero Value is a NULL of TypeNull.
type Value struct {
	typ  Type
	i    int64
	f    float64
	b    bool
	str  string
	blob []byte
	vec  []float64
}

func NewNull() Value                { return Value{typ: TypeNull} }
func NewBool(v bool) Value          { return Value{typ: TypeBool, b: v} }
func NewInt8(v int8) Value          { return Value{typ: TypeInt8, i: int64(v)} }
func NewInt16(v int16) Value        { return Value{typ: TypeInt16, i: int64(v)} }
func NewInt32(v int32) Value        { return Value{typ: TypeInt32, i: int64(v)} }
func NewInt64(v int64) Value        { return Value{typ: TypeInt64, i: v} }
func NewDouble(v float64) Value     { return Value{typ: TypeDouble, f: v} }
func NewString(v string) Value      { return Value{typ: TypeString, str: v} }
func NewBlob(v []byte) Value        { return Value{typ: TypeBlob, blob: append([]byte(nil), v...)} }
func NewVector(v []float64) Value   { return Value{typ: TypeVector, vec: append([]float64(nil), v...)} }

func (v Value) Type() Type   { return v.typ }
func (v Value) IsNull() bool { return v.typ == TypeNull }

func (v Value) AsBool() (bool, error) {
	if v.typ != TypeBool {
		return false, ErrTypeMismatch
	}
	return v.b, nil
}

func (v Value) AsInt64() (int64, error) {
	switch v.typ {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.i, nil
	default:
		return 0, ErrTypeMismatch
	}
}

func (v Value) AsDouble() (float64, error) {
	if v.typ != TypeDouble {
		return 0, ErrTypeMismatch
	}
	return v.f, nil
}

func (v Value) AsString() (string, error) {
	if v.typ != TypeString {
		return "", ErrTypeMismatch
	}
	return v.str, nil
}

func (v Value) AsBlob() ([]byte, error) {
	if v.typ != TypeBlob {
		return nil, ErrTypeMismatch
	}
	return v.blob, nil
}

func (v Value) AsVector() ([]float64, error) {
	if v.typ != TypeVector {
		return nil, ErrTypeMismatch
	}
	return v.vec, nil
}

// toDouble promotes any numeric value to float64 for cross-type
// comparison, mirroring the engine's "compare via double promotion"
// rule for numeric types.
func (v Value) toDouble() (float64, bool) {
	switch v.typ {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return float64(v.i), true
	case TypeDouble:
		return v.f, true
	case TypeBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func isNumeric(t Type) bool {
	switch t {
	case TypeBool, TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeDouble:
		return true
	default:
		return false
	}
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other. Numeric types (including bool) compare across each other
// via double promotion; strings and blobs compare byte-wise within
// their own type; NULL is considered less than every non-NULL value
// and equal to another NULL.
func (v Value) Compare(other Value) (int, error) {
	if v.typ == TypeNull || other.typ == TypeNull {
		if v.typ == TypeNull && other.typ == TypeNull {
			return 0, nil
		}
		if v.typ == TypeNull {
			return -1, nil
		}
		return 1, nil
	}

	if isNumeric(v.typ) && isNumeric(other.typ) {
		a, _ := v.toDouble()
		b, _ := other.toDouble()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if v.typ == TypeString && other.typ == TypeString {
		switch {
		case v.str < other.str:
			return -1, nil
		case v.str > other.str:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if v.typ == TypeBlob && other.typ == TypeBlob {
		return compareBytes(v.blob, other.blob), nil
	}

	return 0, ErrNotComparable
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (v Value) Equal(other Value) bool {
	c, err := v.Compare(other)
	return err == nil && c == 0
}

func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "NULL"
	case TypeBool:
		return fmt.Sprintf("%t", v.b)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return fmt.Sprintf("%d", v.i)
	case TypeDouble:
		return fmt.Sprintf("%g", v.f)
	case TypeString:
		return v.str
	case TypeBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.blob))
	case TypeVector:
		return fmt.Sprintf("vector(%d dims)", len(v.vec))
	default:
		return "?"
	}
}

// SerializeSize returns the number of bytes Serialize will append,
// including the leading type-tag byte.
func (v Value) SerializeSize() int {
	switch v.typ {
	case TypeNull:
		return 1
	case TypeBool, TypeInt8:
		return 2
	case TypeInt16:
		return 3
	case TypeInt32:
		return 5
	case TypeInt64, TypeDouble:
		return 9
	case TypeString:
		return 1 + 4 + len(v.str)
	case TypeBlob:
		return 1 + 4 + len(v.blob)
	case TypeVector:
		return 1 + 4 + 8*len(v.vec)
	default:
		return 1
	}
}

// Serialize appends the on-disk encoding of v to buf and returns the
// extended slice: one type-tag byte followed by a fixed-width payload
// for scalar types, or a little-endian u32 length prefix followed by
// raw bytes (STRING/BLOB) or float64s (VECTOR) for variable-length
// types.
func (v Value) Serialize(buf []byte) []byte {
	buf = append(buf, byte(v.typ))
	switch v.typ {
	case TypeNull:
	case TypeBool:
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case TypeInt8:
		buf = append(buf, byte(int8(v.i)))
	case TypeInt16:
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(int16(v.i)))
		buf = append(buf, tmp[:]...)
	case TypeInt32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(int32(v.i)))
		buf = append(buf, tmp[:]...)
	case TypeInt64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.i))
		buf = append(buf, tmp[:]...)
	case TypeDouble:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.f))
		buf = append(buf, tmp[:]...)
	case TypeString:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.str)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, v.str...)
	case TypeBlob:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.blob)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, v.blob...)
	case TypeVector:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.vec)))
		buf = append(buf, lenBuf[:]...)
		for _, d := range v.vec {
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(d))
			buf = append(buf, tmp[:]...)
		}
	}
	return buf
}

// DeserializeValue reads one Value from the front of buf and returns
// it along with the number of bytes consumed.
func DeserializeValue(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, ErrTruncatedValue
	}
	typ := Type(buf[0])
	rest := buf[1:]

	switch typ {
	case TypeNull:
		return NewNull(), 1, nil
	case TypeBool:
		if len(rest) < 1 {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewBool(rest[0] != 0), 2, nil
	case TypeInt8:
		if len(rest) < 1 {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewInt8(int8(rest[0])), 2, nil
	case TypeInt16:
		if len(rest) < 2 {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewInt16(int16(binary.LittleEndian.Uint16(rest))), 3, nil
	case TypeInt32:
		if len(rest) < 4 {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewInt32(int32(binary.LittleEndian.Uint32(rest))), 5, nil
	case TypeInt64:
		if len(rest) < 8 {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewInt64(int64(binary.LittleEndian.Uint64(rest))), 9, nil
	case TypeDouble:
		if len(rest) < 8 {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewDouble(math.Float64frombits(binary.LittleEndian.Uint64(rest))), 9, nil
	case TypeString:
		if len(rest) < 4 {
			return Value{}, 0, ErrTruncatedValue
		}
		n := int(binary.LittleEndian.Uint32(rest))
		if len(rest) < 4+n {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewString(string(rest[4 : 4+n])), 1 + 4 + n, nil
	case TypeBlob:
		if len(rest) < 4 {
			return Value{}, 0, ErrTruncatedValue
		}
		n := int(binary.LittleEndian.Uint32(rest))
		if len(rest) < 4+n {
			return Value{}, 0, ErrTruncatedValue
		}
		return NewBlob(rest[4 : 4+n]), 1 + 4 + n, nil
	case TypeVector:
		if len(rest) < 4 {
			return Value{}, 0, ErrTruncatedValue
		}
		n := int(binary.LittleEndian.Uint32(rest))
		if len(rest) < 4+8*n {
			return Value{}, 0, ErrTruncatedValue
		}
		vec := make([]float64, n)
		for i := 0; i < n; i++ {
			off := 4 + 8*i
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(rest[off : off+8]))
		}
		return NewVector(vec), 1 + 4 + 8*n, nil
	default:
		return Value{}, 0, ErrUnknownTypeTag
	}
}
