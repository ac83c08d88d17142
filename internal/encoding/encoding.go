// Package encoding implements the order preserving byte encoding used for index keys.
//
// Every value is encoded as a one byte type marker followed by a type specific payload.
// Markers follow the canonical cross-type order null < numbers < strings < objects < arrays < booleans,
// so comparing two encoded keys with bytes.Compare yields the same result as comparing the values.
// Descending fields are the ones complement of the ascending encoding.
package encoding

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/spf13/cast"
)

const (
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff
)

// Type is the canonical type bracket of a value
type Type int

const (
	TypeNull Type = iota
	TypeNumber
	TypeString
	TypeObject
	TypeArray
	TypeBool
)

var markers = map[Type]byte{
	TypeNull:   0x05,
	TypeNumber: 0x10,
	TypeString: 0x20,
	TypeObject: 0x30,
	TypeArray:  0x40,
	TypeBool:   0x50,
}

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeBool:
		return "bool"
	}
	return "unknown"
}

// TypeOf returns the type bracket of a decoded json value
func TypeOf(v any) Type {
	switch v.(type) {
	case nil:
		return TypeNull
	case string:
		return TypeString
	case bool:
		return TypeBool
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return TypeNumber
	}
	return TypeObject
}

// KeyFunc maps a string to its collation sort key. A nil KeyFunc compares strings bytewise.
type KeyFunc func(s string) []byte

// EncodeValue appends the encoding of v to b
func EncodeValue(b []byte, v any, desc bool, keyFn KeyFunc) []byte {
	if !desc {
		return encodeAscending(b, v, keyFn)
	}
	start := len(b)
	b = encodeAscending(b, v, keyFn)
	onesComplement(b[start:])
	return b
}

// EncodeID appends the ascending encoding of a record id
func EncodeID(b []byte, id string) []byte {
	return encodeAscending(b, id, nil)
}

// TypeLower returns the smallest byte string of the type bracket
func TypeLower(t Type, desc bool) []byte {
	if desc {
		return []byte{^markers[t]}
	}
	return []byte{markers[t]}
}

// TypeUpper returns the exclusive upper byte string of the type bracket
func TypeUpper(t Type, desc bool) []byte {
	if desc {
		return []byte{^markers[t] + 1}
	}
	return []byte{markers[t] + 1}
}

func encodeAscending(b []byte, v any, keyFn KeyFunc) []byte {
	t := TypeOf(v)
	b = append(b, markers[t])
	switch t {
	case TypeNull:
		return b
	case TypeNumber:
		return encodeFloat(b, cast.ToFloat64(v))
	case TypeString:
		s := v.(string)
		if keyFn != nil {
			return encodeBytes(b, keyFn(s))
		}
		return encodeBytes(b, []byte(s))
	case TypeBool:
		if v.(bool) {
			return append(b, 0x01)
		}
		return append(b, 0x00)
	default:
		bits, _ := json.Marshal(v)
		return encodeBytes(b, bits)
	}
}

func encodeFloat(b []byte, f float64) []byte {
	var bits uint64
	switch {
	case math.IsNaN(f):
		bits = 0
	case f == 0:
		bits = 1 << 63
	case f > 0:
		bits = math.Float64bits(f) ^ (1 << 63)
	default:
		bits = ^math.Float64bits(f)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return append(b, buf[:]...)
}

func encodeBytes(b []byte, data []byte) []byte {
	for _, c := range data {
		if c == escape {
			b = append(b, escape, escaped00)
			continue
		}
		b = append(b, c)
	}
	return append(b, escape, escapedTerm)
}

func onesComplement(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}
