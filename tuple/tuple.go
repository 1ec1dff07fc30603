// Package tuple implements an order-preserving binary encoding for record keys.
//
// The encoding is modeled on the FoundationDB tuple layer: every element is a type
// code followed by a payload, and the byte-wise ordering of packed tuples matches
// the ordering of the keys they represent. Keys order as
//
//	numbers < strings < binary < arrays
//
// A packed tuple can be extended with more elements (for example an index key
// followed by a primary key) without disturbing the ordering of the leading
// elements: every element starts with a type code below 0xFF, while a longer
// string or binary element that shares the encoded prefix continues with the
// 0xFF escape. The keys extending a packed prefix p are therefore exactly the
// range [p, p+0xFF).
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	terminator byte = 0x00
	escape     byte = 0xFF

	numberCode byte = 0x21
	stringCode byte = 0x30
	bytesCode  byte = 0x40
	arrayCode  byte = 0x50
)

// ErrInvalidElement is returned (wrapped) when a value cannot be encoded.
var ErrInvalidElement = errors.New("tuple: invalid element")

// Tuple is an ordered list of elements. Valid elements are numbers (any Go integer
// or float type, NaN excluded), strings, []byte and nested []any / Tuple arrays.
type Tuple []any

// Pack encodes t.
func (t Tuple) Pack() ([]byte, error) {
	var (
		dst []byte
		err error
	)
	for i, e := range t {
		dst, err = Append(dst, e)
		if err != nil {
			return nil, fmt.Errorf("Pack: element %d: %w", i, err)
		}
	}
	return dst, nil
}

// MustPack is like Pack but panics on error. It is only meant for values that are
// known to be valid, like store and index names.
func (t Tuple) MustPack() []byte {
	b, err := t.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

// Append appends the encoding of a single element to dst.
func Append(dst []byte, elem any) ([]byte, error) {
	elem, err := Normalize(elem)
	if err != nil {
		return nil, err
	}
	return appendNormalized(dst, elem), nil
}

func appendNormalized(dst []byte, elem any) []byte {
	switch v := elem.(type) {
	case float64:
		dst = append(dst, numberCode)
		return binary.BigEndian.AppendUint64(dst, encodeFloat(v))
	case string:
		dst = append(dst, stringCode)
		return appendEscaped(dst, []byte(v))
	case []byte:
		dst = append(dst, bytesCode)
		return appendEscaped(dst, v)
	case []any:
		dst = append(dst, arrayCode)
		for _, e := range v {
			dst = appendNormalized(dst, e)
		}
		return append(dst, terminator)
	default:
		panic(fmt.Sprintf("[invariant violated] unexpected normalized type %T", elem))
	}
}

// Normalize converts elem into its canonical form: every number becomes a float64
// and every array becomes a []any of normalized elements. It returns an error
// wrapping ErrInvalidElement for values that are not valid elements.
func Normalize(elem any) (any, error) {
	switch v := elem.(type) {
	case float64:
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: NaN", ErrInvalidElement)
		}
		if v == 0 {
			// Collapse -0 into 0.
			return float64(0), nil
		}
		return v, nil
	case float32:
		return Normalize(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		return v, nil
	case []byte:
		if v == nil {
			return []byte{}, nil
		}
		return v, nil
	case Tuple:
		return Normalize([]any(v))
	case []any:
		out := make([]any, 0, len(v))
		for i, e := range v {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
			out = append(out, n)
		}
		return out, nil
	case []string:
		out := make([]any, 0, len(v))
		for _, e := range v {
			out = append(out, e)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidElement, elem)
	}
}

// Compare compares two elements by their encoded ordering. It returns -1, 0 or +1.
func Compare(a, b any) (int, error) {
	ea, err := Append(nil, a)
	if err != nil {
		return 0, err
	}
	eb, err := Append(nil, b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}

// Unpack decodes a packed tuple.
func Unpack(b []byte) (Tuple, error) {
	var t Tuple
	for len(b) > 0 {
		elem, rest, err := decode(b)
		if err != nil {
			return nil, fmt.Errorf("Unpack: %w", err)
		}
		t = append(t, elem)
		b = rest
	}
	return t, nil
}

func decode(b []byte) (any, []byte, error) {
	switch b[0] {
	case numberCode:
		if len(b) < 9 {
			return nil, nil, errors.New("truncated number")
		}
		return decodeFloat(binary.BigEndian.Uint64(b[1:9])), b[9:], nil
	case stringCode:
		v, rest, err := decodeEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return string(v), rest, nil
	case bytesCode:
		return decodeEscaped(b[1:])
	case arrayCode:
		var (
			out  = []any{}
			rest = b[1:]
		)
		for {
			if len(rest) == 0 {
				return nil, nil, errors.New("unterminated array")
			}
			if rest[0] == terminator {
				return out, rest[1:], nil
			}
			elem, r, err := decode(rest)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, elem)
			rest = r
		}
	default:
		return nil, nil, fmt.Errorf("unknown type code: 0x%02x", b[0])
	}
}

func appendEscaped(dst, v []byte) []byte {
	for _, c := range v {
		dst = append(dst, c)
		if c == terminator {
			dst = append(dst, escape)
		}
	}
	return append(dst, terminator)
}

func decodeEscaped(b []byte) ([]byte, []byte, error) {
	out := []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != terminator {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == escape {
			out = append(out, terminator)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, errors.New("unterminated string")
}

func encodeFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func decodeFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}
