package store

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/richardartoul/deferdb/tuple"
)

// Key is a record or index key. Valid keys are numbers, strings, []byte and
// arrays of valid keys. Every number is normalized to a float64.
type Key = any

// ValidateKey returns the normalized form of k or a DataError if k is not a
// valid key.
func ValidateKey(k Key) (Key, error) {
	n, err := tuple.Normalize(k)
	if err != nil {
		return nil, wrapError(CodeData, "ValidateKey", err, "invalid key: %v", k)
	}
	return n, nil
}

// CompareKeys compares two keys in index order. It returns -1, 0 or +1.
func CompareKeys(a, b Key) (int, error) {
	c, err := tuple.Compare(a, b)
	if err != nil {
		return 0, wrapError(CodeData, "CompareKeys", err, "invalid key")
	}
	return c, nil
}

func encodeKey(k Key) ([]byte, error) {
	b, err := tuple.Append(nil, k)
	if err != nil {
		return nil, wrapError(CodeData, "encodeKey", err, "invalid key: %v", k)
	}
	return b, nil
}

// KeyRange is a contiguous interval of keys. A missing bound is unbounded.
type KeyRange struct {
	lower, upper         Key
	hasLower, hasUpper   bool
	lowerOpen, upperOpen bool
}

// Only returns a KeyRange containing only k.
func Only(k Key) *KeyRange {
	return &KeyRange{lower: k, upper: k, hasLower: true, hasUpper: true}
}

// Bound returns a KeyRange with both bounds. Open bounds are exclusive.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{
		lower: lower, upper: upper,
		hasLower: true, hasUpper: true,
		lowerOpen: lowerOpen, upperOpen: upperOpen,
	}
}

// LowerBound returns a KeyRange with only a lower bound.
func LowerBound(lower Key, open bool) *KeyRange {
	return &KeyRange{lower: lower, hasLower: true, lowerOpen: open}
}

// UpperBound returns a KeyRange with only an upper bound.
func UpperBound(upper Key, open bool) *KeyRange {
	return &KeyRange{upper: upper, hasUpper: true, upperOpen: open}
}

func (r *KeyRange) String() string {
	if r == nil {
		return "[*]"
	}
	var sb strings.Builder
	if r.hasLower {
		if r.lowerOpen {
			sb.WriteString("(")
		} else {
			sb.WriteString("[")
		}
		fmt.Fprintf(&sb, "%v", r.lower)
	} else {
		sb.WriteString("(*")
	}
	sb.WriteString(", ")
	if r.hasUpper {
		fmt.Fprintf(&sb, "%v", r.upper)
		if r.upperOpen {
			sb.WriteString(")")
		} else {
			sb.WriteString("]")
		}
	} else {
		sb.WriteString("*)")
	}
	return sb.String()
}

// bounds returns the [start, end) KV range covering every key of r under prefix.
// A nil r covers the whole prefix.
func (r *KeyRange) bounds(prefix []byte) (start, end []byte, err error) {
	if r == nil {
		start, end = subspaceRange(prefix)
		return start, end, nil
	}

	var encLower, encUpper []byte
	if r.hasLower {
		if encLower, err = encodeKey(r.lower); err != nil {
			return nil, nil, err
		}
	}
	if r.hasUpper {
		if encUpper, err = encodeKey(r.upper); err != nil {
			return nil, nil, err
		}
	}
	if r.hasLower && r.hasUpper {
		c := bytes.Compare(encLower, encUpper)
		if c > 0 || (c == 0 && (r.lowerOpen || r.upperOpen)) {
			return nil, nil, newError(CodeData, "KeyRange", "lower bound is greater than upper bound in %s", r)
		}
	}

	// Entries of a key k are prefix|k|primaryKey, so [prefix|k, prefix|k|0xFF)
	// covers exactly the entries of k.
	start, end = subspaceRange(prefix)
	if r.hasLower {
		if r.lowerOpen {
			_, start = subspaceRange(concat(prefix, encLower))
		} else {
			start = concat(prefix, encLower)
		}
	}
	if r.hasUpper {
		if r.upperOpen {
			end = concat(prefix, encUpper)
		} else {
			_, end = subspaceRange(concat(prefix, encUpper))
		}
	}
	return start, end, nil
}

// toKeyRange converts a query (nil, a key or a *KeyRange) into a KeyRange. nil
// means every key.
func toKeyRange(op string, query any) (*KeyRange, error) {
	switch q := query.(type) {
	case nil:
		return nil, nil
	case *KeyRange:
		if q == nil {
			return nil, nil
		}
		if _, _, err := q.bounds(nil); err != nil {
			return nil, err
		}
		return q, nil
	default:
		k, err := ValidateKey(q)
		if err != nil {
			return nil, wrapError(CodeData, op, err, "invalid query")
		}
		return Only(k), nil
	}
}

// validKeyPath reports whether path is a dotted sequence of non-empty segments.
func validKeyPath(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

// evaluateKeyPath returns the value at the dotted path within value.
func evaluateKeyPath(value Record, path string) (any, bool) {
	var curr any = map[string]any(value)
	for _, seg := range strings.Split(path, ".") {
		m, ok := curr.(map[string]any)
		if !ok {
			return nil, false
		}
		if curr, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return curr, true
}

// injectKeyPath stores key at the dotted path within value, creating
// intermediate objects as needed.
func injectKeyPath(value Record, path string, key Key) error {
	segs := strings.Split(path, ".")
	curr := map[string]any(value)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := curr[seg]
		if !ok {
			m := map[string]any{}
			curr[seg] = m
			curr = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return newError(CodeData, "injectKeyPath", "cannot inject key at %q: %q is not an object", path, seg)
		}
		curr = m
	}
	curr[segs[len(segs)-1]] = key
	return nil
}

// ExtractKey returns the key the record would be stored under in a store with the
// provided key path.
func ExtractKey(keyPath string, record Record) (Key, bool) {
	if !validKeyPath(keyPath) {
		return nil, false
	}
	v, ok := evaluateKeyPath(record, keyPath)
	if !ok {
		return nil, false
	}
	k, err := ValidateKey(v)
	if err != nil {
		return nil, false
	}
	return k, true
}

// indexKeys returns the encoded index keys of value for idx. Values that do not
// yield a valid key are not indexed.
func indexKeys(idx *indexMeta, value Record) [][]byte {
	v, ok := evaluateKeyPath(value, idx.KeyPath)
	if !ok {
		return nil
	}

	if arr, isArr := v.([]any); isArr && idx.MultiEntry {
		var (
			out  [][]byte
			seen = map[string]struct{}{}
		)
		for _, e := range arr {
			enc, err := tuple.Append(nil, e)
			if err != nil {
				continue
			}
			if _, dup := seen[string(enc)]; dup {
				continue
			}
			seen[string(enc)] = struct{}{}
			out = append(out, enc)
		}
		return out
	}

	enc, err := tuple.Append(nil, v)
	if err != nil {
		return nil
	}
	return [][]byte{enc}
}
