package store

import (
	"encoding/json"
)

// Record is a stored value. Records are JSON objects; numbers decode as float64.
type Record = map[string]any

// normalizeRecord deep-copies value into its stored form so later mutations by
// the caller are not observed by the store.
func normalizeRecord(op string, value any) (Record, error) {
	marshaled, err := json.Marshal(value)
	if err != nil {
		return nil, wrapError(CodeData, op, err, "record cannot be serialized")
	}
	var out Record
	if err := json.Unmarshal(marshaled, &out); err != nil || out == nil {
		return nil, newError(CodeData, op, "record must be a JSON object, got: %s", truncate(marshaled))
	}
	return out, nil
}

func decodeRecord(b []byte) (Record, error) {
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, wrapError(CodeBackend, "decodeRecord", err, "stored record is corrupt")
	}
	return out, nil
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// NormalizeRecord returns value in the form it would be stored in.
func NormalizeRecord(value any) (Record, error) {
	return normalizeRecord("NormalizeRecord", value)
}
