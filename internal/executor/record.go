package executor

import "encoding/json"

// Record is one structured object returned by a script. Accessors report
// absence and wrong types explicitly instead of handing back silent zero
// values — callers branch on the bool, never on a magic default.
type Record map[string]any

// String returns the string value stored under key, or ("", false) when the
// key is absent or holds a non-string.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the bool value stored under key.
func (r Record) Bool(key string) (bool, bool) {
	v, ok := r[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Int returns the numeric value stored under key as an int. JSON numbers
// decode as float64, so both float64 and int are accepted.
func (r Record) Int(key string) (int, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// DecodeObjects parses script output produced with ConvertTo-Json. It
// accepts a single object, an array of objects, or JSON-lines; anything
// that is not JSON yields (nil, false) rather than an error — plain text
// output is a normal, expected case.
func DecodeObjects(output string) ([]Record, bool) {
	trimmed := []byte(output)

	var one Record
	if err := json.Unmarshal(trimmed, &one); err == nil {
		return []Record{one}, true
	}

	var many []Record
	if err := json.Unmarshal(trimmed, &many); err == nil {
		return many, true
	}

	return nil, false
}
