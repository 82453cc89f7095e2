package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrMissing is wrapped by the typed getters when a key is absent.
var ErrMissing = errors.New("config: field not set")

// Record is a mutable option-name to value mapping. Values are int, float64,
// bool, string or nil. A key holding nil is still considered set.
type Record map[string]any

// FieldError reports a value that cannot be read as the requested kind.
type FieldError struct {
	Key   string
	Want  Kind
	Value any
}

func (e FieldError) Error() string {
	return fmt.Sprintf("config: field %q: want %s, got %T(%v)", e.Key, e.Want, e.Value, e.Value)
}

func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// SetDefault stores v under key only if key is absent and reports whether it did.
func (r Record) SetDefault(key string, v any) bool {
	if _, ok := r[key]; ok {
		return false
	}
	r[key] = v
	return true
}

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge copies every entry of o into r, overwriting existing keys.
func (r Record) Merge(o Record) {
	for k, v := range o {
		r[k] = v
	}
}

// Keys returns the record keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r Record) lookup(key string) (any, error) {
	v, ok := r[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissing, key)
	}
	return v, nil
}

// Int reads key as an integer. Integral floats are accepted since JSON and
// YAML round trips may widen them.
func (r Record) Int(key string) (int, error) {
	v, err := r.lookup(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int(n), nil
		}
	}
	return 0, FieldError{Key: key, Want: KindInt, Value: v}
}

func (r Record) Float(key string) (float64, error) {
	v, err := r.lookup(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, FieldError{Key: key, Want: KindFloat, Value: v}
}

func (r Record) Bool(key string) (bool, error) {
	v, err := r.lookup(key)
	if err != nil {
		return false, err
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, FieldError{Key: key, Want: KindBool, Value: v}
}

// String reads key as a string. A nil value reads as "".
func (r Record) String(key string) (string, error) {
	v, err := r.lookup(key)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	return "", FieldError{Key: key, Want: KindString, Value: v}
}
