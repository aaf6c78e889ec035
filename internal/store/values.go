package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrDocNotFound     = errors.New("document not found")
	ErrNotANumber      = errors.New("field is not a number")
	ErrInvalidDocument = errors.New("invalid document")
)

type incrementValue struct {
	delta float64
}

type serverTimestampValue struct{}

// Increment is a write sentinel: the field is atomically changed by delta,
// starting from 0 when it does not exist yet.
func Increment(delta float64) any {
	return incrementValue{delta: delta}
}

// ServerTimestamp is a write sentinel replaced by the store's clock at commit.
var ServerTimestamp any = serverTimestampValue{}

func IncrementDelta(v any) (float64, bool) {
	inc, ok := v.(incrementValue)
	return inc.delta, ok
}

func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestampValue)
	return ok
}

// HasSentinels reports whether any top-level value of d is a write sentinel.
func HasSentinels(d Data) bool {
	for _, v := range d {
		if _, ok := IncrementDelta(v); ok || IsServerTimestamp(v) {
			return true
		}
	}
	return false
}

// ApplyWrite computes the state of a document after a write. current is the
// existing state (nil when the document does not exist). A nil result with a
// nil error means the document is deleted.
func ApplyWrite(current Data, exists bool, kind OpKind, fields Data, now time.Time) (Data, error) {
	var next Data
	switch kind {
	case OpDelete:
		return nil, nil
	case OpSet:
		next = Data{}
	case OpSetMerge:
		next = copyData(current)
	case OpUpdate:
		if !exists {
			return nil, ErrDocNotFound
		}
		next = copyData(current)
	default:
		return nil, fmt.Errorf("unknown op kind %d", kind)
	}

	for field, v := range fields {
		if field == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidDocument)
		}
		if delta, ok := IncrementDelta(v); ok {
			base, err := ToFloat(next[field])
			if err != nil {
				return nil, fmt.Errorf("increment %s: %w", field, err)
			}
			next[field] = base + delta
			continue
		}
		if IsServerTimestamp(v) {
			next[field] = now.UTC()
			continue
		}
		next[field] = v
	}

	return Normalize(next)
}

// Normalize converts d into the canonical JSON shapes every backend returns.
func Normalize(d Data) (Data, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}
	out := Data{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}
	return out, nil
}

// NormalizeValue converts a single value into its canonical shape.
func NormalizeValue(v any) (any, error) {
	d, err := Normalize(Data{"v": v})
	if err != nil {
		return nil, err
	}
	return d["v"], nil
}

// ToFloat reads a numeric field value. A missing field counts as 0.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
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
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotANumber, v)
	}
}

// ToInt reads an integral counter value, tolerating float encodings.
func ToInt(v any) (int64, error) {
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f)), nil
}

// ToStringSlice reads an id-set field ([]any of strings after normalization).
func ToStringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: id set item %T", ErrInvalidDocument, item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: id set %T", ErrInvalidDocument, v)
	}
}

func copyData(d Data) Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of d by going through its canonical encoding.
func Clone(d Data) Data {
	out, err := Normalize(d)
	if err != nil {
		return copyData(d)
	}
	return out
}

// Encode turns a JSON-tagged struct into document data.
func Encode(v any) (Data, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	d := Data{}
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return d, nil
}

// Decode fills the JSON-tagged struct v from document data.
func Decode(d Data, v any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
