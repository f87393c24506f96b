// Package schema describes the logical shape of values exchanged with the
// runner. A Type tree is turned into a deterministic descriptor handed to the
// runner once at operator open; the runner uses it to decode and encode the
// raw payload bytes.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the supported logical types.
type Kind int

const (
	KindBytes Kind = iota
	KindString
	KindBool
	KindInt32
	KindInt64
	KindFloat64
	KindTimestamp
	KindRow
)

var kindNames = [...]string{
	KindBytes:     "bytes",
	KindString:    "string",
	KindBool:      "bool",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat64:   "float64",
	KindTimestamp: "timestamp",
	KindRow:       "row",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = Kind(k)
	}
	return m
}()

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrUnsupportedType marks a logical type the bridge cannot describe.
// Surfaced at operator open, never mid-stream.
var ErrUnsupportedType = errors.New("schema: unsupported type")

// Type is a logical type tree. Fields is populated for KindRow only.
type Type struct {
	Kind   Kind
	Fields []Field
}

// Field is a named, ordered member of a row type.
type Field struct {
	Name string
	Type Type
}

// Primitive types, usable as values.
var (
	Bytes     = Type{Kind: KindBytes}
	String    = Type{Kind: KindString}
	Bool      = Type{Kind: KindBool}
	Int32     = Type{Kind: KindInt32}
	Int64     = Type{Kind: KindInt64}
	Float64   = Type{Kind: KindFloat64}
	Timestamp = Type{Kind: KindTimestamp}
)

// Row builds a row type from ordered fields.
func Row(fields ...Field) Type { return Type{Kind: KindRow, Fields: fields} }

func (t Type) String() string {
	if t.Kind != KindRow {
		return t.Kind.String()
	}
	var b strings.Builder
	b.WriteString("row(")
	for i, f := range t.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(f.Type.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Validate rejects malformed type trees: unknown kinds, rows without fields,
// unnamed or duplicate fields.
func Validate(t Type) error {
	switch t.Kind {
	case KindBytes, KindString, KindBool, KindInt32, KindInt64, KindFloat64, KindTimestamp:
		return nil
	case KindRow:
		if len(t.Fields) == 0 {
			return errors.New("schema: row with no fields")
		}
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if f.Name == "" {
				return errors.New("schema: row field with empty name")
			}
			if seen[f.Name] {
				return fmt.Errorf("schema: duplicate row field %q", f.Name)
			}
			seen[f.Name] = true
			if err := Validate(f.Type); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, t.Kind)
	}
}

// ForEnvelope is the record frame shape: event timestamp, watermark at send
// time, then the payload.
func ForEnvelope(payload Type) Type {
	return Row(
		Field{Name: "timestamp", Type: Timestamp},
		Field{Name: "watermark", Type: Timestamp},
		Field{Name: "payload", Type: payload},
	)
}

// ForTwoInput is the two-input frame shape. The is_left discriminant selects
// which side's value is present in a given frame.
func ForTwoInput(left, right Type) Type {
	return Row(
		Field{Name: "timestamp", Type: Timestamp},
		Field{Name: "watermark", Type: Timestamp},
		Field{Name: "is_left", Type: Bool},
		Field{Name: "left", Type: left},
		Field{Name: "right", Type: right},
	)
}

// ForTimer is the timer-fire frame shape.
func ForTimer(key Type) Type {
	return Row(
		Field{Name: "kind", Type: Int32},
		Field{Name: "fire_timestamp", Type: Timestamp},
		Field{Name: "watermark", Type: Timestamp},
		Field{Name: "key", Type: key},
	)
}
