// Package value models the dynamically-typed arguments a guest passes to a
// host function. A Value is a tagged union with explicit variants; callers
// check the variant before converting instead of relying on implicit
// coercion. Coerce implements the single lenient path used for text
// arguments: anything without a text rendering degrades to "".
package value

import (
	"strconv"
	"unicode/utf8"
)

type Kind uint8

const (
	KindMissing Kind = iota
	KindText
	KindNumber
	KindBool
	KindBytes
)

var kindNames = [...]string{
	KindMissing: "missing",
	KindText:    "text",
	KindNumber:  "number",
	KindBool:    "bool",
	KindBytes:   "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// FlatCount returns the number of wasm stack slots the kind occupies
// when lowered: (ptr, len) pairs for text and bytes, one slot otherwise.
func (k Kind) FlatCount() int {
	switch k {
	case KindText, KindBytes:
		return 2
	default:
		return 1
	}
}

// Value is one call argument. The zero value is the Missing variant.
type Value struct {
	text  string
	bytes []byte
	num   float64
	kind  Kind
	b     bool
}

func Missing() Value {
	return Value{kind: KindMissing}
}

func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func Bytes(p []byte) Value {
	return Value{kind: KindBytes, bytes: p}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsMissing() bool {
	return v.kind == KindMissing
}

// AsText returns the text payload. ok is false for any other variant.
func (v Value) AsText() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

// AsNumber returns the number payload. ok is false for any other variant.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the bool payload. ok is false for any other variant.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsBytes returns the bytes payload. ok is false for any other variant.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.bytes, true
}

// Coerce converts the value to text under the lenient policy: Missing and
// non-UTF-8 bytes become "", numbers and bools render deterministically.
// This is the "always returns a string" contract of the call adapter.
func (v Value) Coerce() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindBytes:
		if utf8.Valid(v.bytes) {
			return string(v.bytes)
		}
		return ""
	default:
		return ""
	}
}
