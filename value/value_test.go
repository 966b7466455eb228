package value

import "testing"

func TestVariantAccessors(t *testing.T) {
	v := Text("hi")
	if s, ok := v.AsText(); !ok || s != "hi" {
		t.Errorf("AsText = %q, %v", s, ok)
	}
	if _, ok := v.AsNumber(); ok {
		t.Error("AsNumber should reject text variant")
	}
	if _, ok := v.AsBool(); ok {
		t.Error("AsBool should reject text variant")
	}
	if _, ok := v.AsBytes(); ok {
		t.Error("AsBytes should reject text variant")
	}

	n := Number(3.5)
	if f, ok := n.AsNumber(); !ok || f != 3.5 {
		t.Errorf("AsNumber = %v, %v", f, ok)
	}

	b := Bool(true)
	if got, ok := b.AsBool(); !ok || !got {
		t.Errorf("AsBool = %v, %v", got, ok)
	}

	p := Bytes([]byte{1, 2})
	if got, ok := p.AsBytes(); !ok || len(got) != 2 {
		t.Errorf("AsBytes = %v, %v", got, ok)
	}
}

func TestZeroValueIsMissing(t *testing.T) {
	var v Value
	if !v.IsMissing() {
		t.Error("zero Value should be Missing")
	}
	if v.Kind() != KindMissing {
		t.Errorf("kind = %v", v.Kind())
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"text", Text("Sam"), "Sam"},
		{"empty text", Text(""), ""},
		{"missing", Missing(), ""},
		{"number integral", Number(42), "42"},
		{"number fractional", Number(2.5), "2.5"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"utf8 bytes", Bytes([]byte("ok")), "ok"},
		{"invalid utf8 bytes", Bytes([]byte{0xff, 0xfe}), ""},
		{"nil bytes", Bytes(nil), ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.v.Coerce(); got != tc.want {
				t.Errorf("Coerce() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{KindMissing, "missing"},
		{KindText, "text"},
		{KindNumber, "number"},
		{KindBool, "bool"},
		{KindBytes, "bytes"},
		{Kind(200), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.k.String(); got != tc.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tc.k, got, tc.want)
		}
	}
}

func TestFlatCount(t *testing.T) {
	if KindText.FlatCount() != 2 || KindBytes.FlatCount() != 2 {
		t.Error("text and bytes lower to two slots")
	}
	if KindNumber.FlatCount() != 1 || KindBool.FlatCount() != 1 {
		t.Error("number and bool lower to one slot")
	}
}
