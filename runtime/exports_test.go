package runtime

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/addonkit/addon-runtime/errors"
	"github.com/addonkit/addon-runtime/value"
)

func nopHandler(ctx context.Context, call *Call) error {
	return nil
}

func TestToKebabCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello", "hello"},
		{"SayHello", "say-hello"},
		{"GetHTTPStatus", "get-http-status"},
		{"HTTPServer", "http-server"},
		{"A", "a"},
		{"ABC", "abc"},
		{"ParseJSON", "parse-json"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := toKebabCase(tc.in); got != tc.want {
			t.Errorf("toKebabCase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExports_Set(t *testing.T) {
	e := newExports()

	if err := e.Set("hello", nopHandler); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := e.Set("hello", nopHandler); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := e.Set("", nopHandler); err == nil {
		t.Error("empty name should fail")
	}
	if err := e.Set("nil-handler", nil); err == nil {
		t.Error("nil handler should fail")
	}
	if err := e.Set("bad-params", nopHandler, WithParams(value.KindMissing)); err == nil {
		t.Error("missing parameter kind should fail")
	}

	names := e.Names()
	if len(names) != 1 || names[0] != "hello" {
		t.Errorf("Names = %v, want [hello]", names)
	}
}

func TestExports_SetAfterSeal(t *testing.T) {
	e := newExports()
	e.seal()

	err := e.Set("late", nopHandler)
	if err == nil {
		t.Fatal("registration after seal should fail")
	}
	var structured *errors.Error
	if !stderrors.As(err, &structured) || structured.Kind != errors.KindSealed {
		t.Errorf("error = %v, want kind sealed", err)
	}
	if !e.Sealed() {
		t.Error("Sealed should report true")
	}
}

type greeterAddon struct{}

func (greeterAddon) SayHello(ctx context.Context, call *Call) error {
	return call.SetReturnText("hello " + call.Text(0))
}

func (greeterAddon) FetchHTTPStatus(ctx context.Context, call *Call) error {
	return call.SetReturnText("200")
}

// Wrong signature, must be skipped.
func (greeterAddon) Helper(s string) string {
	return s
}

func TestExports_SetAddon(t *testing.T) {
	e := newExports()
	if err := e.SetAddon(greeterAddon{}); err != nil {
		t.Fatalf("SetAddon failed: %v", err)
	}

	names := e.Names()
	want := []string{"fetch-http-status", "say-hello"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

type silentAddon struct{}

func (silentAddon) Helper(s string) string { return s }

func TestExports_SetAddon_NoHandlers(t *testing.T) {
	e := newExports()
	if err := e.SetAddon(silentAddon{}); err == nil {
		t.Fatal("addon without handler methods should fail")
	}
}
