package runtime

import (
	"testing"

	"go.bytecodealliance.org/wit"
)

func TestParseWitFunctions(t *testing.T) {
	funcs, err := parseWitFunctions(`
		export greet: func(name: string) -> string;
		export tally: func(count: u32, weight: f64) -> u64;
		export ping: func();
	`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(funcs) != 3 {
		t.Fatalf("parsed %d functions, want 3", len(funcs))
	}

	greet := funcs["greet"]
	if len(greet.params) != 1 || len(greet.results) != 1 {
		t.Fatalf("greet shape = %d params %d results, want 1/1", len(greet.params), len(greet.results))
	}
	if _, ok := greet.params[0].(wit.String); !ok {
		t.Errorf("greet param = %T, want string", greet.params[0])
	}
	if _, ok := greet.results[0].(wit.String); !ok {
		t.Errorf("greet result = %T, want string", greet.results[0])
	}

	tally := funcs["tally"]
	if len(tally.params) != 2 {
		t.Fatalf("tally params = %d, want 2", len(tally.params))
	}
	if _, ok := tally.params[0].(wit.U32); !ok {
		t.Errorf("tally param 0 = %T, want u32", tally.params[0])
	}
	if _, ok := tally.params[1].(wit.F64); !ok {
		t.Errorf("tally param 1 = %T, want f64", tally.params[1])
	}
	if _, ok := tally.results[0].(wit.U64); !ok {
		t.Errorf("tally result = %T, want u64", tally.results[0])
	}

	ping := funcs["ping"]
	if len(ping.params) != 0 || len(ping.results) != 0 {
		t.Errorf("ping shape = %d params %d results, want 0/0", len(ping.params), len(ping.results))
	}
}

func TestParseWitFunctions_WithoutExportKeyword(t *testing.T) {
	funcs, err := parseWitFunctions(`greet: func(name: string) -> string;`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := funcs["greet"]; !ok {
		t.Error("greet not parsed")
	}
}

func TestParseWitFunctions_Errors(t *testing.T) {
	if _, err := parseWitFunctions(""); err == nil {
		t.Error("empty text should fail")
	}
	if _, err := parseWitFunctions("no functions here"); err == nil {
		t.Error("text without functions should fail")
	}
	if _, err := parseWitFunctions("bad: func(x: not-a-type);"); err == nil {
		t.Error("invalid param type should fail")
	}
	if _, err := parseWitFunctions("bad: func() -> not-a-type;"); err == nil {
		t.Error("invalid result type should fail")
	}
}

func TestParseWitType(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"string", true},
		{"bool", true},
		{"u8", true},
		{"u32", true},
		{"u64", true},
		{"s32", true},
		{"f32", true},
		{"f64", true},
		{"  u32  ", true},
		{"not-a-type", false},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			_, err := parseWitType(tc.input)
			if tc.valid && err != nil {
				t.Errorf("expected valid, got error: %v", err)
			}
			if !tc.valid && err == nil {
				t.Error("expected error for invalid type")
			}
		})
	}
}
