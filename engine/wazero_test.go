package engine

import (
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/addonkit/addon-runtime/errors"
)

func TestFuncSpec_ParamValueTypes(t *testing.T) {
	tests := []struct {
		name   string
		spec   FuncSpec
		params []api.ValueType
		flat   int
	}{
		{
			name:   "text",
			spec:   FuncSpec{Params: []ParamKind{ParamText}},
			params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			flat:   2,
		},
		{
			name:   "bytes",
			spec:   FuncSpec{Params: []ParamKind{ParamBytes}},
			params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
			flat:   2,
		},
		{
			name:   "number and bool",
			spec:   FuncSpec{Params: []ParamKind{ParamNumber, ParamBool}},
			params: []api.ValueType{api.ValueTypeF64, api.ValueTypeI32},
			flat:   2,
		},
		{
			name:   "mixed",
			spec:   FuncSpec{Params: []ParamKind{ParamText, ParamNumber}},
			params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeF64},
			flat:   3,
		},
		{
			name:   "empty",
			spec:   FuncSpec{},
			params: []api.ValueType{},
			flat:   0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.spec.paramValueTypes()
			if len(got) != len(tc.params) {
				t.Fatalf("param types = %v, want %v", got, tc.params)
			}
			for i := range got {
				if got[i] != tc.params[i] {
					t.Errorf("param[%d] = %v, want %v", i, got[i], tc.params[i])
				}
			}
			if n := tc.spec.flatParams(); n != tc.flat {
				t.Errorf("flatParams = %d, want %d", n, tc.flat)
			}
		})
	}
}

func TestFuncSpec_ResultValueTypes(t *testing.T) {
	withRet := FuncSpec{ReturnsText: true}
	if got := withRet.resultValueTypes(); len(got) != 1 || got[0] != api.ValueTypeI64 {
		t.Errorf("result types = %v, want [i64]", got)
	}
	noRet := FuncSpec{}
	if got := noRet.resultValueTypes(); got != nil {
		t.Errorf("result types = %v, want nil", got)
	}
}

func TestAllocator_NoExports(t *testing.T) {
	a := &wazeroAllocator{stackBuf: make([]uint64, 4)}
	_, err := a.Alloc(16, 1)
	if err == nil {
		t.Fatal("expected error from allocator with no guest exports")
	}
	// Free without exports must be a silent no-op.
	a.Free(8, 16, 1)
	a.Free(0, 0, 1)
}

func TestWazeroMemory_NilGuards(t *testing.T) {
	m := &WazeroMemory{}
	_, err := m.Read(0, 4)
	var structured *errors.Error
	if !stderrors.As(err, &structured) || structured.Kind != errors.KindNotInitialized {
		t.Errorf("Read error = %v, want not_initialized", err)
	}
	if err := m.Write(0, []byte{1}); err == nil {
		t.Error("Write should fail without memory")
	}
	if _, err := m.ReadU32(0); err == nil {
		t.Error("ReadU32 should fail without memory")
	}
	if err := m.WriteU64(0, 1); err == nil {
		t.Error("WriteU64 should fail without memory")
	}
	if m.Size() != 0 {
		t.Error("Size should be 0 without memory")
	}
}
