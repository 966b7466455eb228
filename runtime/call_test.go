package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/addonkit/addon-runtime/buffer"
	"github.com/addonkit/addon-runtime/engine"
	"github.com/addonkit/addon-runtime/errors"
	"github.com/addonkit/addon-runtime/value"
)

// fakeMemory is a flat in-process guest memory.
type fakeMemory struct {
	data []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return nil, errors.OutOfBounds(errors.PhaseMemory, offset, length)
	}
	return m.data[offset : offset+length], nil
}

func (m *fakeMemory) Write(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.data)) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, uint32(len(data)))
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *fakeMemory) ReadU32(offset uint32) (uint32, error) {
	b, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *fakeMemory) ReadU64(offset uint32) (uint64, error) {
	b, err := m.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *fakeMemory) WriteU32(offset uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(offset, b[:])
}

func (m *fakeMemory) WriteU64(offset uint32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(offset, b[:])
}

// fakeAllocator bump-allocates and records frees.
type fakeAllocator struct {
	next     uint32
	failNext bool
	frees    []uint32
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 8}
}

func (a *fakeAllocator) Alloc(size, align uint32) (uint32, error) {
	if a.failNext {
		a.failNext = false
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	ptr := a.next
	a.next += size
	return ptr, nil
}

func (a *fakeAllocator) Free(ptr, size, align uint32) {
	a.frees = append(a.frees, ptr)
}

func newTestEnv(raw []uint64) (*engine.CallEnv, *fakeMemory, *fakeAllocator) {
	mem := newFakeMemory(1 << 16)
	alloc := newFakeAllocator()
	return &engine.CallEnv{
		Memory:  mem,
		Alloc:   alloc,
		Buffers: buffer.NewTable(),
		Raw:     raw,
	}, mem, alloc
}

// writeArg plants a text argument in fake memory and returns its raw slots.
func writeArg(t *testing.T, mem *fakeMemory, ptr uint32, s string) []uint64 {
	t.Helper()
	if err := mem.Write(ptr, []byte(s)); err != nil {
		t.Fatalf("plant argument: %v", err)
	}
	return []uint64{uint64(ptr), uint64(len(s))}
}

func readRegion(t *testing.T, mem *fakeMemory, packed uint64) string {
	t.Helper()
	region := buffer.Unpack(packed)
	if region.Ptr == 0 && region.Len == 0 {
		return ""
	}
	data, err := mem.Read(region.Ptr, region.Len)
	if err != nil {
		t.Fatalf("read return region: %v", err)
	}
	return string(data)
}

func helloEntry() *exportEntry {
	return &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			return call.SetReturnText("hello " + call.Text(0))
		},
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}
}

func TestHostFunc_HelloWithArgument(t *testing.T) {
	env, mem, _ := newTestEnv(nil)
	env.Raw = writeArg(t, mem, 100, "world")

	ret, hasRet, err := hostFunc("hello", helloEntry())(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !hasRet {
		t.Fatal("expected a return value")
	}
	if got := readRegion(t, mem, ret); got != "hello world" {
		t.Errorf("return = %q, want %q", got, "hello world")
	}
}

func TestHostFunc_MissingArgumentCoercesToEmpty(t *testing.T) {
	env, mem, _ := newTestEnv([]uint64{0, 0})

	ret, _, err := hostFunc("hello", helloEntry())(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := readRegion(t, mem, ret); got != "hello " {
		t.Errorf("return = %q, want %q", got, "hello ")
	}
}

func TestHostFunc_NumberArgumentCoerces(t *testing.T) {
	env, mem, _ := newTestEnv([]uint64{math.Float64bits(5)})
	ent := helloEntry()
	ent.params = []value.Kind{value.KindNumber}

	ret, _, err := hostFunc("hello", ent)(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := readRegion(t, mem, ret); got != "hello 5" {
		t.Errorf("return = %q, want %q", got, "hello 5")
	}
}

func TestHostFunc_HandlerErrorDiscardsReturn(t *testing.T) {
	env, mem, alloc := newTestEnv(nil)
	env.Raw = writeArg(t, mem, 100, "world")

	ent := &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			if err := call.SetReturnText("partial"); err != nil {
				return err
			}
			return fmt.Errorf("handler exploded")
		},
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}

	_, _, err := hostFunc("hello", ent)(context.Background(), env)
	if err == nil {
		t.Fatal("expected handler error to surface")
	}
	if len(alloc.frees) != 1 {
		t.Errorf("staged return allocation not freed: frees = %v", alloc.frees)
	}
}

func TestCall_ExpiredAfterInvocation(t *testing.T) {
	env, mem, _ := newTestEnv(nil)
	env.Raw = writeArg(t, mem, 100, "world")

	var retained *Call
	ent := &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			retained = call
			return call.SetReturnText("ok")
		},
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}

	if _, _, err := hostFunc("hello", ent)(context.Background(), env); err != nil {
		t.Fatalf("call failed: %v", err)
	}

	if got := retained.Arg(0); got.Kind() != value.KindMissing {
		t.Errorf("retained Arg kind = %v, want missing", got.Kind())
	}
	err := retained.SetReturnText("late")
	var structured *errors.Error
	if !stderrors.As(err, &structured) || structured.Kind != errors.KindExpired {
		t.Errorf("retained SetReturnText error = %v, want kind expired", err)
	}
}

func TestCall_DoubleReturnRejected(t *testing.T) {
	env, mem, _ := newTestEnv(nil)
	env.Raw = writeArg(t, mem, 100, "x")

	ent := &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			if err := call.SetReturnText("first"); err != nil {
				return err
			}
			if err := call.SetReturnText("second"); err == nil {
				t.Error("second SetReturnText should fail")
			}
			return nil
		},
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}

	ret, _, err := hostFunc("hello", ent)(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := readRegion(t, mem, ret); got != "first" {
		t.Errorf("return = %q, want %q", got, "first")
	}
}

func TestCall_NoReturnExport(t *testing.T) {
	env, mem, _ := newTestEnv(nil)
	env.Raw = writeArg(t, mem, 100, "x")

	ent := &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			if err := call.SetReturnText("nope"); err == nil {
				t.Error("SetReturnText on a no-return export should fail")
			}
			return nil
		},
		params: []value.Kind{value.KindText},
	}

	_, hasRet, err := hostFunc("log", ent)(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if hasRet {
		t.Error("no-return export produced a return value")
	}
}

func TestCall_ReturnBufferCopy(t *testing.T) {
	env, mem, _ := newTestEnv([]uint64{0, 0})

	payload := []byte("native block")
	b := buffer.Wrap(append([]byte(nil), payload...))

	ent := &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			return call.ReturnBuffer(b, buffer.StrategyCopy)
		},
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}

	ret, _, err := hostFunc("fetch", ent)(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := readRegion(t, mem, ret); !bytes.Equal([]byte(got), payload) {
		t.Errorf("return = %q, want %q", got, payload)
	}
	if b.NativeOwned() {
		t.Error("copy strategy must release the native block")
	}
	if env.Buffers.Len() != 0 {
		t.Errorf("copy strategy must not retain table entries, got %d", env.Buffers.Len())
	}
}

func TestCall_ReturnBufferTransfer(t *testing.T) {
	env, mem, _ := newTestEnv([]uint64{0, 0})

	payload := []byte("handed off")
	b := buffer.Wrap(append([]byte(nil), payload...))

	ent := &exportEntry{
		handler: func(ctx context.Context, call *Call) error {
			return call.ReturnBuffer(b, buffer.StrategyTransfer)
		},
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}

	ret, _, err := hostFunc("fetch", ent)(context.Background(), env)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	region := buffer.Unpack(ret)
	if got := readRegion(t, mem, ret); !bytes.Equal([]byte(got), payload) {
		t.Errorf("return = %q, want %q", got, payload)
	}
	if b.NativeOwned() {
		t.Error("transfer strategy must consume the handle")
	}
	if env.Buffers.Len() != 1 {
		t.Fatalf("transfer must be retained in the table, got %d entries", env.Buffers.Len())
	}
	if !env.Buffers.Drop(region.Ptr) {
		t.Error("drop of transferred buffer failed")
	}
	if env.Buffers.Drop(region.Ptr) {
		t.Error("second drop must be a no-op")
	}
}

func TestHostFunc_ConcurrentCalls(t *testing.T) {
	ent := helloEntry()
	fn := hostFunc("hello", ent)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				env, mem, _ := newTestEnv(nil)
				arg := fmt.Sprintf("caller-%d-%d", g, n)
				env.Raw = writeArg(t, mem, 100, arg)

				ret, _, err := fn(context.Background(), env)
				if err != nil {
					t.Errorf("call failed: %v", err)
					return
				}
				if got := readRegion(t, mem, ret); got != "hello "+arg {
					t.Errorf("return = %q, want %q", got, "hello "+arg)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestDecodeArgs(t *testing.T) {
	t.Run("invalid utf8 text coerces to empty", func(t *testing.T) {
		env, mem, _ := newTestEnv(nil)
		if err := mem.Write(100, []byte{0xff, 0xfe}); err != nil {
			t.Fatal(err)
		}
		env.Raw = []uint64{100, 2}

		args, err := decodeArgs("hello", []value.Kind{value.KindText}, env)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if args[0].Kind() != value.KindBytes {
			t.Errorf("kind = %v, want bytes", args[0].Kind())
		}
		if got := args[0].Coerce(); got != "" {
			t.Errorf("coerce = %q, want empty", got)
		}
	})

	t.Run("bytes are copied out", func(t *testing.T) {
		env, mem, _ := newTestEnv(nil)
		if err := mem.Write(100, []byte{1, 2, 3}); err != nil {
			t.Fatal(err)
		}
		env.Raw = []uint64{100, 3}

		args, err := decodeArgs("ingest", []value.Kind{value.KindBytes}, env)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		data, _ := args[0].AsBytes()
		mem.data[100] = 99
		if !bytes.Equal(data, []byte{1, 2, 3}) {
			t.Errorf("bytes alias guest memory: %v", data)
		}
	})

	t.Run("bool and number", func(t *testing.T) {
		env, _, _ := newTestEnv([]uint64{1, math.Float64bits(2.5)})

		args, err := decodeArgs("mix", []value.Kind{value.KindBool, value.KindNumber}, env)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if b, _ := args[0].AsBool(); !b {
			t.Error("bool = false, want true")
		}
		if n, _ := args[1].AsNumber(); n != 2.5 {
			t.Errorf("number = %v, want 2.5", n)
		}
	})

	t.Run("out of bounds read fails", func(t *testing.T) {
		env, _, _ := newTestEnv([]uint64{1 << 20, 4})

		_, err := decodeArgs("hello", []value.Kind{value.KindText}, env)
		var structured *errors.Error
		if !stderrors.As(err, &structured) || structured.Kind != errors.KindConversion {
			t.Errorf("error = %v, want kind conversion", err)
		}
	})
}
