package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	addonruntime "github.com/addonkit/addon-runtime"
	"github.com/addonkit/addon-runtime/buffer"
	"github.com/addonkit/addon-runtime/errors"
)

// WazeroEngine wraps a wazero runtime shared by all modules loaded through it.
type WazeroEngine struct {
	runtime wazero.Runtime
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return &WazeroEngine{runtime: runtime}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// CompileModule compiles guest wasm bytes. Host functions attach to the
// returned module before the first Instantiate.
func (e *WazeroEngine) CompileModule(ctx context.Context, wasmBytes []byte) (*WazeroModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	return &WazeroModule{
		engine:    e,
		runtime:   e.runtime,
		compiled:  compiled,
		namespace: DefaultNamespace,
		hostFuncs: make(map[string]hostEntry),
	}, nil
}

// ParamKind describes how one declared host-function parameter is lowered
// on the wasm stack.
type ParamKind uint8

const (
	ParamText   ParamKind = iota // (ptr, len) pair; (0, 0) means absent
	ParamBytes                   // (ptr, len) pair
	ParamNumber                  // one f64 slot
	ParamBool                    // one i32 slot
)

func (k ParamKind) flat() int {
	switch k {
	case ParamText, ParamBytes:
		return 2
	default:
		return 1
	}
}

// FuncSpec declares the wasm-level shape of a host function.
type FuncSpec struct {
	Params      []ParamKind
	ReturnsText bool
}

func (s FuncSpec) flatParams() int {
	n := 0
	for _, p := range s.Params {
		n += p.flat()
	}
	return n
}

func (s FuncSpec) paramValueTypes() []api.ValueType {
	vts := make([]api.ValueType, 0, s.flatParams())
	for _, p := range s.Params {
		switch p {
		case ParamText, ParamBytes:
			vts = append(vts, api.ValueTypeI32, api.ValueTypeI32)
		case ParamNumber:
			vts = append(vts, api.ValueTypeF64)
		case ParamBool:
			vts = append(vts, api.ValueTypeI32)
		}
	}
	return vts
}

func (s FuncSpec) resultValueTypes() []api.ValueType {
	if s.ReturnsText {
		return []api.ValueType{api.ValueTypeI64}
	}
	return nil
}

// CallEnv is the per-invocation capability a host function receives: the
// calling instance's memory, allocator, buffer table, and the raw stack
// slots for its declared parameters. It must not be retained past the call.
type CallEnv struct {
	Memory  addonruntime.Memory
	Alloc   addonruntime.Allocator
	Buffers *buffer.Table
	Raw     []uint64
}

// HostFunc is the engine-level host function shape. ret is the packed
// return region when hasRet is true. A non-nil err traps the guest call.
type HostFunc func(ctx context.Context, env *CallEnv) (ret uint64, hasRet bool, err error)

type hostEntry struct {
	fn   HostFunc
	spec FuncSpec
}

// WazeroModule is a compiled guest module plus its attached host functions.
type WazeroModule struct {
	engine    *WazeroEngine
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	namespace string
	hostFuncs map[string]hostEntry
	states    sync.Map // api.Module -> *instState
	hostMu    sync.Mutex
	hostBound bool
	hostErr   error
}

// Namespace returns the import module name host functions bind under.
func (m *WazeroModule) Namespace() string {
	return m.namespace
}

// SetNamespace overrides the import namespace. Must happen before the first
// Instantiate.
func (m *WazeroModule) SetNamespace(ns string) error {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	if m.hostBound {
		return errors.Sealed(ns)
	}
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	m.namespace = ns
	return nil
}

// Attach registers a host function under name. Attaching after the first
// Instantiate returns a sealed error: the import surface of a wasm module
// is fixed at instantiation.
func (m *WazeroModule) Attach(name string, spec FuncSpec, fn HostFunc) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if fn == nil {
		return errors.Registration(name, errors.InvalidInput(errors.PhaseHost, "nil host function"))
	}

	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	if m.hostBound {
		return errors.Sealed(name)
	}
	if _, exists := m.hostFuncs[name]; exists {
		return errors.Registration(name, errors.InvalidInput(errors.PhaseHost, "duplicate host function"))
	}
	m.hostFuncs[name] = hostEntry{fn: fn, spec: spec}
	return nil
}

// ExportNames lists the compiled module's exported functions, sorted.
func (m *WazeroModule) ExportNames() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ensureHostModule instantiates the host import module exactly once per
// engine runtime and namespace.
func (m *WazeroModule) ensureHostModule(ctx context.Context) error {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()

	if m.hostBound {
		return m.hostErr
	}
	m.hostBound = true

	if m.runtime.Module(m.namespace) != nil {
		// Another module already provided this namespace.
		return nil
	}

	builder := m.runtime.NewHostModuleBuilder(m.namespace)

	names := make([]string, 0, len(m.hostFuncs))
	for name := range m.hostFuncs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ent := m.hostFuncs[name]
		builder.NewFunctionBuilder().
			WithGoModuleFunction(m.trampoline(name, ent), ent.spec.paramValueTypes(), ent.spec.resultValueTypes()).
			Export(name)
	}

	if _, claimed := m.hostFuncs[BufferReleaseName]; !claimed {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(m.releaseTrampoline(), []api.ValueType{api.ValueTypeI32}, nil).
			Export(BufferReleaseName)
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		m.hostErr = errors.Wrap(errors.PhaseHost, errors.KindInstantiation, err, "instantiate host module "+m.namespace)
		return m.hostErr
	}

	Logger().Debug("host module bound",
		zap.String("namespace", m.namespace),
		zap.Int("functions", len(m.hostFuncs)))
	return nil
}

// trampoline adapts a HostFunc to the raw wazero calling convention. The
// calling guest instance arrives as mod; its state carries the per-instance
// memory, allocator, and buffer table.
func (m *WazeroModule) trampoline(name string, ent hostEntry) api.GoModuleFunc {
	n := ent.spec.flatParams()
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		st := m.stateFor(mod)
		st.alloc.setContext(ctx)

		env := &CallEnv{
			Memory:  st.memory,
			Alloc:   st.alloc,
			Buffers: st.table,
			Raw:     stack[:n],
		}

		ret, hasRet, err := ent.fn(ctx, env)
		if err != nil {
			// wazero recovers host panics and returns them as an error from
			// the guest call, so this surfaces instead of crashing.
			panic(errors.HandlerFailed(name, err))
		}

		if ent.spec.ReturnsText {
			if !hasRet {
				ret = 0
			}
			stack[0] = ret
		}
	}
}

// releaseTrampoline drops a transferred buffer by guest pointer.
func (m *WazeroModule) releaseTrampoline() api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		st := m.stateFor(mod)
		if !st.table.Drop(uint32(stack[0])) {
			Logger().Warn("release of unknown buffer pointer",
				zap.Uint32("ptr", uint32(stack[0])))
		}
	}
}

// Instantiate creates a fresh guest instance. The host import module is
// bound on the first call; later Attach calls fail.
func (m *WazeroModule) Instantiate(ctx context.Context) (*WazeroInstance, error) {
	if err := m.ensureHostModule(ctx); err != nil {
		return nil, err
	}

	cfg := wazero.NewModuleConfig().WithName("")
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	return &WazeroInstance{
		parent: m,
		mod:    mod,
		state:  m.stateFor(mod),
	}, nil
}

// instState is the per-guest-instance view host functions operate on.
type instState struct {
	memory *WazeroMemory
	alloc  *wazeroAllocator
	table  *buffer.Table
}

// stateFor returns (creating on first use) the state for a guest instance.
// Host calls during the guest's start function arrive before Instantiate
// returns, so creation is lazy and keyed by the calling module.
func (m *WazeroModule) stateFor(mod api.Module) *instState {
	if v, ok := m.states.Load(mod); ok {
		return v.(*instState)
	}
	st := &instState{
		memory: &WazeroMemory{mem: mod.Memory()},
		alloc:  resolveAllocator(mod),
		table:  buffer.NewTable(),
	}
	actual, _ := m.states.LoadOrStore(mod, st)
	return actual.(*instState)
}

// resolveAllocator picks the guest's allocator exports in convention order:
// cabi_realloc, then malloc/free. A guest with neither gets an allocator
// that fails on Alloc.
func resolveAllocator(mod api.Module) *wazeroAllocator {
	a := &wazeroAllocator{stackBuf: make([]uint64, 4)}
	if fn := mod.ExportedFunction(CabiRealloc); fn != nil {
		a.reallocFn = fn
		return a
	}
	a.allocFn = mod.ExportedFunction(SimpleAlloc)
	a.freeFn = mod.ExportedFunction(SimpleFree)
	return a
}

// WazeroInstance is one running guest.
// Not safe for concurrent use; synchronize externally or use one goroutine.
type WazeroInstance struct {
	parent *WazeroModule
	mod    api.Module
	state  *instState
}

func (i *WazeroInstance) Memory() addonruntime.Memory {
	return i.state.memory
}

func (i *WazeroInstance) Allocator() addonruntime.Allocator {
	return i.state.alloc
}

// Buffers is the instance's table of transferred blocks.
func (i *WazeroInstance) Buffers() *buffer.Table {
	return i.state.table
}

// CallRaw invokes an exported guest function with raw stack values.
func (i *WazeroInstance) CallRaw(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}

	i.state.alloc.setContext(ctx)
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Trap(name, err)
	}
	return results, nil
}

// Close releases outstanding transferred buffers, then the guest instance.
func (i *WazeroInstance) Close(ctx context.Context) error {
	var firstErr error
	if i.state != nil {
		if err := i.state.table.Close(); err != nil {
			firstErr = err
		}
	}
	if i.mod != nil {
		i.parent.states.Delete(i.mod)
		if err := i.mod.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		i.mod = nil
	}
	i.state = nil
	return firstErr
}

// wazeroAllocator implements addonruntime.Allocator over the guest's
// exported allocator functions.
type wazeroAllocator struct {
	reallocFn  api.Function
	allocFn    api.Function
	freeFn     api.Function
	currentCtx context.Context
	stackBuf   []uint64
	mu         sync.Mutex
}

func (a *wazeroAllocator) setContext(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentCtx = ctx
}

func (a *wazeroAllocator) Alloc(size, align uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx := a.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case a.reallocFn != nil:
		a.stackBuf[0] = 0
		a.stackBuf[1] = 0
		a.stackBuf[2] = uint64(align)
		a.stackBuf[3] = uint64(size)
		if err := a.reallocFn.CallWithStack(ctx, a.stackBuf[:4]); err != nil {
			return 0, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, "cabi_realloc")
		}
	case a.allocFn != nil:
		a.stackBuf[0] = uint64(size)
		if err := a.allocFn.CallWithStack(ctx, a.stackBuf[:1]); err != nil {
			return 0, errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, SimpleAlloc)
		}
	default:
		return 0, errors.InvalidInput(errors.PhaseMemory, "guest exports no allocator")
	}

	ptr := uint32(a.stackBuf[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	return ptr, nil
}

func (a *wazeroAllocator) Free(ptr, size, align uint32) {
	if ptr == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ctx := a.currentCtx
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	switch {
	case a.freeFn != nil:
		a.stackBuf[0] = uint64(ptr)
		err = a.freeFn.CallWithStack(ctx, a.stackBuf[:1])
	case a.reallocFn != nil:
		a.stackBuf[0] = uint64(ptr)
		a.stackBuf[1] = uint64(size)
		a.stackBuf[2] = uint64(align)
		a.stackBuf[3] = 0
		err = a.reallocFn.CallWithStack(ctx, a.stackBuf[:4])
	}
	if err != nil {
		Logger().Warn("failed to free guest allocation",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

// WazeroMemory wraps wazero memory to implement addonruntime.Memory
type WazeroMemory struct {
	mem api.Memory
}

func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseMemory, offset, length)
	}
	return data, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	if m.mem == nil {
		return errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, uint32(len(data)))
	}
	return nil
}

func (m *WazeroMemory) ReadU32(offset uint32) (uint32, error) {
	if m.mem == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 4)
	}
	return v, nil
}

func (m *WazeroMemory) ReadU64(offset uint32) (uint64, error) {
	if m.mem == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(errors.PhaseMemory, offset, 8)
	}
	return v, nil
}

func (m *WazeroMemory) WriteU32(offset uint32, value uint32) error {
	if m.mem == nil {
		return errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	if !m.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 4)
	}
	return nil
}

func (m *WazeroMemory) WriteU64(offset uint32, value uint64) error {
	if m.mem == nil {
		return errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	if !m.mem.WriteUint64Le(offset, value) {
		return errors.OutOfBounds(errors.PhaseMemory, offset, 8)
	}
	return nil
}

func (m *WazeroMemory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

// Compile-time interface checks
var (
	_ addonruntime.Memory      = (*WazeroMemory)(nil)
	_ addonruntime.MemorySizer = (*WazeroMemory)(nil)
	_ addonruntime.Allocator   = (*wazeroAllocator)(nil)
)
