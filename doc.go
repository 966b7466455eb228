// Package addonruntime provides an addon-style boundary between native Go
// code and WebAssembly guest modules.
//
// The library lets an application attach named native functions to an export
// surface, load a guest module that imports them, and pass text and byte
// buffers across the boundary under an explicit ownership contract.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	addonruntime/        Root package with core Memory and Allocator interfaces
//	├── runtime/         High-level API: export surface, call context, instances
//	├── engine/          Low-level wazero integration and host trampolines
//	├── buffer/          Owned byte blocks, Transfer/Copy exposure, handle table
//	├── value/           Tagged-union call argument values
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
// Register a native function and run a guest that imports it:
//
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	rt.Init(func(exp *runtime.Exports) error {
//	    return exp.Set("hello", func(ctx context.Context, call *runtime.Call) error {
//	        return call.SetReturnText("hello " + call.Text(0))
//	    })
//	})
//
//	mod, err := rt.Load(ctx, wasmBytes, witText)
//	inst, err := mod.Instantiate(ctx)
//	defer inst.Close(ctx)
//
//	result, err := inst.Call(ctx, "greet", "Sam")
//
// # Buffer Ownership
//
// Native byte blocks handed to the guest are in exactly one ownership state
// at any instant. Under the Copy strategy the native block is released
// synchronously before the exposing call returns. Under the Transfer
// strategy the native handle is consumed at the instant of the call and the
// block is released later through the instance's buffer table, when the
// guest drops it or the instance closes. There is no shared-ownership state;
// releasing a transferred block from native code panics.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. Instance is NOT thread-safe
// and should be used by a single goroutine, or access must be synchronized.
// Host function calls themselves are reentrant and keep no cross-call state.
//
// # Memory Model
//
// WASM linear memory can only grow, never shrink. This is a WebAssembly
// specification limitation. When guest applications free memory, it remains
// allocated but available for reuse within the WASM instance.
package addonruntime
