// Package engine provides the low-level wazero integration.
//
// It compiles guest modules, materializes the host import module from
// attached functions, and adapts guest memory and the guest's exported
// allocator to the root Memory and Allocator interfaces.
//
// Host functions attach with a FuncSpec describing how their parameters are
// lowered on the wasm stack: text and bytes as (ptr, len) pairs, numbers as
// f64, bools as i32. A text return travels back as a single u64 packing
// ptr<<32|len, allocated in guest memory through the guest's allocator.
//
// A handler error panics out of the trampoline; wazero recovers host-side
// panics and surfaces them as an error from the guest call, so a failing
// handler never terminates the process.
//
// The allocator is resolved per instance in convention order: cabi_realloc
// first, then malloc/free. Instances without an exported allocator can still
// call host functions that return nothing.
package engine
