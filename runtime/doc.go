// Package runtime is the high-level API for exposing native functions to
// WebAssembly guest modules.
//
// A Runtime owns an export surface, populated once before the first Load:
//
//	rt, _ := runtime.New(ctx)
//	rt.Init(func(exp *runtime.Exports) error {
//	    return exp.Set("hello", func(ctx context.Context, call *runtime.Call) error {
//	        return call.SetReturnText("hello " + call.Text(0))
//	    })
//	})
//
// The first Load seals the surface; registration afterward fails with a
// structured sealed error. Guests import the functions from the "env"
// module and call them with (ptr, len) text arguments; a (0, 0) pair reads
// as a missing argument, which Text coerces to "".
//
// Call is the per-invocation context: the ordered argument values, the
// return setter, and the buffer-exposure entry points. It is valid only for
// the duration of the handler; retained contexts answer with expired errors
// and missing values.
package runtime
