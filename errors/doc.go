// Package errors provides structured error types for the addon-runtime library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: export name, value path, and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCall, errors.KindConversion).
//		Export("hello").
//		Path("arg0").
//		Detail("argument is not text").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.AllocationFailed(errors.PhaseMemory, 4096, 8)
//	err := errors.Sealed("hello")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
