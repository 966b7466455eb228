// Package buffer implements the ownership contract for native byte blocks
// crossing into guest memory.
//
// Every Buffer is in exactly one ownership state at any instant:
//
//   - native-owned: the Go side holds the block and must release it.
//   - host-owned: the block was transferred; only the instance's Table may
//     release it, through the guest's drop callback or table close.
//   - released: the storage has been returned to the pool.
//
// Expose moves bytes into guest memory under one of two strategies.
// StrategyCopy releases the native block synchronously before Expose
// returns, on success and failure paths alike. StrategyTransfer consumes
// the native handle; release happens later through a Table, so transfers
// only run through Table.Transfer and bare Expose rejects the strategy.
// Releasing a
// block twice, or from the wrong side, panics with an ownership violation:
// this misuse is a programming error, not a recoverable condition.
package buffer
