package buffer

import (
	"sync"
	"sync/atomic"

	addonruntime "github.com/addonkit/addon-runtime"
	"github.com/addonkit/addon-runtime/errors"
)

// Strategy selects how Expose hands a block to the guest.
type Strategy uint8

const (
	// StrategyCopy duplicates the block into guest memory and releases the
	// native original synchronously, inside Expose. The safer default.
	StrategyCopy Strategy = iota

	// StrategyTransfer duplicates the block into guest memory and consumes
	// the native handle; the block stays host-owned until a Table drop
	// releases it at an arbitrary later time.
	StrategyTransfer
)

func (s Strategy) String() string {
	switch s {
	case StrategyCopy:
		return "copy"
	case StrategyTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Region locates a block inside guest linear memory.
type Region struct {
	Ptr uint32
	Len uint32
}

// Packed encodes the region as ptr<<32|len, the single-u64 convention for
// returning a (ptr, len) pair from a core wasm function.
func (r Region) Packed() uint64 {
	return uint64(r.Ptr)<<32 | uint64(r.Len)
}

// Unpack decodes a region produced by Packed.
func Unpack(v uint64) Region {
	return Region{Ptr: uint32(v >> 32), Len: uint32(v)}
}

// Ownership states. Transitions are one-way: native -> host -> released
// (transfer) or native -> released (copy).
const (
	stateNative int32 = iota
	stateHost
	stateReleased
)

// Buffer is a contiguous native block with an ownership state.
type Buffer struct {
	data   []byte
	state  atomic.Int32
	pooled bool
}

const maxPooledCapacity = 64 * 1024

var blockPool = sync.Pool{
	New: func() any {
		return &Buffer{data: make([]byte, 0, 512), pooled: true}
	},
}

// Acquire returns a native-owned block of length n from the pool.
func Acquire(n int) *Buffer {
	b := blockPool.Get().(*Buffer)
	if cap(b.data) < n {
		b.data = make([]byte, n)
	} else {
		b.data = b.data[:n]
	}
	b.state.Store(stateNative)
	return b
}

// Wrap adopts caller-provided bytes as a native-owned block. The storage is
// not pooled; Release only flips the state.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the block contents. Panics if the block is no longer
// native-owned: once transferred or released, native code must not touch it.
func (b *Buffer) Bytes() []byte {
	if b.state.Load() != stateNative {
		panic(errors.Ownership("access to a block the native side no longer owns"))
	}
	return b.data
}

// Len returns the block length without an ownership check, for logging.
func (b *Buffer) Len() int {
	return len(b.data)
}

// NativeOwned reports whether the native side still owns the block.
func (b *Buffer) NativeOwned() bool {
	return b.state.Load() == stateNative
}

// Release returns a native-owned block to the pool. Panics on a block that
// was transferred or already released: that is the double-free this package
// exists to prevent.
func (b *Buffer) Release() {
	if !b.state.CompareAndSwap(stateNative, stateReleased) {
		panic(errors.Ownership("release of a block the native side does not own"))
	}
	b.recycle()
}

// hostRelease is the deferred release path for transferred blocks. Only the
// Table calls it.
func (b *Buffer) hostRelease() {
	if !b.state.CompareAndSwap(stateHost, stateReleased) {
		panic(errors.Ownership("host release of a block that was not transferred"))
	}
	b.recycle()
}

func (b *Buffer) recycle() {
	if !b.pooled || cap(b.data) > maxPooledCapacity {
		return
	}
	b.data = b.data[:0]
	blockPool.Put(b)
}

// Expose writes the block into guest memory and applies the ownership
// strategy. Under StrategyCopy the native block is released before Expose
// returns, whether or not the guest allocation succeeded. StrategyTransfer
// is rejected here: a transferred block needs a deferred release path, and
// only Table.Transfer provides one.
func (b *Buffer) Expose(mem addonruntime.Memory, alloc addonruntime.Allocator, strategy Strategy) (Region, error) {
	if strategy == StrategyTransfer {
		return Region{}, errors.InvalidInput(errors.PhaseMemory, "transfer requires a release path; use Table.Transfer")
	}
	return b.expose(mem, alloc, strategy)
}

// expose is the shared write-and-settle path. Under StrategyTransfer a
// successful call consumes the handle and a failed call leaves the native
// side owning the block, responsible for its eventual release. Zero-length
// blocks produce Region{0, 0} without allocating.
func (b *Buffer) expose(mem addonruntime.Memory, alloc addonruntime.Allocator, strategy Strategy) (Region, error) {
	if b.state.Load() != stateNative {
		return Region{}, errors.Ownership("expose of a block the native side does not own")
	}

	n := uint32(len(b.data))
	if n == 0 {
		b.settle(strategy)
		return Region{}, nil
	}

	ptr, err := alloc.Alloc(n, 1)
	if err != nil {
		if strategy == StrategyCopy {
			b.Release()
		}
		return Region{}, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("allocate %d bytes in guest", n).
			Cause(err).
			Build()
	}

	if err := mem.Write(ptr, b.data); err != nil {
		alloc.Free(ptr, n, 1)
		if strategy == StrategyCopy {
			b.Release()
		}
		return Region{}, errors.Wrap(errors.PhaseMemory, errors.KindOutOfBounds, err, "write block to guest")
	}

	b.settle(strategy)
	return Region{Ptr: ptr, Len: n}, nil
}

// settle applies the post-copy ownership transition.
func (b *Buffer) settle(strategy Strategy) {
	if strategy == StrategyCopy {
		b.Release()
		return
	}
	b.state.Store(stateHost)
}
