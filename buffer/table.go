package buffer

import (
	"sync"

	addonruntime "github.com/addonkit/addon-runtime"
	"github.com/addonkit/addon-runtime/errors"
)

// Table tracks blocks transferred to a guest instance, keyed by the guest
// pointer they were written to. The guest's release callback drops an
// entry; Close drops everything still outstanding. A drop is the one
// legitimate release path for a transferred block.
type Table struct {
	entries map[uint32]*Buffer
	mu      sync.Mutex
	closed  bool
}

func NewTable() *Table {
	return &Table{
		entries: make(map[uint32]*Buffer),
	}
}

// Transfer exposes b under StrategyTransfer and records it for deferred
// release. Zero-length blocks carry nothing worth retaining and are
// released immediately.
func (t *Table) Transfer(b *Buffer, mem addonruntime.Memory, alloc addonruntime.Allocator) (Region, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Region{}, errors.InvalidInput(errors.PhaseMemory, "transfer on a closed buffer table")
	}
	t.mu.Unlock()

	region, err := b.expose(mem, alloc, StrategyTransfer)
	if err != nil {
		return Region{}, err
	}

	if region.Len == 0 {
		b.hostRelease()
		return region, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// Instance closed between expose and insert; release now.
		b.hostRelease()
		return Region{}, errors.InvalidInput(errors.PhaseMemory, "transfer on a closed buffer table")
	}
	if prev, ok := t.entries[region.Ptr]; ok {
		// The guest allocator reused a pointer still on record, so the old
		// region is gone; release the displaced block now.
		prev.hostRelease()
	}
	t.entries[region.Ptr] = b
	return region, nil
}

// Drop releases the block transferred at ptr. Reports whether an entry
// existed; a second drop of the same pointer is a no-op, not a double free.
func (t *Table) Drop(ptr uint32) bool {
	t.mu.Lock()
	b, ok := t.entries[ptr]
	if ok {
		delete(t.entries, ptr)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	b.hostRelease()
	return true
}

// Len returns the number of outstanding transferred blocks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close releases all outstanding blocks and rejects further transfers.
func (t *Table) Close() error {
	t.mu.Lock()
	remaining := t.entries
	t.entries = make(map[uint32]*Buffer)
	t.closed = true
	t.mu.Unlock()

	for _, b := range remaining {
		b.hostRelease()
	}
	return nil
}
