// Package pmm implements the physical memory allocator. Frames are served by
// two buddy lists: a low list covering addresses below a configurable
// threshold (for callers that need memory reachable by legacy devices) and a
// high list covering everything above it.
package pmm

import (
	"sync/atomic"

	"chromaos/kernel"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
)

const (
	lowMaxOrder  = 32
	highMaxOrder = 64
)

var (
	log = kfmt.Logger("pmm")

	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrUnsupportedSize is reported when a request exceeds the maximum
	// order of a buddy list. Allocation requests surface it as
	// ErrOutOfMemory.
	ErrUnsupportedSize = &kernel.Error{Module: "pmm", Message: "unsupported block size"}

	// ErrAlignmentViolation is reported when a freed block is not aligned
	// to its order.
	ErrAlignmentViolation = &kernel.Error{Module: "pmm", Message: "block alignment violation"}

	// ErrFrameNotReferenced is reported when FreePage is called for a frame
	// with no outstanding references.
	ErrFrameNotReferenced = &kernel.Error{Module: "pmm", Message: "frame is not referenced"}
)

// Allocator is the physical memory allocator. It is constructed once at boot
// and every mutation goes through the lock of the buddy list it touches.
type Allocator struct {
	mem       physmem.Memory
	threshold uintptr

	low  *buddyList
	high *buddyList

	// top is the first address past the highest frame handed to the
	// allocator.
	top uintptr

	refCounts []atomic.Uint32
}

// NewAllocator returns an empty allocator whose low list covers addresses
// below threshold.
func NewAllocator(mem physmem.Memory, threshold uintptr) *Allocator {
	return &Allocator{
		mem:       mem,
		threshold: threshold,
		low:       newBuddyList("low", mem, 0, lowMaxOrder, false),
		high:      newBuddyList("high", mem, 0, highMaxOrder, true),
	}
}

// AddRange hands [base, base+size) to the allocator. A range straddling the
// threshold is split between the two lists.
func (a *Allocator) AddRange(base, size uintptr) {
	if size == 0 {
		return
	}

	end := base + size
	if end > a.top {
		a.top = mm.AlignUp(end, mm.PageSize)
	}

	if end <= a.threshold {
		log.Debug("new range in lower memory", "base", kfmt.Hex(base), "size", kfmt.Hex(size))
		a.low.registerRange(base, size)
		return
	}

	if base < a.threshold {
		lowSize := a.threshold - base
		log.Debug("range crosses the threshold; splitting",
			"base", kfmt.Hex(base), "low_size", kfmt.Hex(lowSize))
		a.low.registerRange(base, lowSize)
		base, size = a.threshold, size-lowSize
	}

	log.Debug("new range in higher memory", "base", kfmt.Hex(base), "size", kfmt.Hex(size))
	a.high.registerRange(base, size)
}

// Allocate reserves a block of at least size bytes. The high list is tried
// first; the low list serves the request when the high list cannot.
func (a *Allocator) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if addr, err := a.high.allocate(size); err == nil {
		return addr, nil
	}

	addr, err := a.low.allocate(size)
	if err != nil {
		log.Warn("physical allocation failed", "size", kfmt.Hex(size))
	}
	return addr, err
}

// AllocateLow reserves a block of at least size bytes below the threshold.
func (a *Allocator) AllocateLow(size uintptr) (uintptr, *kernel.Error) {
	addr, err := a.low.allocate(size)
	if err != nil {
		log.Warn("low physical allocation failed", "size", kfmt.Hex(size))
	}
	return addr, err
}

// AllocateZeroed behaves like Allocate and clears the first size bytes of the
// returned block.
func (a *Allocator) AllocateZeroed(size uintptr) (uintptr, *kernel.Error) {
	addr, err := a.Allocate(size)
	if err == nil {
		a.mem.Zero(addr, size)
	}
	return addr, err
}

// AllocateLowZeroed behaves like AllocateLow and clears the first size bytes
// of the returned block.
func (a *Allocator) AllocateLowZeroed(size uintptr) (uintptr, *kernel.Error) {
	addr, err := a.AllocateLow(size)
	if err == nil {
		a.mem.Zero(addr, size)
	}
	return addr, err
}

// Free returns a block obtained from Allocate or AllocateLow. size must be the
// size passed to the allocation call. The list is selected by the block's
// address.
func (a *Allocator) Free(addr, size uintptr) {
	if addr < a.threshold {
		a.low.free(addr, size)
		return
	}
	a.high.free(addr, size)
}

// Top returns the first address past the highest frame handed to the
// allocator.
func (a *Allocator) Top() uintptr {
	return a.top
}

// InitRefCounts sizes the per-frame reference counts from the top of memory
// observed so far. It must be called once all ranges have been added and
// before any page-level call.
func (a *Allocator) InitRefCounts() {
	a.refCounts = make([]atomic.Uint32, a.top>>mm.PageShift)
	log.Info("frame reference counts initialised", "frames", len(a.refCounts))
}

// AllocatePage reserves a single frame and sets its reference count to one.
func (a *Allocator) AllocatePage() (mm.Frame, *kernel.Error) {
	addr, err := a.Allocate(mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}

	frame := mm.FrameFromAddress(addr)
	a.RefPage(frame)
	return frame, nil
}

// AllocateZeroedPage behaves like AllocatePage and clears the frame. It
// matches mm.FrameAllocatorFn and backs page table allocations.
func (a *Allocator) AllocateZeroedPage() (mm.Frame, *kernel.Error) {
	frame, err := a.AllocatePage()
	if err == nil {
		a.mem.Zero(frame.Address(), mm.PageSize)
	}
	return frame, err
}

// RefPage adds a reference to frame.
func (a *Allocator) RefPage(frame mm.Frame) {
	a.refCounts[frame].Add(1)
}

// FreePage drops a reference to frame. The frame is returned to its buddy
// list when the last reference is dropped.
func (a *Allocator) FreePage(frame mm.Frame) {
	counter := &a.refCounts[frame]
	for {
		refs := counter.Load()
		if refs == 0 {
			kfmt.Panic(errors.Wrapf(ErrFrameNotReferenced, "frame 0x%x", frame.Address()))
			return
		}

		if counter.CompareAndSwap(refs, refs-1) {
			if refs == 1 {
				a.Free(frame.Address(), mm.PageSize)
			}
			return
		}
	}
}

// PageRefs returns the number of references held on frame.
func (a *Allocator) PageRefs(frame mm.Frame) uint32 {
	return a.refCounts[frame].Load()
}

// Stats describes the free memory held by each list.
type Stats struct {
	LowFree  mm.Size
	HighFree mm.Size
}

// Stats returns the free memory held by each list.
func (a *Allocator) Stats() Stats {
	return Stats{
		LowFree:  mm.Size(a.low.available()),
		HighFree: mm.Size(a.high.available()),
	}
}
