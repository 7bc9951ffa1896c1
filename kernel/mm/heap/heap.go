package heap

import (
	"chromaos/kernel"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/physmem"
	"chromaos/kernel/sync"
)

var log = kfmt.Logger("heap")

// PhysicalAllocator supplies the memory backing heap pools.
type PhysicalAllocator interface {
	Allocate(size uintptr) (uintptr, *kernel.Error)
	Free(addr, size uintptr)
}

// Heap is the kernel heap. A single ticket lock guards the TLSF control
// block. When a request cannot be served the heap draws a new pool from the
// physical allocator, with its own lock released, and retries once.
type Heap struct {
	lock sync.TicketLock
	ctrl *Control
	phys PhysicalAllocator

	minGrowth uintptr

	// grown tracks pools obtained after construction; only these are
	// handed back by Trim.
	grown []Pool
}

// New creates a heap with an initial pool of at least initialSize bytes.
// Later pools are at least minGrowth bytes long. Pool sizes are rounded up
// to a power of two so that they map onto a single physical block.
func New(mem physmem.Memory, phys PhysicalAllocator, initialSize, minGrowth uintptr) (*Heap, *kernel.Error) {
	h := &Heap{
		ctrl:      NewControl(mem),
		phys:      phys,
		minGrowth: minGrowth,
	}

	size := roundPoolSize(initialSize)
	addr, err := phys.Allocate(size)
	if err != nil {
		return nil, err
	}

	if err = h.ctrl.AddPool(addr, size); err != nil {
		phys.Free(addr, size)
		return nil, err
	}

	log.Info("kernel heap initialised", "pool", kfmt.Hex(addr), "size", mm.Size(size))
	return h, nil
}

func roundPoolSize(size uintptr) uintptr {
	if size < mm.PageSize {
		return mm.PageSize
	}

	rounded := uintptr(1)
	for rounded < size {
		rounded <<= 1
	}
	return rounded
}

// grow adds a pool able to hold a block of at least need bytes.
func (h *Heap) grow(need uintptr) bool {
	size := searchSize(need) + PoolOverhead
	if size < h.minGrowth {
		size = h.minGrowth
	}
	size = roundPoolSize(size)

	addr, err := h.phys.Allocate(size)
	if err != nil {
		log.Warn("unable to grow the heap", "size", mm.Size(size), "err", err)
		return false
	}

	h.lock.Acquire()
	err = h.ctrl.AddPool(addr, size)
	if err == nil {
		h.grown = append(h.grown, Pool{Addr: addr, Size: size})
	}
	h.lock.Release()

	if err != nil {
		h.phys.Free(addr, size)
		return false
	}

	log.Debug("heap grown", "pool", kfmt.Hex(addr), "size", mm.Size(size))
	return true
}

func (h *Heap) locked(op func() (uintptr, *kernel.Error)) (uintptr, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()
	return op()
}

// withRetry runs op under the heap lock. If op runs out of memory the heap
// grows to fit a block of need bytes and op runs once more.
func (h *Heap) withRetry(need uintptr, op func() (uintptr, *kernel.Error)) (uintptr, *kernel.Error) {
	addr, err := h.locked(op)
	if err != ErrOutOfMemory || need == 0 || !h.grow(need) {
		return addr, err
	}

	return h.locked(op)
}

// Allocate reserves size bytes and returns the payload address.
func (h *Heap) Allocate(size uintptr) (uintptr, *kernel.Error) {
	return h.withRetry(alignRequestSize(size, AlignSize), func() (uintptr, *kernel.Error) {
		return h.ctrl.Allocate(size)
	})
}

// AllocateAligned reserves size bytes at an address that is a multiple of
// align.
func (h *Heap) AllocateAligned(align, size uintptr) (uintptr, *kernel.Error) {
	need := alignRequestSize(size, AlignSize)
	if need != 0 && align > AlignSize {
		need = alignRequestSize(need+align+headerSize, align)
	}

	return h.withRetry(need, func() (uintptr, *kernel.Error) {
		return h.ctrl.AllocateAligned(align, size)
	})
}

// Realloc resizes the block at addr; see Control.Realloc.
func (h *Heap) Realloc(addr, newSize uintptr) (uintptr, *kernel.Error) {
	return h.withRetry(alignRequestSize(newSize, AlignSize), func() (uintptr, *kernel.Error) {
		return h.ctrl.Realloc(addr, newSize)
	})
}

// Free releases the block at addr.
func (h *Heap) Free(addr uintptr) {
	h.lock.Acquire()
	defer h.lock.Release()
	h.ctrl.Free(addr)
}

// BlockSize returns the payload size of the block at addr.
func (h *Heap) BlockSize(addr uintptr) uintptr {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.ctrl.BlockSize(addr)
}

// Trim hands every fully free grown pool back to the physical allocator and
// returns the number of bytes released.
func (h *Heap) Trim() uintptr {
	var released []Pool

	h.lock.Acquire()
	kept := h.grown[:0]
	for _, p := range h.grown {
		if h.ctrl.RemovePool(p.Addr) == nil {
			released = append(released, p)
			continue
		}
		kept = append(kept, p)
	}
	h.grown = kept
	h.lock.Release()

	var total uintptr
	for _, p := range released {
		h.phys.Free(p.Addr, p.Size)
		total += p.Size
	}

	if total != 0 {
		log.Debug("heap trimmed", "pools", len(released), "bytes", mm.Size(total))
	}
	return total
}

// Walk visits every block of every pool. The heap lock is held for the
// duration of the walk so visitor must not call back into the heap.
func (h *Heap) Walk(visitor BlockVisitor) {
	h.lock.Acquire()
	defer h.lock.Release()
	h.ctrl.Walk(visitor)
}

// Stats returns the heap usage.
func (h *Heap) Stats() Stats {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.ctrl.Stats()
}

// Check verifies the heap's internal consistency.
func (h *Heap) Check() error {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.ctrl.Check()
}
