package vmm

import (
	"chromaos/kernel"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/physmem"
	"chromaos/kernel/sync"
)

var errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// AddressSpace owns a four level page table tree. Table frames are reached
// through the physical memory arena. A ticket lock serializes every walk and
// mutation of the tree; switching a processor onto the space is not
// synchronized.
type AddressSpace struct {
	lock sync.TicketLock
	mem  physmem.Memory
	root mm.Frame

	// user is set for spaces built by NewUserAddressSpace. Their upper half
	// tables belong to the kernel space and are guarded by its lock.
	user bool

	// reserveLastUsed tracks the last reserved page address and is
	// decreased after each ReserveRegion request.
	reserveLastUsed uintptr
}

// NewAddressSpace allocates and clears a top-level table for a new address
// space.
func NewAddressSpace(mem physmem.Memory) (*AddressSpace, *kernel.Error) {
	root, err := allocTable(mem)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		mem:             mem,
		root:            root,
		reserveLastUsed: mm.KernelRegion,
	}, nil
}

// NewUserAddressSpace creates an address space whose upper half shares the
// tables of kernel. Only the top-level entries are copied, so later kernel
// mappings below those entries are visible in both spaces.
//
// Map, Unmap and SetCachePolicy reject upper half pages on the returned space;
// kernel mappings must be changed through kernel. User address spaces are not
// otherwise managed: nothing tracks or frees the lower half tables they
// accumulate.
func NewUserAddressSpace(kernelSpace *AddressSpace) (*AddressSpace, *kernel.Error) {
	as, err := NewAddressSpace(kernelSpace.mem)
	if err != nil {
		return nil, err
	}

	as.user = true

	kernelSpace.lock.Acquire()
	defer kernelSpace.lock.Release()

	for index := uintptr(kernelTableStart); index < entriesPerTable; index++ {
		as.writeEntry(as.entryAddr(as.root, index), kernelSpace.readEntry(kernelSpace.entryAddr(kernelSpace.root, index)))
	}
	return as, nil
}

// sharedWithKernel reports whether virtAddr falls under a top-level entry
// that this space shares with the kernel space.
func (as *AddressSpace) sharedWithKernel(virtAddr uintptr) bool {
	return as.user && virtAddr >= mm.DirectRegion
}

func allocTable(mem physmem.Memory) (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	mem.Zero(frame.Address(), mm.PageSize)
	return frame, nil
}

// Root returns the frame holding the top-level table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// Activate switches the local processor onto this address space. The caller
// must make sure the tables are fully built first.
func (as *AddressSpace) Activate() {
	switchPDTFn(as.root.Address())
}

// Active returns true if the local processor currently uses this address
// space.
func (as *AddressSpace) Active() bool {
	return activePDTFn() == as.root.Address()
}

func (as *AddressSpace) entryAddr(table mm.Frame, index uintptr) uintptr {
	return table.Address() + (index << mm.PointerShift)
}

func (as *AddressSpace) readEntry(entryAddr uintptr) pageTableEntry {
	return pageTableEntry(as.mem.ReadWord(entryAddr))
}

func (as *AddressSpace) writeEntry(entryAddr uintptr, pte pageTableEntry) {
	as.mem.WriteWord(entryAddr, uint64(pte))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the physical address of the
// entry and its contents. If the function returns false, then the page walk
// is aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walker may rewrite the entry; the walk descends into the
// table the entry points to once walkFn returns.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := as.root
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := as.entryAddr(table, tableIndex(virtAddr, level))
		if !walkFn(level, entryAddr, as.readEntry(entryAddr)) {
			return
		}

		table = as.readEntry(entryAddr).Frame()
	}
}

// ReserveRegion reserves a page-aligned contiguous virtual memory region with
// the requested size and returns its virtual address. If size is not a
// multiple of mm.PageSize it will be automatically rounded up.
//
// Regions are handed out downwards from the kernel region and are never
// returned.
func (as *AddressSpace) ReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = mm.AlignUp(size, mm.PageSize)

	as.lock.Acquire()
	defer as.lock.Release()

	// reserving a region of the requested size would run into the direct
	// region
	if size == 0 || size > as.reserveLastUsed-(mm.DirectRegion+directRegionSize) {
		return 0, errReserveNoSpace
	}

	as.reserveLastUsed -= size
	return as.reserveLastUsed, nil
}
