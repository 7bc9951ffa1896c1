package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// DirectRegion is the virtual address at which all physical memory is
	// accessible from kernel context.
	DirectRegion = uintptr(0xFFFF800000000000)

	// KernelRegion is the virtual address the kernel image is linked at.
	KernelRegion = uintptr(0xFFFFFFFF80000000)

	// FramebufferRegion is the virtual address the boot framebuffer is
	// mapped at.
	FramebufferRegion = uintptr(0xFFFFFFFFFC000000)

	// LowerRegion is the default physical address below which frames are
	// served by the low allocator.
	LowerRegion = uintptr(0x100000000)
)
