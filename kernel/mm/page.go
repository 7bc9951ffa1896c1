package mm

import (
	"math"

	"chromaos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn
)

// FrameAllocatorFn is a function that can allocate zeroed physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new page table frames need to be allocated. Frames
// returned by the allocator must be zeroed.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, ErrNoFrameAllocator
	}
	return frameAllocator()
}

// FrameReleaserFn returns a frame obtained from a FrameAllocatorFn.
type FrameReleaserFn func(Frame)

var frameReleaser FrameReleaserFn

// SetFrameReleaser registers the function used to hand back frames that were
// allocated through AllocFrame but ended up unused.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// ReleaseFrame returns frame to the active frame allocator. Frames are leaked
// when no releaser is registered.
func ReleaseFrame(frame Frame) {
	if frameReleaser != nil {
		frameReleaser(frame)
	}
}

// ErrNoFrameAllocator is returned by AllocFrame before an allocator has been
// registered.
var ErrNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
