package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// entriesPerTable is the number of entries in a table at any level.
	entriesPerTable = 1 << 9

	// kernelTableStart is the index of the first top-level entry covering
	// the upper half of the address space. Entries from this index onwards
	// are shared by every address space.
	kernelTableStart = entriesPerTable / 2

	// directRegionSize bounds the direct region; virtual ranges handed out by
	// ReserveRegion never reach below its end.
	directRegionSize = uintptr(1) << 46
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages. It
	// is only meaningful for intermediate entries.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)

// FlagPAT selects the upper half of the page attribute table for a leaf
// entry. It shares its bit with FlagHugePage.
const FlagPAT = FlagHugePage

const (
	// intermediateFlags are the permission flags propagated into every
	// intermediate entry visited by Map.
	intermediateFlags = FlagRW | FlagUserAccessible

	// cacheFlags are the leaf bits that select the memory type.
	cacheFlags = FlagWriteThroughCaching | FlagDoNotCache | FlagPAT
)
