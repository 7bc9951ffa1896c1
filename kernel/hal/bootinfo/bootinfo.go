// Package bootinfo decodes the information handed to the kernel by the
// bootloader: the firmware memory map and the physical ranges occupied by the
// kernel image and the framebuffer.
package bootinfo

import (
	"encoding/binary"
	"strings"

	"chromaos/kernel/mm"

	"github.com/cockroachdb/errors"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint8

const (
	// MemReserved indicates that the memory region is not available for use.
	MemReserved MemoryEntryType = iota

	// MemFree indicates that the memory region is available for use.
	MemFree

	// MemACPI indicates that the memory region holds ACPI tables. It must
	// be mapped but not handed to the allocators.
	MemACPI

	// MemMMIO indicates that the memory region belongs to a device.
	MemMMIO
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemFree:
		return "free"
	case MemACPI:
		return "ACPI"
	case MemMMIO:
		return "MMIO"
	default:
		return "reserved"
	}
}

// UnmarshalText parses the names produced by String, ignoring case.
func (t *MemoryEntryType) UnmarshalText(text []byte) error {
	for candidate := MemReserved; candidate <= MemMMIO; candidate++ {
		if strings.EqualFold(candidate.String(), string(text)) {
			*t = candidate
			return nil
		}
	}
	return errors.Newf("unknown memory region type %q", text)
}

const (
	// EntrySize is the size in bytes of an encoded memory map entry.
	EntrySize = 16

	typeMask = 0xF
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region in bytes. Always a multiple of 16.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the first physical address past the region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// MemoryMap is the raw memory map as supplied by the firmware: a sequence of
// 16-byte entries, each holding a little-endian base address followed by a
// little-endian word whose low 4 bits select the entry type and whose
// remaining bits give the region size. A trailing partial entry is ignored.
type MemoryMap []byte

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Len returns the number of complete entries in the map.
func (m MemoryMap) Len() int {
	return len(m) / EntrySize
}

// Entry decodes the entry at index.
func (m MemoryMap) Entry(index int) MemoryMapEntry {
	raw := m[index*EntrySize : (index+1)*EntrySize]
	sizeAndType := binary.LittleEndian.Uint64(raw[8:])

	entry := MemoryMapEntry{
		PhysAddress: binary.LittleEndian.Uint64(raw[:8]),
		Length:      sizeAndType &^ typeMask,
		Type:        MemoryEntryType(sizeAndType & typeMask),
	}

	// Mark unknown entry types as reserved
	if entry.Type > MemMMIO {
		entry.Type = MemReserved
	}

	return entry
}

// VisitMemRegions invokes the supplied visitor for each memory region in the
// map.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	for index := 0; index < m.Len(); index++ {
		entry := m.Entry(index)
		if !visitor(&entry) {
			return
		}
	}
}

// Summary describes the contents of a memory map.
type Summary struct {
	Entries   int
	FreeBytes mm.Size
	// TotalBytes counts every region regardless of type.
	TotalBytes mm.Size
	// Top is the highest address covered by a free or ACPI region.
	Top uintptr
}

// Summarize scans the map once and returns its Summary.
func (m MemoryMap) Summarize() Summary {
	var s Summary
	m.VisitMemRegions(func(e *MemoryMapEntry) bool {
		s.Entries++
		s.TotalBytes += mm.Size(e.Length)
		if e.Type == MemFree {
			s.FreeBytes += mm.Size(e.Length)
		}
		if (e.Type == MemFree || e.Type == MemACPI) && uintptr(e.End()) > s.Top {
			s.Top = uintptr(e.End())
		}
		return true
	})
	return s
}

// EncodeMemoryMap builds a raw memory map from the supplied entries. Entry
// lengths are truncated to a multiple of 16 bytes.
func EncodeMemoryMap(entries []MemoryMapEntry) MemoryMap {
	out := make(MemoryMap, len(entries)*EntrySize)
	for index, e := range entries {
		raw := out[index*EntrySize:]
		binary.LittleEndian.PutUint64(raw[:8], e.PhysAddress)
		binary.LittleEndian.PutUint64(raw[8:16], (e.Length&^typeMask)|uint64(e.Type&typeMask))
	}
	return out
}

// Range describes a contiguous physical memory range.
type Range struct {
	Base uintptr
	Size uintptr
}

// Empty returns true if the range covers no bytes.
func (r Range) Empty() bool {
	return r.Size == 0
}

// Info bundles everything the memory subsystem needs from the bootloader.
type Info struct {
	MemoryMap MemoryMap

	// KernelImage is the physical range the kernel was loaded at.
	KernelImage Range

	// Framebuffer is the physical range of the linear framebuffer. It is
	// empty when no framebuffer was set up.
	Framebuffer Range
}
