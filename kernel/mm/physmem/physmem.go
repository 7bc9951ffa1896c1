// Package physmem provides access to physical memory contents. The kernel
// reaches every physical frame through the direct region; here the direct
// region is an arena of host memory covering physical addresses
// [0, Size()). Allocators keep their intrusive links inside this memory and
// refer to it by physical address only.
package physmem

import (
	"unsafe"

	"chromaos/kernel"
	"chromaos/kernel/mm"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidSize is returned when an arena of size 0 or of a size not
	// aligned to the page size is requested.
	ErrInvalidSize = &kernel.Error{Module: "physmem", Message: "arena size must be a non-zero multiple of the page size"}
)

// Memory is the interface through which allocators and page tables read and
// write physical memory.
type Memory interface {
	// ReadWord returns the 64-bit word stored at the 8-byte aligned
	// physical address addr.
	ReadWord(addr uintptr) uint64

	// WriteWord stores v at the 8-byte aligned physical address addr.
	WriteWord(addr uintptr, v uint64)

	// Zero clears size bytes starting at addr.
	Zero(addr, size uintptr)

	// Copy copies size bytes from src to dst. The ranges may overlap.
	Copy(dst, src, size uintptr)

	// Bytes returns a slice aliasing size bytes starting at addr.
	Bytes(addr, size uintptr) []byte
}

// Arena is a Memory implementation backed by host memory. Accesses outside
// [0, Size()) panic the same way an unmapped access faults.
type Arena struct {
	mem []byte
}

// New reserves an arena covering physical addresses [0, size).
func New(size uintptr) (*Arena, error) {
	if size == 0 || size&(mm.PageSize-1) != 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "size 0x%x", size)
	}

	mem, err := reserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving 0x%x bytes of physical memory", size)
	}

	return &Arena{mem: mem}, nil
}

// Release returns the arena's backing memory to the host. The arena must not
// be used afterwards.
func (a *Arena) Release() error {
	mem := a.mem
	a.mem = nil
	return release(mem)
}

// Size returns the number of bytes of physical memory covered by the arena.
func (a *Arena) Size() uintptr {
	return uintptr(len(a.mem))
}

// Contains returns true if [addr, addr+size) lies within the arena.
func (a *Arena) Contains(addr, size uintptr) bool {
	end := addr + size
	return end >= addr && end <= uintptr(len(a.mem))
}

// word returns a pointer to the 64-bit word at addr. This is the only place
// where arena memory is reinterpreted.
func (a *Arena) word(addr uintptr) *uint64 {
	if addr&7 != 0 {
		panic(errors.Newf("physmem: unaligned word access at 0x%x", addr))
	}
	return (*uint64)(unsafe.Pointer(&a.mem[addr : addr+8][0]))
}

// ReadWord implements Memory.
func (a *Arena) ReadWord(addr uintptr) uint64 {
	return *a.word(addr)
}

// WriteWord implements Memory.
func (a *Arena) WriteWord(addr uintptr, v uint64) {
	*a.word(addr) = v
}

// Zero implements Memory. The first byte is cleared and the run is doubled
// with log2(size) copies.
func (a *Arena) Zero(addr, size uintptr) {
	if size == 0 {
		return
	}

	target := a.mem[addr : addr+size]
	target[0] = 0
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Copy implements Memory.
func (a *Arena) Copy(dst, src, size uintptr) {
	if size == 0 {
		return
	}
	copy(a.mem[dst:dst+size], a.mem[src:src+size])
}

// Bytes implements Memory.
func (a *Arena) Bytes(addr, size uintptr) []byte {
	return a.mem[addr : addr+size : addr+size]
}
