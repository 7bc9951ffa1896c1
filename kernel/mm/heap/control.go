// Package heap implements the kernel heap: a two-level segregated fit (TLSF)
// allocator whose blocks live in physical memory pools drawn from the
// physical allocator.
package heap

import (
	"math/bits"

	"chromaos/kernel"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidSize is returned for zero sized allocation requests.
	ErrInvalidSize = &kernel.Error{Module: "heap", Message: "invalid allocation size"}

	// ErrInvalidAlignment is returned when an aligned allocation requests
	// an alignment that is not a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}

	// ErrInvalidPoolSize is returned when a pool is too small to hold a
	// block or too large to be classed.
	ErrInvalidPoolSize = &kernel.Error{Module: "heap", Message: "pool size out of bounds"}

	// ErrPoolInUse is returned when removing a pool that still holds used
	// blocks.
	ErrPoolInUse = &kernel.Error{Module: "heap", Message: "pool is in use"}

	// ErrDoubleFree is reported when a block that is already free is
	// released or resized.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "block is already free"}

	// ErrAlignmentViolation is reported when a pool or payload address is
	// not aligned to AlignSize.
	ErrAlignmentViolation = &kernel.Error{Module: "heap", Message: "address alignment violation"}
)

// Pool describes a contiguous region managed by a Control.
type Pool struct {
	Addr uintptr
	Size uintptr
}

// Control holds the TLSF free lists and their bitmaps. A first level bit is
// set iff the matching second level bitmap is non-zero, and a second level
// bit is set iff the matching list is non-empty.
//
// Control is not safe for concurrent use; Heap serializes access to it.
type Control struct {
	mem physmem.Memory

	flBitmap uint32
	slBitmap [flIndexCount]uint32
	blocks   [flIndexCount][slIndexCount]block

	pools []Pool
}

// NewControl returns a Control with no pools.
func NewControl(mem physmem.Memory) *Control {
	return &Control{mem: mem}
}

func fatal(sentinel *kernel.Error, format string, args ...interface{}) {
	kfmt.Panic(errors.Wrapf(sentinel, format, args...))
}

func (c *Control) insertFree(b block, fl, sl int) {
	head := c.blocks[fl][sl]

	if b.payload()&(AlignSize-1) != 0 {
		fatal(ErrAlignmentViolation, "inserting block 0x%x", uintptr(b))
		return
	}

	c.setFreeNext(b, head)
	c.setFreePrev(b, nullBlock)
	if head != nullBlock {
		c.setFreePrev(head, b)
	}

	c.blocks[fl][sl] = b
	c.flBitmap |= 1 << uint(fl)
	c.slBitmap[fl] |= 1 << uint(sl)
}

func (c *Control) removeFree(b block, fl, sl int) {
	prev, next := c.freePrev(b), c.freeNext(b)
	if next != nullBlock {
		c.setFreePrev(next, prev)
	}
	if prev != nullBlock {
		c.setFreeNext(prev, next)
	}

	if c.blocks[fl][sl] != b {
		return
	}

	c.blocks[fl][sl] = next
	if next == nullBlock {
		c.slBitmap[fl] &^= 1 << uint(sl)
		if c.slBitmap[fl] == 0 {
			c.flBitmap &^= 1 << uint(fl)
		}
	}
}

func (c *Control) insertBlock(b block) {
	fl, sl := mapping(c.size(b))
	c.insertFree(b, fl, sl)
}

func (c *Control) removeBlock(b block) {
	fl, sl := mapping(c.size(b))
	c.removeFree(b, fl, sl)
}

// findSuitable returns the head of the first non-empty bucket at or above
// (fl, sl) together with its indices.
func (c *Control) findSuitable(fl, sl int) (block, int, int) {
	slMap := c.slBitmap[fl] & (^uint32(0) << uint(sl))
	if slMap == 0 {
		flMap := c.flBitmap & (^uint32(0) << uint(fl+1))
		if flMap == 0 {
			return nullBlock, 0, 0
		}

		fl = bits.TrailingZeros32(flMap)
		slMap = c.slBitmap[fl]
	}

	sl = bits.TrailingZeros32(slMap)
	return c.blocks[fl][sl], fl, sl
}

func (c *Control) locateFree(size uintptr) block {
	if size == 0 {
		return nullBlock
	}

	fl, sl := mapping(searchSize(size))
	if fl >= flIndexCount {
		return nullBlock
	}

	b, fl, sl := c.findSuitable(fl, sl)
	if b != nullBlock {
		c.removeFree(b, fl, sl)
	}
	return b
}

func (c *Control) canSplit(b block, size uintptr) bool {
	return c.size(b) >= headerSize+size
}

// split carves the bytes of b past size into a new free block and returns it.
func (c *Control) split(b block, size uintptr) block {
	rest := block(b.payload() + size - BlockOverhead)
	c.initHeader(rest, c.size(b)-(size+BlockOverhead))
	c.setSize(b, size)
	c.markFree(rest)
	return rest
}

// absorb merges b into its physically previous block prev.
func (c *Control) absorb(prev, b block) block {
	c.setWord(prev, offSize, c.word(prev, offSize)+c.size(b)+BlockOverhead)
	c.linkNext(prev)
	return prev
}

func (c *Control) mergePrev(b block) block {
	if !c.prevIsFree(b) {
		return b
	}

	prev := c.physPrev(b)
	c.removeBlock(prev)
	return c.absorb(prev, b)
}

func (c *Control) mergeNext(b block) block {
	next := c.next(b)
	if !c.isFree(next) {
		return b
	}

	c.removeBlock(next)
	return c.absorb(b, next)
}

// trimFree returns the tail of a free block past size to the free lists.
func (c *Control) trimFree(b block, size uintptr) {
	if !c.canSplit(b, size) {
		return
	}

	rest := c.split(b, size)
	c.linkNext(b)
	c.setFlag(rest, flagPrevFree, true)
	c.insertBlock(rest)
}

// trimUsed returns the tail of a used block past size to the free lists,
// merging it with the following block if that one is free.
func (c *Control) trimUsed(b block, size uintptr) {
	if !c.canSplit(b, size) {
		return
	}

	rest := c.split(b, size)
	c.setFlag(rest, flagPrevFree, false)
	rest = c.mergeNext(rest)
	c.insertBlock(rest)
}

// trimLeadingFree returns the first gap bytes of a free block to the free
// lists and returns the block that starts gap bytes later.
func (c *Control) trimLeadingFree(b block, gap uintptr) block {
	if c.size(b) < gap+MinBlockSize {
		return b
	}

	rest := c.split(b, gap-BlockOverhead)
	c.setFlag(rest, flagPrevFree, true)
	c.linkNext(b)
	c.insertBlock(b)
	return rest
}

func (c *Control) prepareUsed(b block, size uintptr) uintptr {
	c.trimFree(b, size)
	c.markUsed(b)
	return b.payload()
}

// Allocate reserves a block of at least size bytes and returns its payload
// address.
func (c *Control) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	adjusted := alignRequestSize(size, AlignSize)
	b := c.locateFree(adjusted)
	if b == nullBlock {
		return 0, ErrOutOfMemory
	}

	return c.prepareUsed(b, adjusted), nil
}

// AllocateAligned reserves a block of at least size bytes whose payload
// address is a multiple of align.
func (c *Control) AllocateAligned(align, size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	adjusted := alignRequestSize(size, AlignSize)
	if adjusted == 0 {
		return 0, ErrOutOfMemory
	}

	searchFor := adjusted
	if align > AlignSize {
		searchFor = alignRequestSize(adjusted+align+headerSize, align)
	}

	b := c.locateFree(searchFor)
	if b == nullBlock {
		return 0, ErrOutOfMemory
	}

	addr := b.payload()
	aligned := (addr + align - 1) &^ (align - 1)
	if gap := aligned - addr; gap != 0 {
		// The leading gap must be able to hold a complete free block.
		if gap < headerSize {
			offset := headerSize - gap
			if offset < align {
				offset = align
			}
			aligned = (aligned + offset + align - 1) &^ (align - 1)
			gap = aligned - addr
		}

		b = c.trimLeadingFree(b, gap)
	}

	return c.prepareUsed(b, adjusted), nil
}

// Free releases the block whose payload starts at addr. Freeing 0 is a no-op.
func (c *Control) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	if addr&(AlignSize-1) != 0 {
		fatal(ErrAlignmentViolation, "free of 0x%x", addr)
		return
	}

	b := blockFromPayload(addr)
	if c.isFree(b) {
		fatal(ErrDoubleFree, "free of 0x%x", addr)
		return
	}

	c.markFree(b)
	b = c.mergePrev(b)
	b = c.mergeNext(b)
	c.insertBlock(b)
}

// Realloc resizes the block at addr to newSize bytes. A zero addr allocates;
// a zero newSize frees addr and returns 0. Blocks shrink or grow into a free
// successor in place; otherwise the contents are moved to a new block. On
// failure the original block is left untouched.
func (c *Control) Realloc(addr, newSize uintptr) (uintptr, *kernel.Error) {
	switch {
	case addr == 0:
		return c.Allocate(newSize)
	case newSize == 0:
		c.Free(addr)
		return 0, nil
	}

	b := blockFromPayload(addr)
	if c.isFree(b) {
		fatal(ErrDoubleFree, "realloc of 0x%x", addr)
		return 0, ErrDoubleFree
	}

	adjusted := alignRequestSize(newSize, AlignSize)
	if adjusted == 0 {
		return 0, ErrOutOfMemory
	}

	var (
		next     = c.next(b)
		current  = c.size(b)
		combined = current + c.size(next) + BlockOverhead
	)

	if adjusted > current && (!c.isFree(next) || adjusted > combined) {
		moved, err := c.Allocate(newSize)
		if err != nil {
			return 0, err
		}

		keep := current
		if newSize < keep {
			keep = newSize
		}
		c.mem.Copy(moved, addr, keep)
		c.Free(addr)
		return moved, nil
	}

	if adjusted > current {
		c.mergeNext(b)
		c.markUsed(b)
	}

	c.trimUsed(b, adjusted)
	return addr, nil
}

// BlockSize returns the payload size of the block at addr, or 0 for addr 0.
func (c *Control) BlockSize(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	return c.size(blockFromPayload(addr))
}

// AddPool hands [addr, addr+size) to the allocator as one free block followed
// by a zero sized used sentinel that bounds coalescing.
func (c *Control) AddPool(addr, size uintptr) *kernel.Error {
	if addr&(AlignSize-1) != 0 {
		fatal(ErrAlignmentViolation, "pool at 0x%x", addr)
		return ErrAlignmentViolation
	}

	if size < PoolOverhead+MinBlockSize {
		return ErrInvalidPoolSize
	}

	poolBytes := (size - PoolOverhead) &^ (AlignSize - 1)
	if poolBytes < MinBlockSize || poolBytes >= MaxBlockSize {
		return ErrInvalidPoolSize
	}

	// The first header starts one word before the pool; its physical
	// predecessor field is never read because the block's prev-free flag
	// stays clear.
	b := block(addr - BlockOverhead)
	c.initHeader(b, poolBytes)
	c.setFlag(b, flagFree, true)
	c.insertBlock(b)

	sentinel := c.linkNext(b)
	c.initHeader(sentinel, 0)
	c.setFlag(sentinel, flagPrevFree, true)

	c.pools = append(c.pools, Pool{Addr: addr, Size: poolBytes + PoolOverhead})
	return nil
}

// RemovePool withdraws a pool added by AddPool. The pool must consist of a
// single free block abutting its sentinel.
func (c *Control) RemovePool(addr uintptr) *kernel.Error {
	index := c.poolIndex(addr)
	if index < 0 {
		return ErrPoolInUse
	}

	b := block(addr - BlockOverhead)
	if !c.isFree(b) {
		return ErrPoolInUse
	}
	if next := c.next(b); c.isFree(next) || !c.isLast(next) {
		return ErrPoolInUse
	}

	c.removeBlock(b)
	c.pools = append(c.pools[:index], c.pools[index+1:]...)
	return nil
}

func (c *Control) poolIndex(addr uintptr) int {
	for index, p := range c.pools {
		if p.Addr == addr {
			return index
		}
	}
	return -1
}

// Pools returns the pools currently managed by the allocator.
func (c *Control) Pools() []Pool {
	return append([]Pool(nil), c.pools...)
}

// BlockVisitor is invoked by Walk for every block. Returning false stops the
// walk.
type BlockVisitor func(addr, size uintptr, used bool) bool

// Walk visits every block of every pool in address order.
func (c *Control) Walk(visitor BlockVisitor) {
	for _, p := range c.pools {
		for b := block(p.Addr - BlockOverhead); !c.isLast(b); b = c.next(b) {
			if !visitor(b.payload(), c.size(b), !c.isFree(b)) {
				return
			}
		}
	}
}

// Stats summarises heap usage.
type Stats struct {
	Pools      int
	TotalBytes uintptr
	FreeBytes  uintptr
	UsedBytes  uintptr
	FreeBlocks int
	UsedBlocks int
	// LargestFree is the size of the largest free block.
	LargestFree uintptr
}

// Stats scans every pool and returns the heap usage.
func (c *Control) Stats() Stats {
	s := Stats{Pools: len(c.pools)}
	for _, p := range c.pools {
		s.TotalBytes += p.Size
	}

	c.Walk(func(_, size uintptr, used bool) bool {
		if used {
			s.UsedBytes += size
			s.UsedBlocks++
			return true
		}

		s.FreeBytes += size
		s.FreeBlocks++
		if size > s.LargestFree {
			s.LargestFree = size
		}
		return true
	})

	return s
}

// Check verifies the consistency of the bitmaps, the free lists and the
// physical block chain of every pool.
func (c *Control) Check() error {
	listed := 0
	for fl := 0; fl < flIndexCount; fl++ {
		if hasSL, hasFL := c.slBitmap[fl] != 0, c.flBitmap&(1<<uint(fl)) != 0; hasSL != hasFL {
			return errors.Newf("first level bit %d is %t but second level bitmap is 0x%x", fl, hasFL, c.slBitmap[fl])
		}

		for sl := 0; sl < slIndexCount; sl++ {
			head := c.blocks[fl][sl]
			if bitSet := c.slBitmap[fl]&(1<<uint(sl)) != 0; bitSet != (head != nullBlock) {
				return errors.Newf("bucket (%d, %d): bit is %t but head is 0x%x", fl, sl, bitSet, uintptr(head))
			}

			prev := nullBlock
			for b := head; b != nullBlock; prev, b = b, c.freeNext(b) {
				if !c.isFree(b) {
					return errors.Newf("block 0x%x in bucket (%d, %d) is not marked free", uintptr(b), fl, sl)
				}
				if c.freePrev(b) != prev {
					return errors.Newf("block 0x%x has a broken back link", uintptr(b))
				}
				if bfl, bsl := mapping(c.size(b)); bfl != fl || bsl != sl {
					return errors.Newf("block 0x%x of size %d is in bucket (%d, %d) instead of (%d, %d)",
						uintptr(b), c.size(b), fl, sl, bfl, bsl)
				}
				listed++
			}
		}
	}

	walked := 0
	for _, p := range c.pools {
		prevFree := false
		for b := block(p.Addr - BlockOverhead); ; b = c.next(b) {
			if c.prevIsFree(b) != prevFree {
				return errors.Newf("block 0x%x prev-free flag is %t but the previous block free state is %t",
					uintptr(b), c.prevIsFree(b), prevFree)
			}
			if c.isLast(b) {
				if c.isFree(b) {
					return errors.Newf("sentinel 0x%x of pool 0x%x is marked free", uintptr(b), p.Addr)
				}
				if end := uintptr(b) + blockOffset; end > p.Addr+p.Size {
					return errors.Newf("pool 0x%x overruns its bounds", p.Addr)
				}
				break
			}

			free := c.isFree(b)
			if free {
				if prevFree {
					return errors.Newf("adjacent free blocks at 0x%x were not merged", uintptr(b))
				}
				if c.physPrev(c.next(b)) != b {
					return errors.Newf("block 0x%x is not linked from its successor", uintptr(b))
				}
				walked++
			}
			prevFree = free
		}
	}

	if walked != listed {
		return errors.Newf("%d free blocks in pools but %d in the free lists", walked, listed)
	}
	return nil
}
