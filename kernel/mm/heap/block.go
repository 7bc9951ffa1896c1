package heap

import "math/bits"

const (
	// AlignSize is the alignment of every payload returned by the heap.
	AlignSize = 1 << alignSizeLog2

	alignSizeLog2 = 3

	// slIndexCountLog2 is the number of bits used for second level
	// classing; each first level class is split into 32 linear buckets.
	slIndexCountLog2 = 5
	slIndexCount     = 1 << slIndexCountLog2

	flIndexLimit = 32
	flIndexShift = slIndexCountLog2 + alignSizeLog2
	flIndexCount = flIndexLimit - flIndexShift + 1

	// smallBlockSize is the size below which blocks are classed linearly
	// in first level class 0.
	smallBlockSize = 1 << flIndexShift

	// BlockOverhead is the per block bookkeeping cost of a used block.
	BlockOverhead = 8

	// blockOffset is the distance from a block header to its payload.
	blockOffset = 16

	// headerSize is the size of a complete free block header.
	headerSize = 32

	// MinBlockSize is the smallest payload a block can have; a free block
	// must be able to hold its two free list links.
	MinBlockSize = headerSize - 8

	// MaxBlockSize is the exclusive upper bound for block sizes.
	MaxBlockSize = 1 << flIndexLimit

	// PoolOverhead is the number of bytes of a pool not usable for
	// allocations: the size word of its first block plus the terminal
	// sentinel block.
	PoolOverhead = 2 * BlockOverhead
)

// Block header layout, relative to the header address:
//
//	+0   physically previous block; valid only while that block is free
//	+8   payload size | flags
//	+16  next block in the free list (free blocks only)
//	+24  previous block in the free list (free blocks only)
//
// The payload starts at +16, so the first field of the next header overlaps
// the last word of a used block's payload.
const (
	offPhysPrev = 0
	offSize     = 8
	offFreeNext = 16
	offFreePrev = 24

	flagFree     = 1 << 0
	flagPrevFree = 1 << 1
	flagMask     = flagFree | flagPrevFree
)

// block is the address of a block header. The zero block terminates free
// lists.
type block uintptr

const nullBlock block = 0

func blockFromPayload(addr uintptr) block {
	return block(addr - blockOffset)
}

func (b block) payload() uintptr {
	return uintptr(b) + blockOffset
}

func (c *Control) word(b block, off uintptr) uintptr {
	return uintptr(c.mem.ReadWord(uintptr(b) + off))
}

func (c *Control) setWord(b block, off, v uintptr) {
	c.mem.WriteWord(uintptr(b)+off, uint64(v))
}

func (c *Control) size(b block) uintptr {
	return c.word(b, offSize) &^ flagMask
}

// setSize updates the size of b keeping its flags.
func (c *Control) setSize(b block, size uintptr) {
	c.setWord(b, offSize, size|c.word(b, offSize)&flagMask)
}

// initHeader sets the size of a new header and clears its flags.
func (c *Control) initHeader(b block, size uintptr) {
	c.setWord(b, offSize, size)
}

func (c *Control) isLast(b block) bool {
	return c.size(b) == 0
}

func (c *Control) isFree(b block) bool {
	return c.word(b, offSize)&flagFree != 0
}

func (c *Control) prevIsFree(b block) bool {
	return c.word(b, offSize)&flagPrevFree != 0
}

func (c *Control) setFlag(b block, flag uintptr, on bool) {
	v := c.word(b, offSize)
	if on {
		v |= flag
	} else {
		v &^= flag
	}
	c.setWord(b, offSize, v)
}

func (c *Control) physPrev(b block) block { return block(c.word(b, offPhysPrev)) }
func (c *Control) freeNext(b block) block { return block(c.word(b, offFreeNext)) }
func (c *Control) freePrev(b block) block { return block(c.word(b, offFreePrev)) }

func (c *Control) setFreeNext(b, next block) { c.setWord(b, offFreeNext, uintptr(next)) }
func (c *Control) setFreePrev(b, prev block) { c.setWord(b, offFreePrev, uintptr(prev)) }

// next returns the block that physically follows b. b must not be the last
// block of its pool.
func (c *Control) next(b block) block {
	return block(b.payload() + c.size(b) - BlockOverhead)
}

// linkNext records b as the physical predecessor of the following block and
// returns that block.
func (c *Control) linkNext(b block) block {
	next := c.next(b)
	c.setWord(next, offPhysPrev, uintptr(b))
	return next
}

func (c *Control) markFree(b block) {
	next := c.linkNext(b)
	c.setFlag(next, flagPrevFree, true)
	c.setFlag(b, flagFree, true)
}

func (c *Control) markUsed(b block) {
	c.setFlag(c.next(b), flagPrevFree, false)
	c.setFlag(b, flagFree, false)
}

// alignRequestSize rounds a request up to the heap alignment and the minimum
// block size. It returns 0 for requests that can never be served.
func alignRequestSize(size, align uintptr) uintptr {
	if size == 0 {
		return 0
	}

	aligned := (size + align - 1) &^ (align - 1)
	if aligned < size || aligned >= MaxBlockSize {
		return 0
	}
	if aligned < MinBlockSize {
		return MinBlockSize
	}
	return aligned
}

// fls returns the index of the most significant set bit of v.
func fls(v uintptr) int {
	return bits.Len64(uint64(v)) - 1
}

// mapping returns the first and second level indices of the bucket that
// holds blocks of the given size.
func mapping(size uintptr) (fl, sl int) {
	if size < smallBlockSize {
		return 0, int(size / (smallBlockSize / slIndexCount))
	}

	fl = fls(size)
	sl = int(size>>(uint(fl)-slIndexCountLog2)) ^ slIndexCount
	return fl - (flIndexShift - 1), sl
}

// searchSize rounds size up to the next bucket boundary so that every block
// in the bucket it maps to is at least size bytes long.
func searchSize(size uintptr) uintptr {
	if size >= smallBlockSize {
		size += uintptr(1)<<(uint(fls(size))-slIndexCountLog2) - 1
	}
	return size
}

// bucketLowerBound returns the smallest block size mapped to bucket (fl, sl).
func bucketLowerBound(fl, sl int) uintptr {
	if fl == 0 {
		return uintptr(sl) * (smallBlockSize / slIndexCount)
	}

	shift := uint(fl + flIndexShift - 1)
	return uintptr(1)<<shift | uintptr(sl)<<(shift-slIndexCountLog2)
}
