package pmm

import (
	"math/bits"

	"chromaos/kernel"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm/physmem"
	"chromaos/kernel/sync"

	"github.com/cockroachdb/errors"
)

// MinOrder is the order of the smallest block managed by a buddy list.
const MinOrder = 3

// buddyList is a power-of-two block allocator. Each free block is linked into
// the list for its order through its first machine word; address 0 terminates
// a list. Two blocks of the same order are buddies when their addresses,
// relative to base, differ only in the order's bit.
type buddyList struct {
	lock sync.TicketLock
	mem  physmem.Memory
	name string

	// maxOrder is one past the largest order the list can hold.
	maxOrder uint

	base uintptr

	// floatingBase is set for lists whose base is the first address they
	// are given; baseSet records whether that happened yet.
	floatingBase bool
	baseSet      bool

	heads     []uintptr
	freeBytes uintptr
}

func newBuddyList(name string, mem physmem.Memory, base uintptr, maxOrder uint, floatingBase bool) *buddyList {
	return &buddyList{
		mem:          mem,
		name:         name,
		maxOrder:     maxOrder,
		base:         base,
		floatingBase: floatingBase,
		baseSet:      !floatingBase,
		heads:        make([]uintptr, maxOrder-MinOrder),
	}
}

// orderFor returns the smallest order whose block can hold size bytes.
func orderFor(size uintptr) uint {
	order := uint(bits.Len64(uint64(size - 1)))
	if order < MinOrder {
		order = MinOrder
	}
	return order
}

// registerRange splits [addr, addr+size) into the largest blocks that fit
// the remaining size and are aligned to their order relative to the list
// base, and pushes each one as a new entry. Blocks are never merged here.
// A remainder smaller than the minimum block is discarded.
//
// Blocks are pushed from the highest address down so that the lowest block
// of each order ends up at the head of its list.
func (b *buddyList) registerRange(addr, size uintptr) {
	type block struct {
		addr  uintptr
		order uint
	}
	var blocks []block

	b.lock.Acquire()
	defer b.lock.Release()

	if !b.baseSet {
		b.base, b.baseSet = addr, true
	}

	for size >= 1<<MinOrder {
		order := b.maxOrder - 1
		if rel := addr - b.base; rel != 0 {
			if tz := uint(bits.TrailingZeros64(uint64(rel))); tz < order {
				order = tz
			}
		}

		if order < MinOrder {
			skip := uintptr(1)<<MinOrder - (addr-b.base)&(1<<MinOrder-1)
			if skip >= size {
				break
			}
			addr, size = addr+skip, size-skip
			continue
		}

		for uintptr(1)<<order > size {
			order--
		}

		blocks = append(blocks, block{addr, order})
		addr += 1 << order
		size -= 1 << order
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		b.push(blocks[i].addr, blocks[i].order)
	}
}

// allocate pops a block able to hold size bytes. Any excess beyond the
// smallest satisfying block is handed back through registerRange once the
// lock has been released.
func (b *buddyList) allocate(size uintptr) (uintptr, *kernel.Error) {
	order := orderFor(size)
	if size == 0 || order >= b.maxOrder {
		log.Warn("requested size exceeds the list's maximum order",
			"list", b.name, "size", size, "order", order, "max_order", b.maxOrder,
			"err", ErrUnsupportedSize)
		return 0, ErrOutOfMemory
	}

	b.lock.Acquire()
	for found := order; found < b.maxOrder; found++ {
		if b.heads[found-MinOrder] == 0 {
			continue
		}

		addr := b.pop(found)
		b.lock.Release()

		if excess := uintptr(1)<<found - uintptr(1)<<order; excess != 0 {
			b.registerRange(addr+uintptr(1)<<order, excess)
		}
		return addr, nil
	}
	b.lock.Release()

	return 0, ErrOutOfMemory
}

// free returns the block at addr to the list, merging it with its buddy for
// as long as the buddy is free.
func (b *buddyList) free(addr, size uintptr) {
	order := orderFor(size)
	if size == 0 || order >= b.maxOrder {
		kfmt.Panic(errors.Wrapf(ErrUnsupportedSize, "free of 0x%x bytes at 0x%x from the %s list", size, addr, b.name))
		return
	}

	if addr == 0 || (addr-b.base)&(uintptr(1)<<order-1) != 0 {
		kfmt.Panic(errors.Wrapf(ErrAlignmentViolation, "block 0x%x is not aligned to order %d in the %s list", addr, order, b.name))
		return
	}

	b.lock.Acquire()
	defer b.lock.Release()

	for ; order+1 < b.maxOrder; order++ {
		buddy := b.base + ((addr - b.base) ^ uintptr(1)<<order)
		if !b.unlink(buddy, order) {
			break
		}
		if buddy < addr {
			addr = buddy
		}
	}

	b.push(addr, order)
}

// push inserts a block at the head of its order's list. The lock must be held.
func (b *buddyList) push(addr uintptr, order uint) {
	b.mem.WriteWord(addr, uint64(b.heads[order-MinOrder]))
	b.heads[order-MinOrder] = addr
	b.freeBytes += 1 << order
}

// pop removes the head of a non-empty list. The lock must be held.
func (b *buddyList) pop(order uint) uintptr {
	addr := b.heads[order-MinOrder]
	b.heads[order-MinOrder] = uintptr(b.mem.ReadWord(addr))
	b.freeBytes -= 1 << order
	return addr
}

// unlink removes addr from the list for order if it is present. The lock
// must be held.
func (b *buddyList) unlink(addr uintptr, order uint) bool {
	var prev uintptr
	for cur := b.heads[order-MinOrder]; cur != 0; prev, cur = cur, uintptr(b.mem.ReadWord(cur)) {
		if cur != addr {
			continue
		}

		next := b.mem.ReadWord(cur)
		if prev == 0 {
			b.heads[order-MinOrder] = uintptr(next)
		} else {
			b.mem.WriteWord(prev, next)
		}
		b.freeBytes -= 1 << order
		return true
	}

	return false
}

// visit invokes fn for every free block, lowest order first. The lock must be
// held.
func (b *buddyList) visit(fn func(addr uintptr, order uint)) {
	for index, head := range b.heads {
		for cur := head; cur != 0; cur = uintptr(b.mem.ReadWord(cur)) {
			fn(cur, uint(index)+MinOrder)
		}
	}
}

// available returns the number of free bytes held by the list.
func (b *buddyList) available() uintptr {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.freeBytes
}
