package pmm

import (
	"bytes"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"chromaos/kernel"
	"chromaos/kernel/cpu"
	"chromaos/kernel/hal/bootinfo"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/physmem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T, size uintptr) *physmem.Arena {
	t.Helper()
	arena, err := physmem.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, arena.Release()) })
	return arena
}

// snapshot returns the free blocks of each order sorted by address.
func snapshot(b *buddyList) map[uint][]uintptr {
	b.lock.Acquire()
	defer b.lock.Release()

	out := make(map[uint][]uintptr)
	b.visit(func(addr uintptr, order uint) {
		out[order] = append(out[order], addr)
	})
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	return out
}

// requireListInvariants checks that every free block is aligned to its order
// relative to the list base and that no two free blocks overlap.
func requireListInvariants(t *testing.T, b *buddyList) {
	t.Helper()

	type block struct {
		addr  uintptr
		order uint
	}
	var blocks []block
	var total uintptr

	b.lock.Acquire()
	b.visit(func(addr uintptr, order uint) {
		blocks = append(blocks, block{addr, order})
		total += 1 << order
	})
	freeBytes := b.freeBytes
	b.lock.Release()

	require.Equal(t, freeBytes, total, "free byte counter out of sync with the lists")

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].addr < blocks[j].addr })
	for i, blk := range blocks {
		require.Zero(t, (blk.addr-b.base)&(uintptr(1)<<blk.order-1),
			"block 0x%x of order %d is misaligned", blk.addr, blk.order)
		if i+1 < len(blocks) {
			require.LessOrEqual(t, blk.addr+uintptr(1)<<blk.order, blocks[i+1].addr,
				"block 0x%x of order %d overlaps block 0x%x", blk.addr, blk.order, blocks[i+1].addr)
		}
	}
}

func TestRegisterRangeThenAllocate(t *testing.T) {
	arena := newTestArena(t, 0x10100000)
	low := newBuddyList("low", arena, 0, lowMaxOrder, false)

	low.registerRange(0x100000, 0x10000000)
	require.Equal(t, uintptr(0x10000000), low.available())
	requireListInvariants(t, low)

	addr, err := low.allocate(0x1000)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x100000), addr)

	addr, err = low.allocate(0x1000)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x101000), addr)

	require.Equal(t, uintptr(0x10000000-0x2000), low.available())
	requireListInvariants(t, low)
}

func TestRegisterRangeAlignsToFloatingBase(t *testing.T) {
	arena := newTestArena(t, 0x400000)
	high := newBuddyList("high", arena, 0, highMaxOrder, true)

	high.registerRange(0x103000, 0x200000)
	require.Equal(t, uintptr(0x103000), high.base)

	// Relative to the base the whole range starts at offset 0.
	require.Equal(t, map[uint][]uintptr{21: {0x103000}}, snapshot(high))

	// A second range keeps the original base; blocks are aligned relative
	// to it.
	high.registerRange(0x304000, 0x3000)
	requireListInvariants(t, high)
	require.Equal(t, []uintptr{0x304000}, snapshot(high)[12])
	require.Equal(t, []uintptr{0x305000}, snapshot(high)[13])
}

func TestRegisterRangeDiscardsRemainder(t *testing.T) {
	arena := newTestArena(t, 0x2000)
	low := newBuddyList("low", arena, 0, lowMaxOrder, false)

	low.registerRange(0x1004, 0x1f)
	// 0x1004 is bumped to 0x1008. The remaining 0x1b bytes hold an 8 byte
	// block and a 16 byte block; the 3 byte tail is discarded.
	require.Equal(t, map[uint][]uintptr{3: {0x1008}, 4: {0x1010}}, snapshot(low))
}

func TestBuddiesMerge(t *testing.T) {
	for _, firstFreed := range []int{0, 1} {
		arena := newTestArena(t, 0x20000)
		low := newBuddyList("low", arena, 0, lowMaxOrder, false)
		low.registerRange(0x10000, 0x2000)

		var blocks [2]uintptr
		for i := range blocks {
			addr, err := low.allocate(0x1000)
			require.Nil(t, err)
			blocks[i] = addr
		}
		require.Equal(t, [2]uintptr{0x10000, 0x11000}, blocks)
		require.Empty(t, snapshot(low))

		low.free(blocks[firstFreed], 0x1000)
		low.free(blocks[1-firstFreed], 0x1000)

		require.Equal(t, map[uint][]uintptr{13: {0x10000}}, snapshot(low),
			"expected buddies to merge into a single order 13 block")
	}
}

func TestFreeRestoresFreeLists(t *testing.T) {
	arena := newTestArena(t, 0x1000000)
	low := newBuddyList("low", arena, 0, lowMaxOrder, false)
	low.registerRange(0x1000, 0xfff000)

	for _, size := range []uintptr{1, 8, 24, 0x1000, 0x1800, 0x10000, 0x80000, 0x400000} {
		before := snapshot(low)

		addr, err := low.allocate(size)
		require.Nil(t, err, "size 0x%x", size)
		low.free(addr, size)

		require.Equal(t, before, snapshot(low), "size 0x%x", size)
	}
}

func TestRandomAllocFreeKeepsInvariants(t *testing.T) {
	arena := newTestArena(t, 0x2000000)
	low := newBuddyList("low", arena, 0, lowMaxOrder, false)
	low.registerRange(0x3000, 0x1ffd000)
	initial := snapshot(low)

	type allocation struct{ addr, size uintptr }
	var (
		rng  = rand.New(rand.NewSource(42))
		live []allocation
	)

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			low.free(live[index].addr, live[index].size)
			live = append(live[:index], live[index+1:]...)
			continue
		}

		size := uintptr(8 + rng.Intn(0x10000))
		addr, err := low.allocate(size)
		if err != nil {
			continue
		}
		live = append(live, allocation{addr, size})

		// Allocated blocks are never reported as free.
		for order, list := range snapshot(low) {
			for _, free := range list {
				assert.False(t, free < addr+size && addr < free+uintptr(1)<<order,
					"allocated block 0x%x overlaps free block 0x%x", addr, free)
			}
		}
	}

	requireListInvariants(t, low)

	for _, a := range live {
		low.free(a.addr, a.size)
	}
	requireListInvariants(t, low)
	require.Equal(t, initial, snapshot(low))
}

func TestAllocateFailures(t *testing.T) {
	arena := newTestArena(t, 0x10000)
	low := newBuddyList("low", arena, 0, lowMaxOrder, false)
	low.registerRange(0x8000, 0x8000)

	_, err := low.allocate(0)
	require.Equal(t, ErrOutOfMemory, err)

	_, err = low.allocate(1 << 32)
	require.Equal(t, ErrOutOfMemory, err, "orders beyond the maximum are reported as out of memory")

	_, err = low.allocate(0x10000)
	require.Equal(t, ErrOutOfMemory, err)

	addr, err := low.allocate(0x8000)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x8000), addr)

	_, err = low.allocate(8)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestFreeInvalidBlock(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	arena := newTestArena(t, 0x10000)
	low := newBuddyList("low", arena, 0, lowMaxOrder, false)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	require.PanicsWithValue(t, cpu.ErrHalted, func() { low.free(0x1800, 0x1000) })
	require.Contains(t, buf.String(), "block 0x1800 is not aligned to order 12")

	require.PanicsWithValue(t, cpu.ErrHalted, func() { low.free(0x1000, 1<<40) })
	require.Contains(t, buf.String(), ErrUnsupportedSize.Message)

	require.Empty(t, snapshot(low))
}

func TestAllocatorSelection(t *testing.T) {
	arena := newTestArena(t, 0x400000)
	alloc := NewAllocator(arena, 0x100000)

	alloc.AddRange(0x1000, 0x2ff000)
	require.Equal(t, uintptr(0x300000), alloc.Top())
	require.Equal(t, uintptr(0x100000), alloc.high.base)
	require.Equal(t, Stats{LowFree: 0xff000, HighFree: 0x200000}, alloc.Stats())

	addr, err := alloc.Allocate(0x1000)
	require.Nil(t, err)
	require.GreaterOrEqual(t, addr, uintptr(0x100000), "expected the high list to be tried first")

	lowAddr, err := alloc.AllocateLow(0x1000)
	require.Nil(t, err)
	require.Less(t, lowAddr, uintptr(0x100000))

	alloc.Free(addr, 0x1000)
	alloc.Free(lowAddr, 0x1000)
	require.Equal(t, Stats{LowFree: 0xff000, HighFree: 0x200000}, alloc.Stats())

	// Once the high list is exhausted the low list serves the request.
	addr, err = alloc.Allocate(0x200000)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x100000), addr)

	addr, err = alloc.Allocate(0x1000)
	require.Nil(t, err)
	require.Less(t, addr, uintptr(0x100000))

	_, err = alloc.Allocate(0x100000)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestZeroedAllocations(t *testing.T) {
	arena := newTestArena(t, 0x20000)
	alloc := NewAllocator(arena, 0x10000)
	alloc.AddRange(0x1000, 0x1f000)

	for _, fn := range []func(uintptr) (uintptr, error){
		func(size uintptr) (uintptr, error) { return toAddr(alloc.AllocateZeroed(size)) },
		func(size uintptr) (uintptr, error) { return toAddr(alloc.AllocateLowZeroed(size)) },
	} {
		addr, err := fn(0x1000)
		require.NoError(t, err)
		block := arena.Bytes(addr, 0x1000)
		for i := range block {
			block[i] = 0xaa
		}
		alloc.Free(addr, 0x1000)

		again, err := fn(0x1000)
		require.NoError(t, err)
		require.Equal(t, addr, again)
		require.Equal(t, make([]byte, 0x1000), arena.Bytes(again, 0x1000))
		alloc.Free(again, 0x1000)
	}
}

// toAddr converts a *kernel.Error result into a plain error so that a nil
// result compares equal to nil.
func toAddr(addr uintptr, err *kernel.Error) (uintptr, error) {
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func TestPageReferenceCounts(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	arena := newTestArena(t, 0x100000)
	alloc := NewAllocator(arena, 0x100000)
	alloc.AddRange(0x10000, 0xf0000)
	alloc.InitRefCounts()
	initial := alloc.Stats()

	frame, err := alloc.AllocatePage()
	require.Nil(t, err)
	require.Equal(t, uint32(1), alloc.PageRefs(frame))

	alloc.RefPage(frame)
	require.Equal(t, uint32(2), alloc.PageRefs(frame))

	alloc.FreePage(frame)
	require.Equal(t, uint32(1), alloc.PageRefs(frame))
	require.Equal(t, initial.LowFree-mm.Size(mm.PageSize), alloc.Stats().LowFree, "frame released while still referenced")

	alloc.FreePage(frame)
	require.Zero(t, alloc.PageRefs(frame))
	require.Equal(t, initial, alloc.Stats())

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	require.PanicsWithValue(t, cpu.ErrHalted, func() { alloc.FreePage(frame) })
	require.Contains(t, buf.String(), ErrFrameNotReferenced.Message)
}

func TestAllocateZeroedPage(t *testing.T) {
	arena := newTestArena(t, 0x20000)
	alloc := NewAllocator(arena, 0x20000)
	alloc.AddRange(0x10000, 0x10000)
	alloc.InitRefCounts()

	arena.WriteWord(0x10008, 0xdeadbeef)
	frame, err := alloc.AllocateZeroedPage()
	require.Nil(t, err)
	require.Equal(t, uintptr(0x10000), frame.Address())
	require.Zero(t, arena.ReadWord(0x10008))
	require.Equal(t, uint32(1), alloc.PageRefs(frame))

	// The signature matches the frame allocator hook used by the vmm.
	var fn mm.FrameAllocatorFn = alloc.AllocateZeroedPage
	require.NotNil(t, fn)
}

func TestIngest(t *testing.T) {
	arena := newTestArena(t, 0x2000000)
	alloc := NewAllocator(arena, 0x1000000)

	memoryMap := bootinfo.EncodeMemoryMap([]bootinfo.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: bootinfo.MemFree},
		{PhysAddress: 0x9fc00, Length: 0x60400, Type: bootinfo.MemReserved},
		{PhysAddress: 0x100000, Length: 0xf00000, Type: bootinfo.MemFree},
		{PhysAddress: 0x1000000, Length: 0x800, Type: bootinfo.MemFree},
		{PhysAddress: 0x1000800, Length: 0x800, Type: bootinfo.MemACPI},
		{PhysAddress: 0x1001010, Length: 0xffeff0, Type: bootinfo.MemFree},
		{PhysAddress: 0xfee00000, Length: 0x1000, Type: bootinfo.MemMMIO},
	})

	report := alloc.Ingest(memoryMap)

	require.Equal(t, 7, report.Entries)
	require.Equal(t, 2, report.Dropped, "entries at 0 or emptied by alignment must be dropped")
	require.Equal(t, mm.Size(0xf00000+0xffe000), report.Added)
	require.Equal(t, uintptr(0x2000000), alloc.Top())
	require.Equal(t, Stats{LowFree: 0xf00000, HighFree: 0xffe000}, alloc.Stats())

	requireListInvariants(t, alloc.low)
	requireListInvariants(t, alloc.high)
	require.Equal(t, uintptr(0x1002000), alloc.high.base)
}

func TestConcurrentAllocations(t *testing.T) {
	arena := newTestArena(t, 0x4000000)
	alloc := NewAllocator(arena, 0x2000000)
	alloc.AddRange(0x1000, 0x3fff000)
	initial := alloc.Stats()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			type allocation struct{ addr, size uintptr }
			var live []allocation
			for i := 0; i < 500; i++ {
				size := uintptr(8 + rng.Intn(0x8000))
				var (
					addr uintptr
					err  error
				)
				if rng.Intn(4) == 0 {
					addr, err = toAddr(alloc.AllocateLow(size))
				} else {
					addr, err = toAddr(alloc.Allocate(size))
				}
				if err == nil {
					arena.WriteWord(addr, uint64(seed))
					live = append(live, allocation{addr, size})
				}

				if len(live) > 8 {
					a := live[0]
					assert.Equal(t, uint64(seed), arena.ReadWord(a.addr), "block 0x%x handed out twice", a.addr)
					alloc.Free(a.addr, a.size)
					live = live[1:]
				}
			}
			for _, a := range live {
				alloc.Free(a.addr, a.size)
			}
		}(int64(worker + 1))
	}
	wg.Wait()

	require.Equal(t, initial, alloc.Stats())
	requireListInvariants(t, alloc.low)
	requireListInvariants(t, alloc.high)
}
