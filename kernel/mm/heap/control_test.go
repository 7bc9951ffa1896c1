package heap

import (
	"bytes"
	"math/rand"
	"testing"

	"chromaos/kernel/cpu"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm/physmem"

	"github.com/stretchr/testify/require"
)

const (
	testPoolAddr = 0x100000
	testPoolSize = 0x100000
	testPoolFree = testPoolSize - PoolOverhead
)

func newTestArena(t *testing.T, size uintptr) *physmem.Arena {
	t.Helper()
	arena, err := physmem.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, arena.Release()) })
	return arena
}

func newTestControl(t *testing.T) (*Control, *physmem.Arena) {
	t.Helper()
	arena := newTestArena(t, 0x200000)
	ctrl := NewControl(arena)
	require.Nil(t, ctrl.AddPool(testPoolAddr, testPoolSize))
	require.NoError(t, ctrl.Check())
	return ctrl, arena
}

// requireAccounting checks that every byte of every pool is either a block
// payload or block bookkeeping.
func requireAccounting(t *testing.T, ctrl *Control) Stats {
	t.Helper()
	s := ctrl.Stats()
	blocks := uintptr(s.FreeBlocks + s.UsedBlocks)
	require.Equal(t, s.TotalBytes, s.FreeBytes+s.UsedBytes+BlockOverhead*(blocks+uintptr(s.Pools)))
	return s
}

func TestMapping(t *testing.T) {
	specs := []struct {
		size   uintptr
		fl, sl int
	}{
		{0, 0, 0},
		{24, 0, 3},
		{255, 0, 31},
		{256, 1, 0},
		{263, 1, 0},
		{264, 1, 1},
		{511, 1, 31},
		{512, 2, 0},
		{1 << 20, 13, 0},
		{MaxBlockSize - 1, flIndexCount - 1, 31},
	}

	for _, spec := range specs {
		fl, sl := mapping(spec.size)
		require.Equal(t, spec.fl, fl, "size %d", spec.size)
		require.Equal(t, spec.sl, sl, "size %d", spec.size)
	}
}

func TestSearchBucketAlwaysFits(t *testing.T) {
	check := func(size uintptr) {
		fl, sl := mapping(searchSize(size))
		if fl >= flIndexCount {
			return
		}

		require.GreaterOrEqual(t, bucketLowerBound(fl, sl), size, "size %d maps to bucket (%d, %d)", size, fl, sl)

		// Every block in the bucket, and in every bucket after it, is
		// at least as large as the bucket's lower bound.
		lfl, lsl := mapping(bucketLowerBound(fl, sl))
		require.Equal(t, []int{fl, sl}, []int{lfl, lsl})
	}

	for size := uintptr(MinBlockSize); size < 1<<16; size += AlignSize {
		check(size)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		check(alignRequestSize(uintptr(rng.Int63n(MaxBlockSize-1))+1, AlignSize))
	}
}

func TestAllocateSmallBlock(t *testing.T) {
	ctrl, _ := newTestControl(t)

	addr, err := ctrl.Allocate(24)
	require.Nil(t, err)
	require.NotZero(t, addr)
	require.Zero(t, addr%AlignSize)

	size := ctrl.BlockSize(addr)
	require.GreaterOrEqual(t, size, uintptr(24))
	require.Less(t, size, uintptr(24+AlignSize))
	require.NoError(t, ctrl.Check())
}

func TestAllocateRounding(t *testing.T) {
	ctrl, _ := newTestControl(t)

	for _, spec := range []struct{ req, exp uintptr }{
		{1, MinBlockSize},
		{17, MinBlockSize},
		{25, 32},
		{1000, 1000},
		{1001, 1008},
	} {
		addr, err := ctrl.Allocate(spec.req)
		require.Nil(t, err)
		require.Equal(t, spec.exp, ctrl.BlockSize(addr), "request %d", spec.req)
	}

	_, err := ctrl.Allocate(0)
	require.Equal(t, ErrInvalidSize, err)

	_, err = ctrl.Allocate(MaxBlockSize)
	require.Equal(t, ErrOutOfMemory, err)

	_, err = ctrl.Allocate(testPoolSize)
	require.Equal(t, ErrOutOfMemory, err)

	require.Zero(t, ctrl.BlockSize(0))
}

func TestFreeThenAllocate(t *testing.T) {
	ctrl, _ := newTestControl(t)

	for _, size := range []uintptr{8, 24, 100, 256, 4096, 65536, 0x80000} {
		addr, err := ctrl.Allocate(size)
		require.Nil(t, err, "size %d", size)
		ctrl.Free(addr)
		require.NoError(t, ctrl.Check())

		again, err := ctrl.Allocate(size)
		require.Nil(t, err, "size %d", size)
		require.Equal(t, addr, again)
		ctrl.Free(again)
	}

	s := requireAccounting(t, ctrl)
	require.Equal(t, 1, s.FreeBlocks)
	require.Equal(t, uintptr(testPoolFree), s.FreeBytes)

	ctrl.Free(0)
}

func TestFreeMergesNeighbours(t *testing.T) {
	for _, order := range [][3]int{{0, 2, 1}, {1, 0, 2}, {2, 1, 0}, {0, 1, 2}} {
		ctrl, _ := newTestControl(t)

		var blocks [3]uintptr
		for i := range blocks {
			addr, err := ctrl.Allocate(64)
			require.Nil(t, err)
			blocks[i] = addr
		}
		guard, err := ctrl.Allocate(64)
		require.Nil(t, err)

		for _, index := range order {
			ctrl.Free(blocks[index])
			require.NoError(t, ctrl.Check())
		}

		s := requireAccounting(t, ctrl)
		require.Equal(t, 2, s.FreeBlocks, "order %v", order)
		require.Equal(t, 1, s.UsedBlocks)

		// The merged run is reused from its start.
		addr, err := ctrl.Allocate(3*64 + 2*BlockOverhead)
		require.Nil(t, err)
		require.Equal(t, blocks[0], addr)

		ctrl.Free(addr)
		ctrl.Free(guard)
		require.Equal(t, 1, ctrl.Stats().FreeBlocks)
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	ctrl, _ := newTestControl(t)

	addr, err := ctrl.Allocate(128)
	require.Nil(t, err)
	ctrl.Free(addr)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	require.PanicsWithValue(t, cpu.ErrHalted, func() { ctrl.Free(addr) })
	require.Contains(t, buf.String(), ErrDoubleFree.Message)
	require.Contains(t, buf.String(), "module=heap")

	require.PanicsWithValue(t, cpu.ErrHalted, func() { _, _ = ctrl.Realloc(addr, 256) })
	require.PanicsWithValue(t, cpu.ErrHalted, func() { ctrl.Free(addr + 1) })

	require.NoError(t, ctrl.Check())
}

func TestRealloc(t *testing.T) {
	ctrl, arena := newTestControl(t)

	a, err := ctrl.Realloc(0, 64)
	require.Nil(t, err)
	b, err := ctrl.Allocate(64)
	require.Nil(t, err)
	guard, err := ctrl.Allocate(64)
	require.Nil(t, err)

	payload := arena.Bytes(a, 64)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Grow into the free successor in place.
	ctrl.Free(b)
	grown, err := ctrl.Realloc(a, 100)
	require.Nil(t, err)
	require.Equal(t, a, grown)
	require.Equal(t, uintptr(104), ctrl.BlockSize(a))
	require.NoError(t, ctrl.Check())

	// No room left after the block; the contents move.
	moved, err := ctrl.Realloc(a, 400)
	require.Nil(t, err)
	require.NotEqual(t, a, moved)
	for i, v := range arena.Bytes(moved, 64) {
		require.Equal(t, byte(i), v, "byte %d not copied", i)
	}
	require.NoError(t, ctrl.Check())

	// Shrink in place.
	shrunk, err := ctrl.Realloc(moved, 16)
	require.Nil(t, err)
	require.Equal(t, moved, shrunk)
	require.Equal(t, uintptr(MinBlockSize), ctrl.BlockSize(shrunk))
	require.NoError(t, ctrl.Check())

	// A failed move leaves the block untouched.
	_, err = ctrl.Realloc(shrunk, testPoolSize)
	require.Equal(t, ErrOutOfMemory, err)
	require.Equal(t, uintptr(MinBlockSize), ctrl.BlockSize(shrunk))

	freed, err := ctrl.Realloc(shrunk, 0)
	require.Nil(t, err)
	require.Zero(t, freed)

	ctrl.Free(guard)
	require.NoError(t, ctrl.Check())
	require.Equal(t, 1, ctrl.Stats().FreeBlocks)
}

func TestAllocateAligned(t *testing.T) {
	ctrl, _ := newTestControl(t)

	// Offset the next free payload so that alignment requires a gap.
	_, err := ctrl.Allocate(40)
	require.Nil(t, err)

	var live []uintptr
	for _, align := range []uintptr{8, 16, 32, 64, 128, 4096} {
		for _, size := range []uintptr{1, 24, 100, 5000} {
			addr, err := ctrl.AllocateAligned(align, size)
			require.Nil(t, err, "align %d size %d", align, size)
			require.Zero(t, addr%align, "align %d size %d returned 0x%x", align, size, addr)
			require.GreaterOrEqual(t, ctrl.BlockSize(addr), size)
			require.NoError(t, ctrl.Check())
			live = append(live, addr)
		}
	}

	for _, addr := range live {
		ctrl.Free(addr)
	}
	require.NoError(t, ctrl.Check())
	requireAccounting(t, ctrl)

	_, err = ctrl.AllocateAligned(24, 64)
	require.Equal(t, ErrInvalidAlignment, err)
	_, err = ctrl.AllocateAligned(64, 0)
	require.Equal(t, ErrInvalidSize, err)
}

func TestPools(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	arena := newTestArena(t, 0x200000)
	ctrl := NewControl(arena)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	require.PanicsWithValue(t, cpu.ErrHalted, func() { _ = ctrl.AddPool(0x1004, 0x1000) })
	require.Contains(t, buf.String(), ErrAlignmentViolation.Message)

	require.Equal(t, ErrInvalidPoolSize, ctrl.AddPool(0x1000, PoolOverhead+MinBlockSize-1))
	require.Empty(t, ctrl.Pools())

	_, err := ctrl.Allocate(8)
	require.Equal(t, ErrOutOfMemory, err)

	require.Nil(t, ctrl.AddPool(0x1000, 0x1000))
	require.Nil(t, ctrl.AddPool(0x10000, 0x10000))
	require.Equal(t, []Pool{{0x1000, 0x1000}, {0x10000, 0x10000}}, ctrl.Pools())

	// Too large for the first pool; served by the second one.
	addr, err := ctrl.Allocate(0x2000)
	require.Nil(t, err)
	require.Greater(t, addr, uintptr(0x10000))
	require.NoError(t, ctrl.Check())

	require.Equal(t, ErrPoolInUse, ctrl.RemovePool(0x10000))
	require.Equal(t, ErrPoolInUse, ctrl.RemovePool(0x5000))
	require.Nil(t, ctrl.RemovePool(0x1000))
	require.NoError(t, ctrl.Check())

	ctrl.Free(addr)
	require.Nil(t, ctrl.RemovePool(0x10000))
	require.Empty(t, ctrl.Pools())
	require.NoError(t, ctrl.Check())

	_, err = ctrl.Allocate(8)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestWalk(t *testing.T) {
	ctrl, _ := newTestControl(t)

	a, _ := ctrl.Allocate(64)
	b, _ := ctrl.Allocate(128)
	ctrl.Free(a)

	type visited struct {
		addr, size uintptr
		used       bool
	}
	var got []visited
	ctrl.Walk(func(addr, size uintptr, used bool) bool {
		got = append(got, visited{addr, size, used})
		return true
	})

	require.Len(t, got, 3)
	require.Equal(t, visited{a, 64, false}, got[0])
	require.Equal(t, visited{b, 128, true}, got[1])
	require.False(t, got[2].used)
	require.Equal(t, uintptr(testPoolFree-64-128-2*BlockOverhead), got[2].size)

	var count int
	ctrl.Walk(func(_, _ uintptr, _ bool) bool {
		count++
		return false
	})
	require.Equal(t, 1, count)
}

func TestAdversarialSequence(t *testing.T) {
	ctrl, _ := newTestControl(t)

	var (
		rng   = rand.New(rand.NewSource(1234))
		live  = make(map[uintptr]uintptr)
		addrs []uintptr
	)

	for i := 0; i < 6000; i++ {
		// Alternate between bursts of small and large requests and free
		// random blocks to maximise fragmentation.
		if i%3 == 2 && len(addrs) > 0 {
			index := rng.Intn(len(addrs))
			ctrl.Free(addrs[index])
			delete(live, addrs[index])
			addrs[index] = addrs[len(addrs)-1]
			addrs = addrs[:len(addrs)-1]
		} else {
			size := uintptr(1 + rng.Intn(64))
			if (i/100)%2 == 1 {
				size = uintptr(256 + rng.Intn(4096))
			}

			addr, err := ctrl.Allocate(size)
			if err == nil {
				live[addr] = size
				addrs = append(addrs, addr)
			}
		}

		if i%250 != 0 {
			continue
		}

		require.NoError(t, ctrl.Check())
		s := requireAccounting(t, ctrl)

		var bound uintptr
		for _, size := range live {
			bound += alignRequestSize(size, AlignSize) + headerSize - 1 + 2*BlockOverhead
		}
		require.GreaterOrEqual(t, s.FreeBytes+bound+2*BlockOverhead, s.TotalBytes,
			"free bytes %d fell below the recoverable bound with %d live blocks", s.FreeBytes, len(live))
	}

	for _, addr := range addrs {
		ctrl.Free(addr)
	}

	require.NoError(t, ctrl.Check())
	s := requireAccounting(t, ctrl)
	require.Equal(t, 1, s.FreeBlocks)
	require.Zero(t, s.UsedBlocks)
	require.Equal(t, uintptr(testPoolFree), s.FreeBytes)
}
