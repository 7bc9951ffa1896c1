package main

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"chromaos/kernel/kmain"
	"chromaos/kernel/mm"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	stressWorkers    int
	stressIterations int
	stressSeed       int64
	stressMaxSize    uint
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressWorkers, "workers", 4, "Number of concurrent workers")
	cmd.Flags().IntVar(&stressIterations, "iterations", 10000, "Operations per worker")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed; worker i uses seed+i")
	cmd.Flags().UintVar(&stressMaxSize, "max-size", 16<<10, "Largest heap request in bytes")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent allocate/free workers against a booted machine",
		Long: `The stress command boots the machine and runs workers that randomly
allocate and free heap blocks, reference counted pages and low physical
blocks. Once every worker has released what it holds, the heap is checked for
consistency, grown pools are trimmed and the physical allocator must be back
at its post-boot state.

Example:
  memsim stress --workers 8 --iterations 50000
  memsim stress -f machine.yaml --seed 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStress(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

type stressResult struct {
	heapAllocs  int
	pageAllocs  int
	lowAllocs   int
	failures    int
	peakHeapUse uintptr
}

func runStress(out, logOut io.Writer) error {
	if stressWorkers <= 0 || stressIterations < 0 || stressMaxSize == 0 {
		return errors.New("workers and max-size must be positive")
	}

	m, err := loadMachine()
	if err != nil {
		return err
	}

	detach := attachLog(logOut)
	defer detach()

	sys, arena, err := m.Boot()
	if err != nil {
		return err
	}
	defer func() { _ = arena.Release() }()

	before := sys.Stats().Phys

	results := make([]stressResult, stressWorkers)
	var wg sync.WaitGroup
	for i := 0; i < stressWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = stressWorker(sys, rand.New(rand.NewSource(stressSeed+int64(i))), stressIterations, uintptr(stressMaxSize))
		}(i)
	}
	wg.Wait()

	if err := sys.Heap.Check(); err != nil {
		return errors.Wrap(err, "heap inconsistent after stress run")
	}
	if used := sys.Stats().Heap.UsedBlocks; used != 0 {
		return errors.Newf("%d heap blocks still in use", used)
	}

	trimmed := sys.Heap.Trim()
	if after := sys.Stats().Phys; after != before {
		return errors.Newf("physical memory not restored: low %s -> %s, high %s -> %s",
			before.LowFree, after.LowFree, before.HighFree, after.HighFree)
	}

	var total stressResult
	for _, r := range results {
		total.heapAllocs += r.heapAllocs
		total.pageAllocs += r.pageAllocs
		total.lowAllocs += r.lowAllocs
		total.failures += r.failures
		if r.peakHeapUse > total.peakHeapUse {
			total.peakHeapUse = r.peakHeapUse
		}
	}

	fmt.Fprintf(out, "Workers:    %d x %d operations\n", stressWorkers, stressIterations)
	fmt.Fprintf(out, "Heap:       %d allocations, peak per-worker use %s, %s trimmed\n",
		total.heapAllocs, mm.Size(total.peakHeapUse), mm.Size(trimmed))
	fmt.Fprintf(out, "Pages:      %d allocations\n", total.pageAllocs)
	fmt.Fprintf(out, "Low memory: %d allocations\n", total.lowAllocs)
	fmt.Fprintf(out, "Failures:   %d out-of-memory\n", total.failures)
	printStats(out, sys)
	return nil
}

type heapBlock struct {
	addr, size uintptr
}

// stressWorker performs iterations random operations and releases everything
// it still holds before returning.
func stressWorker(sys *kmain.System, rng *rand.Rand, iterations int, maxSize uintptr) stressResult {
	var (
		res    stressResult
		blocks []heapBlock
		pages  []mm.Frame
		lows   []uintptr
		inUse  uintptr
	)

	for n := 0; n < iterations; n++ {
		switch op := rng.Intn(10); {
		case op < 4:
			size := uintptr(rng.Int63n(int64(maxSize))) + 1
			addr, err := sys.HeapAllocate(size)
			if err != nil {
				res.failures++
				continue
			}
			res.heapAllocs++
			blocks = append(blocks, heapBlock{addr, size})
			inUse += size
			if inUse > res.peakHeapUse {
				res.peakHeapUse = inUse
			}
		case op < 6 && len(blocks) > 0:
			i := rng.Intn(len(blocks))
			sys.HeapFree(blocks[i].addr)
			inUse -= blocks[i].size
			blocks[i] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]
		case op == 6:
			frame, err := sys.AllocatePage()
			if err != nil {
				res.failures++
				continue
			}
			res.pageAllocs++
			pages = append(pages, frame)
		case op == 7 && len(pages) > 0:
			i := rng.Intn(len(pages))
			// take and drop a second reference before releasing
			sys.RefPage(pages[i])
			sys.FreePage(pages[i])
			sys.FreePage(pages[i])
			pages[i] = pages[len(pages)-1]
			pages = pages[:len(pages)-1]
		case op == 8:
			addr, err := sys.AllocatePhysicalLow(mm.PageSize)
			if err != nil {
				res.failures++
				continue
			}
			res.lowAllocs++
			lows = append(lows, addr)
		case len(lows) > 0:
			sys.FreePhysical(lows[len(lows)-1], mm.PageSize)
			lows = lows[:len(lows)-1]
		}
	}

	for _, b := range blocks {
		sys.HeapFree(b.addr)
	}
	for _, frame := range pages {
		sys.FreePage(frame)
	}
	for _, addr := range lows {
		sys.FreePhysical(addr, mm.PageSize)
	}
	return res
}
