package main

import (
	"fmt"
	"io"

	"chromaos/kernel/kmain"
	"chromaos/kernel/mm"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the simulated machine and print allocator statistics",
		Long: `The boot command ingests the machine's memory map, builds the kernel
heap and the kernel address space, then prints what each allocator holds.

Example:
  memsim boot
  memsim boot -f machine.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBoot(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runBoot(out, logOut io.Writer) error {
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

	printMemoryMap(out, m)
	printStats(out, sys)
	return nil
}

func printMemoryMap(out io.Writer, m *Machine) {
	fmt.Fprintf(out, "Memory map (%d entries):\n", len(m.MemoryMap))
	for _, r := range m.MemoryMap {
		fmt.Fprintf(out, "  [0x%012x - 0x%012x] %-8s %s\n", r.Base, r.Base+r.Length, r.Type, mm.Size(r.Length))
	}
}

func printStats(out io.Writer, sys *kmain.System) {
	stats := sys.Stats()

	fmt.Fprintf(out, "\nIngested: %s free of %s total, %d entries dropped\n",
		sys.Ingest.Added, sys.Ingest.TotalBytes, sys.Ingest.Dropped)
	fmt.Fprintf(out, "Physical: %s free below the threshold, %s above\n",
		stats.Phys.LowFree, stats.Phys.HighFree)
	fmt.Fprintf(out, "Heap:     %d pool(s), %s total, %s free, %s used, largest free block %s\n",
		stats.Heap.Pools,
		mm.Size(stats.Heap.TotalBytes),
		mm.Size(stats.Heap.FreeBytes),
		mm.Size(stats.Heap.UsedBytes),
		mm.Size(stats.Heap.LargestFree))
	fmt.Fprintf(out, "Paging:   kernel root table at 0x%x\n", sys.Kernel.Root().Address())
}
