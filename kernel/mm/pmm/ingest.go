package pmm

import (
	"chromaos/kernel/hal/bootinfo"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"
)

// IngestReport summarises a memory map ingestion.
type IngestReport struct {
	bootinfo.Summary

	// Added is the number of bytes handed to the buddy lists.
	Added mm.Size

	// Dropped counts free entries that were left empty by page alignment
	// or that start at physical address 0.
	Dropped int
}

// Ingest walks the firmware memory map and hands every free region, rounded
// inwards to page boundaries, to the allocator. Other regions are logged but
// never allocated from. Address 0 terminates every free list so a region
// whose aligned start is 0 is dropped.
func (a *Allocator) Ingest(memoryMap bootinfo.MemoryMap) IngestReport {
	report := IngestReport{Summary: memoryMap.Summarize()}

	log.Info("system memory map",
		"entries", report.Entries,
		"free", report.FreeBytes,
		"total", report.TotalBytes)

	memoryMap.VisitMemRegions(func(region *bootinfo.MemoryMapEntry) bool {
		from, to := uintptr(region.PhysAddress), uintptr(region.End())
		log.Info("memory region",
			"from", kfmt.Hex(from), "to", kfmt.Hex(to), "type", region.Type)

		if region.Type != bootinfo.MemFree {
			return true
		}

		pageFrom, pageTo := mm.AlignUp(from, mm.PageSize), mm.AlignDown(to, mm.PageSize)
		if pageFrom == 0 || pageTo <= pageFrom {
			report.Dropped++
			return true
		}

		a.AddRange(pageFrom, pageTo-pageFrom)
		report.Added += mm.Size(pageTo - pageFrom)
		return true
	})

	log.Info("memory map ingested",
		"added", report.Added, "dropped", report.Dropped, "top", kfmt.Hex(a.top))

	return report
}
