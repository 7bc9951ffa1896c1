package vmm

// CachePolicy selects the memory type used for a mapped page.
type CachePolicy uint8

const (
	// CacheWriteBack is the default memory type for RAM.
	CacheWriteBack CachePolicy = iota

	// CacheWriteThrough writes every store to memory while still caching
	// loads.
	CacheWriteThrough

	// CacheUncached disables caching; used for device registers.
	CacheUncached

	// CacheWriteCombining buffers stores and is used for framebuffers. It
	// relies on the fifth page attribute table entry being programmed as
	// write-combining.
	CacheWriteCombining
)

func (p CachePolicy) flags() PageTableEntryFlag {
	switch p {
	case CacheWriteThrough:
		return FlagWriteThroughCaching
	case CacheUncached:
		return FlagDoNotCache | FlagWriteThroughCaching
	case CacheWriteCombining:
		return FlagPAT
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (p CachePolicy) String() string {
	switch p {
	case CacheWriteBack:
		return "write-back"
	case CacheWriteThrough:
		return "write-through"
	case CacheUncached:
		return "uncached"
	case CacheWriteCombining:
		return "write-combining"
	default:
		return "unknown"
	}
}
