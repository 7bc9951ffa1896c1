package mm

import "fmt"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// String renders the size using the largest unit that divides it exactly.
func (s Size) String() string {
	switch {
	case s >= Gb && s%Gb == 0:
		return fmt.Sprintf("%dGiB", s/Gb)
	case s >= Mb && s%Mb == 0:
		return fmt.Sprintf("%dMiB", s/Mb)
	case s >= Kb && s%Kb == 0:
		return fmt.Sprintf("%dKiB", s/Kb)
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
