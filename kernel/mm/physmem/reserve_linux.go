package physmem

import "golang.org/x/sys/unix"

// reserve maps an anonymous private region. Pages are only committed by the
// host once touched, so sparse multi-GiB machines stay cheap.
func reserve(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
}

func release(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
